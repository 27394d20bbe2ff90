package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Live Detect Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #111; color: #eee; }
        .app { max-width: 1400px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 12px; }
        .title { font-size: 20px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 13px; background: #444; }
        .badge.running { background: #1b7f3a; }
        .badge.waiting_for_video, .badge.loading { background: #8a6d00; }
        .badge.camera_error, .badge.detector_error, .badge.failed { background: #a11; }
        .grid { display: grid; grid-template-columns: 3fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .panel h2 { font-size: 15px; margin: 0 0 8px; }
        #stream { width: 100%; height: auto; display: block; background: #000; }
        #message { min-height: 1.2em; color: #f88; margin: 8px 0 0; font-size: 14px; }
        .controls button { margin: 4px 4px 0 0; padding: 6px 10px; background: #333; color: #eee; border: 1px solid #555; border-radius: 4px; cursor: pointer; }
        .controls button:hover { background: #444; }
        dl { display: grid; grid-template-columns: auto 1fr; gap: 4px 10px; margin: 0; font-size: 13px; }
        dt { color: #999; }
        dd { margin: 0; font-variant-numeric: tabular-nums; }
        ul { list-style: none; padding: 0; margin: 0; font-size: 13px; }
        li { padding: 3px 0; border-bottom: 1px solid #2a2a2a; }
        .label { display: inline-block; background: #d00; color: #fff; padding: 0 4px; margin-right: 6px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Live Detect Monitor</div>
            <span class="badge" id="status-badge">Waiting for data...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <img id="stream" src="/stream" alt="Live camera with detection overlay">
                <p id="message"></p>
                <div class="controls">
                    <button type="button" data-post="/api/camera/restart">Restart camera</button>
                    <button type="button" data-post="/api/detector/reload">Reload detector</button>
                    <button type="button" data-post="/api/recording/start">Start recording</button>
                    <button type="button" data-post="/api/recording/stop">Stop recording</button>
                </div>
            </div>

            <div>
                <div class="panel">
                    <h2>Session</h2>
                    <dl>
                        <dt>Video</dt><dd id="ready-state">-</dd>
                        <dt>Detector</dt><dd id="detector">-</dd>
                        <dt>Loop</dt><dd id="loop-reason">-</dd>
                        <dt>Detect calls</dt><dd id="detect-calls">0</dd>
                        <dt>Skipped</dt><dd id="skipped">0</dd>
                        <dt>Overlay FPS</dt><dd id="fps">0</dd>
                        <dt>Recording</dt><dd id="recording">off</dd>
                    </dl>
                </div>
                <div class="panel" style="margin-top:16px;">
                    <h2>Detections</h2>
                    <ul id="detections"></ul>
                </div>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);

        function renderStatus(p) {
            const s = p.session;
            const badge = $('status-badge');
            badge.textContent = s.status.replace(/_/g, ' ');
            badge.className = 'badge ' + s.status;
            $('message').textContent = s.message || '';
            $('ready-state').textContent = s.ready_state;
            const d = s.detector;
            $('detector').textContent = d.error ? 'error' : d.loading ? 'loading...' : d.ready ? 'ready (gen ' + d.generation + ')' : '-';
            $('loop-reason').textContent = s.loop_reason;
            $('detect-calls').textContent = s.loop.detect_calls;
            $('skipped').textContent = s.loop.skipped;
            $('fps').textContent = p.monitor.current_fps.toFixed(1);
            $('recording').textContent = p.recording && p.recording.recording ? 'on (' + p.recording.event_count + ')' : 'off';
        }

        function renderDetections(ev) {
            const list = $('detections');
            list.innerHTML = '';
            for (const b of ev.boxes) {
                const li = document.createElement('li');
                const tag = document.createElement('span');
                tag.className = 'label';
                tag.textContent = b.label;
                li.appendChild(tag);
                li.appendChild(document.createTextNode(
                    Math.round(b.x) + ',' + Math.round(b.y) + ' ' + Math.round(b.width) + 'x' + Math.round(b.height)));
                list.appendChild(li);
            }
        }

        new EventSource('/api/status/stream').onmessage = (e) => renderStatus(JSON.parse(e.data));
        new EventSource('/api/detections/stream').onmessage = (e) => renderDetections(JSON.parse(e.data));

        for (const btn of document.querySelectorAll('[data-post]')) {
            btn.addEventListener('click', async () => {
                btn.disabled = true;
                try {
                    const res = await fetch(btn.dataset.post, { method: 'POST' });
                    const body = await res.json();
                    if (!res.ok) $('message').textContent = body.error || res.statusText;
                } catch (err) {
                    $('message').textContent = String(err);
                } finally {
                    btn.disabled = false;
                }
            });
        }
    </script>
</body>
</html>
`
