package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

const defaultRequestTimeout = 2 * time.Second

// fakeSession records commands and reports a fixed status
type fakeSession struct {
	mu       sync.Mutex
	status   session.Status
	restarts int
	reloads  int
	err      error
}

func (f *fakeSession) Status() session.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.StatusSnapshot{Status: f.status, ReadyState: "have_enough_data", LoopReason: "running"}
}

func (f *fakeSession) RestartCamera(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.err
}

func (f *fakeSession) ReloadDetector(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.err
}

func (f *fakeSession) counts() (restarts, reloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts, f.reloads
}

func (f *fakeSession) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// staticVideo presents one solid frame
type staticVideo struct {
	frame image.Image
}

func newStaticVideo() *staticVideo {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.SetRGBA(0, 0, color.RGBA{A: 255})
	return &staticVideo{frame: img}
}

func (v *staticVideo) Sample() (types.FrameSample, image.Image) {
	size := types.Dimensions{Width: 64, Height: 48}
	return types.FrameSample{Time: 1, Native: size, Displayed: size}, v.frame
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	session *fakeSession
	board   *overlay.Board
	client  *http.Client
}

func newTestEnv(t *testing.T, rec *recorder.Recorder, rtc OfferHandler) *testEnv {
	t.Helper()
	env := &testEnv{
		session: &fakeSession{status: session.StatusRunning},
		board:   overlay.NewBoard(),
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
	deps := Deps{
		Session:  env.session,
		Video:    newStaticVideo(),
		Board:    env.board,
		Recorder: rec,
	}
	if rtc != nil {
		deps.WebRTC = rtc
	}
	srv, err := NewServer(Config{MJPEGInterval: 5 * time.Millisecond}, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	env.srv = srv
	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		env.http.Close()
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := e.client.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (e *testEnv) post(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := e.client.Post(e.http.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// readSSEEvent returns the first complete SSE event. onOpen runs once the
// response headers have arrived.
func readSSEEvent(url string, header http.Header, timeout time.Duration, onOpen func()) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if onOpen != nil {
		onOpen()
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(t *testing.T, event string) string {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return payload
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return ""
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertOverlayEvent(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireNumber(t, payload["seq"], field+".seq")
	requireNumber(t, payload["timestamp_ms"], field+".timestamp_ms")
	boxes := requireSlice(t, payload["boxes"], field+".boxes")
	for i, raw := range boxes {
		box := requireMap(t, raw, fmt.Sprintf("%s.boxes[%d]", field, i))
		requireString(t, box["label"], "boxes.label")
		requireNumber(t, box["x"], "boxes.x")
		requireNumber(t, box["y"], "boxes.y")
		requireNumber(t, box["width"], "boxes.width")
		requireNumber(t, box["height"], "boxes.height")
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	sess := requireMap(t, payload["session"], "session")
	requireString(t, sess["status"], "session.status")
	requireString(t, sess["ready_state"], "session.ready_state")
	requireMap(t, sess["loop"], "session.loop")
	requireMap(t, sess["detector"], "session.detector")

	monitor := requireMap(t, payload["monitor"], "monitor")
	requireNumber(t, monitor["events_rendered"], "monitor.events_rendered")
	requireNumber(t, monitor["current_fps"], "monitor.current_fps")
	requireNumber(t, monitor["detection_count"], "monitor.detection_count")

	requireNumber(t, payload["timestamp"], "timestamp")
	assertOverlayEvent(t, requireMap(t, payload["latest_overlay"], "latest_overlay"), "latest_overlay")
}
