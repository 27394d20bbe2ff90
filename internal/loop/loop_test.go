package loop

import (
	"errors"
	"image"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/scheduler"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/video"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

type fakeVideo struct {
	mu        sync.Mutex
	state     video.ReadyState
	time      float64
	native    types.Dimensions
	displayed types.Dimensions
}

func newFakeVideo() *fakeVideo {
	return &fakeVideo{
		state:     video.HaveEnoughData,
		native:    types.Dimensions{Width: 640, Height: 480},
		displayed: types.Dimensions{Width: 1280, Height: 720},
	}
}

func (v *fakeVideo) ReadyState() video.ReadyState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *fakeVideo) Sample() (types.FrameSample, image.Image) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return types.FrameSample{Time: v.time, Native: v.native, Displayed: v.displayed},
		image.NewRGBA(image.Rect(0, 0, v.native.Width, v.native.Height))
}

func (v *fakeVideo) setTime(t float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.time = t
}

func (v *fakeVideo) setState(s video.ReadyState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

type fakeDetector struct {
	mu         sync.Mutex
	ready      bool
	timestamps []int64
	dets       []types.Detection
	err        error
	block      chan struct{} // When set, Detect waits on it
	entered    chan struct{}
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{ready: true}
}

func (d *fakeDetector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *fakeDetector) Detect(_ image.Image, ts int64) ([]types.Detection, error) {
	d.mu.Lock()
	d.timestamps = append(d.timestamps, ts)
	block, entered := d.block, d.entered
	dets, err := d.dets, d.err
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return dets, err
}

func (d *fakeDetector) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timestamps)
}

type recorder struct {
	mu     sync.Mutex
	events []types.OverlayEvent
}

func (r *recorder) Render(ev types.OverlayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) last() types.OverlayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	clock *clock.Mock
	sched *scheduler.Ticker
	video *fakeVideo
	det   *fakeDetector
	out   *recorder
	loop  *Loop
}

func newHarness(cfg Config) *harness {
	h := &harness{
		clock: clock.NewMock(),
		video: newFakeVideo(),
		det:   newFakeDetector(),
		out:   &recorder{},
	}
	h.sched = scheduler.NewTicker(h.clock, 60)
	cfg.Clock = h.clock
	h.loop = New(h.video, h.det, h.out, h.sched, cfg)
	return h
}

func (h *harness) tick() {
	h.clock.Add(16 * time.Millisecond)
	h.sched.Tick(h.clock.Now())
}

func TestStartWithoutPreconditions(t *testing.T) {
	h := newHarness(Config{})
	h.video.setState(video.HaveMetadata)

	if err := h.loop.Start(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("nothing should be scheduled")
	}

	h.video.setState(video.HaveEnoughData)
	h.det.ready = false
	if err := h.loop.Start(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady with detector not ready, got %v", err)
	}

	h.tick()
	h.tick()
	if h.det.calls() != 0 || h.sched.Pending() != 0 {
		t.Fatalf("detector called %d times, pending %d", h.det.calls(), h.sched.Pending())
	}
	if h.loop.Active() {
		t.Fatalf("loop should not be active")
	}
}

func TestHaveCurrentDataIsEnoughToStart(t *testing.T) {
	h := newHarness(Config{})
	h.video.setState(video.HaveCurrentData)
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.tick()
	if h.det.calls() != 1 {
		t.Fatalf("expected one detect call, got %d", h.det.calls())
	}
	h.loop.Stop()
}

func TestDetectsOncePerDistinctFrameTime(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		h := newHarness(Config{})
		if err := h.loop.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}

		frameTime := 0.0
		distinct := 0
		last := -1.0
		for i := 0; i < 200; i++ {
			if rng.Intn(3) == 0 {
				frameTime += 1.0 / 30
			}
			h.video.setTime(frameTime)
			if frameTime != last {
				distinct++
				last = frameTime
			}
			h.tick()
		}

		if h.det.calls() != distinct {
			t.Fatalf("trial %d: detector called %d times for %d distinct frames", trial, h.det.calls(), distinct)
		}
		st := h.loop.Stats()
		if st.Iterations != 200 || st.Skipped != uint64(200-distinct) {
			t.Fatalf("trial %d: unexpected stats %+v", trial, st)
		}
		h.loop.Stop()
	}
}

func TestTimestampsNonDecreasingAcrossRestarts(t *testing.T) {
	h := newHarness(Config{})
	tb := NewTimebase(h.clock)
	h.loop = New(h.video, h.det, h.out, h.sched, Config{Clock: h.clock, Timebase: tb})

	frame := 0.0
	for run := 0; run < 3; run++ {
		if err := h.loop.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		for i := 0; i < 10; i++ {
			frame += 0.033
			h.video.setTime(frame)
			h.tick()
		}
		h.loop.Stop()
	}

	ts := h.det.timestamps
	if len(ts) != 30 {
		t.Fatalf("expected 30 detect calls, got %d", len(ts))
	}
	for i := 1; i < len(ts); i++ {
		if ts[i] < ts[i-1] {
			t.Fatalf("timestamp went backwards at %d: %d < %d", i, ts[i], ts[i-1])
		}
	}
}

func TestTimebaseClampsBackwardClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Second)
	tb := NewTimebase(mock)

	mock.Add(500 * time.Millisecond)
	if got := tb.Now(); got != 500 {
		t.Fatalf("Now = %d, want 500", got)
	}
	mock.Set(mock.Now().Add(-300 * time.Millisecond))
	if got := tb.Now(); got != 500 {
		t.Fatalf("Now after clock step back = %d, want 500", got)
	}
}

func TestNoDetectAfterTeardown(t *testing.T) {
	m := metrics.New()
	h := newHarness(Config{Metrics: m})
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 3; i++ {
		h.video.setTime(float64(i))
		h.tick()
	}
	before := h.det.calls()

	h.loop.Stop()
	h.loop.Stop()
	select {
	case <-h.loop.Done():
	default:
		t.Fatalf("done not closed after stop")
	}

	h.video.setTime(10)
	h.tick()
	h.tick()
	if h.det.calls() != before {
		t.Fatalf("detector called after teardown: %d -> %d", before, h.det.calls())
	}
	if h.loop.Reason() != Stopped {
		t.Fatalf("reason = %s", h.loop.Reason())
	}
	if m.LoopActive.Load() != 0 || m.DetectCalls.Load() != uint64(before) {
		t.Fatalf("metrics not updated: active=%d calls=%d", m.LoopActive.Load(), m.DetectCalls.Load())
	}
}

// stickyScheduler ignores cancellation so an already dispatched callback
// still runs after Stop
type stickyScheduler struct {
	callbacks []scheduler.FrameCallback
}

func (s *stickyScheduler) RequestFrame(cb scheduler.FrameCallback) scheduler.RequestID {
	s.callbacks = append(s.callbacks, cb)
	return scheduler.RequestID(len(s.callbacks))
}

func (s *stickyScheduler) CancelFrame(scheduler.RequestID) {}

func TestStaleIterationDoesNotCallDetector(t *testing.T) {
	sched := &stickyScheduler{}
	v := newFakeVideo()
	det := newFakeDetector()
	l := New(v, det, &recorder{}, sched, Config{Clock: clock.NewMock()})

	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Stop()

	for _, cb := range sched.callbacks {
		cb(time.Now())
	}
	if det.calls() != 0 {
		t.Fatalf("stale iteration reached the detector")
	}
}

func TestStopWaitsForInFlightDetect(t *testing.T) {
	h := newHarness(Config{})
	h.det.block = make(chan struct{})
	h.det.entered = make(chan struct{}, 1)
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	go h.tick()
	<-h.det.entered

	stopped := make(chan struct{})
	go func() {
		h.loop.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("stop returned while detect was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.det.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}
	if len(h.out.events) != 0 {
		t.Fatalf("result of a stopped run was rendered")
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("stopped loop rescheduled itself")
	}
}

func TestPreconditionLossEndsLoopWithoutSelfHealing(t *testing.T) {
	h := newHarness(Config{})
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.video.setTime(1)
	h.tick()

	h.video.setState(video.HaveNothing)
	h.tick()
	if h.loop.Active() || h.loop.Reason() != NotReady {
		t.Fatalf("expected loop to end with NotReady, got %s", h.loop.Reason())
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("ended loop left a request pending")
	}

	h.video.setState(video.HaveEnoughData)
	h.tick()
	if h.det.calls() != 1 {
		t.Fatalf("loop resumed on its own")
	}

	// A restart resets the last sampled time, so the same frame is detected again
	if err := h.loop.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.tick()
	if h.det.calls() != 2 {
		t.Fatalf("restart did not reset loop state, calls=%d", h.det.calls())
	}
	if st := h.loop.Stats(); st.Iterations != 1 {
		t.Fatalf("stats not reset on restart: %+v", st)
	}
	h.loop.Stop()
}

func TestDetectionErrorStopsLoop(t *testing.T) {
	h := newHarness(Config{})
	boom := errors.New("bad input")
	h.det.err = boom
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.video.setTime(1)
	h.tick()
	h.video.setTime(2)
	h.tick()

	if h.det.calls() != 1 {
		t.Fatalf("detector retried after failure: %d calls", h.det.calls())
	}
	var detErr *detector.DetectionError
	if !errors.As(h.loop.Err(), &detErr) || !errors.Is(h.loop.Err(), boom) {
		t.Fatalf("expected DetectionError wrapping boom, got %v", h.loop.Err())
	}
	if h.loop.Reason() != Failed {
		t.Fatalf("reason = %s", h.loop.Reason())
	}
	select {
	case <-h.loop.Done():
	default:
		t.Fatalf("done not closed after failure")
	}
}

func TestRendersScaledFilteredOverlay(t *testing.T) {
	h := newHarness(Config{ScoreThreshold: 0.6})
	h.det.dets = []types.Detection{
		{
			BoundingBox: &types.BoundingBox{OriginX: 100, OriginY: 50, Width: 40, Height: 30},
			Categories:  []types.Category{{Name: "cat", Score: 0.8734}},
		},
		{
			BoundingBox: &types.BoundingBox{OriginX: 0, OriginY: 0, Width: 10, Height: 10},
			Categories:  []types.Category{{Name: "dog", Score: 0.59}},
		},
	}
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.video.setTime(0.5)
	h.tick()

	ev := h.out.last()
	if ev.Seq != 1 || ev.FrameTime != 0.5 {
		t.Fatalf("unexpected event header %+v", ev)
	}
	if len(ev.Boxes) != 1 {
		t.Fatalf("expected only the cat box, got %+v", ev.Boxes)
	}
	b := ev.Boxes[0]
	if b.X != 200 || b.Y != 75 || b.Width != 80 || b.Height != 45 || b.Label != "cat 87%" {
		t.Fatalf("unexpected box %+v", b)
	}
	if st := h.loop.Stats(); st.Filtered != 1 || st.BoxesRendered != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	// Each event replaces the previous set, including with an empty one
	h.det.mu.Lock()
	h.det.dets = nil
	h.det.mu.Unlock()
	h.video.setTime(0.6)
	h.tick()
	if ev := h.out.last(); ev.Seq != 2 || len(ev.Boxes) != 0 {
		t.Fatalf("expected empty replacement event, got %+v", ev)
	}
	h.loop.Stop()
}

func TestStartTwice(t *testing.T) {
	h := newHarness(Config{})
	if err := h.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.loop.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if h.sched.Pending() != 1 {
		t.Fatalf("expected a single pending iteration, got %d", h.sched.Pending())
	}
	h.loop.Stop()
}

var _ overlay.Renderer = (*recorder)(nil)
