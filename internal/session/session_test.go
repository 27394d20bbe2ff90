package session

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/scheduler"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/video"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// countingBackend wraps a backend and counts Detect calls
type countingBackend struct {
	inner detector.Backend
	err   error
	calls atomic.Int32
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Detect(frame image.Image, ts int64) ([]types.Detection, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	return b.inner.Detect(frame, ts)
}

func (b *countingBackend) Close() error { return nil }

func luminance(t *testing.T) detector.Backend {
	t.Helper()
	b, err := detector.Luminance{Threshold: 48}.Open(context.Background(), types.DefaultDetectorConfig())
	if err != nil {
		t.Fatalf("open luminance: %v", err)
	}
	return b
}

// recordingSource hands out pattern streams and remembers them
type recordingSource struct {
	pattern *camera.Pattern

	mu      sync.Mutex
	streams []*camera.Stream
}

func (r *recordingSource) Acquire(ctx context.Context) (*camera.Stream, error) {
	s, err := r.pattern.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s, nil
}

func (r *recordingSource) all() []*camera.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*camera.Stream(nil), r.streams...)
}

type harness struct {
	sess     *Session
	sched    *scheduler.Ticker
	board    *overlay.Board
	provider *detector.Provider
	cancel   context.CancelFunc
	errc     chan error
}

func newPatternSource() *recordingSource {
	return &recordingSource{pattern: camera.NewPattern(64, 48, 200, clock.New())}
}

func start(t *testing.T, src camera.Source, opener detector.Opener) *harness {
	t.Helper()
	clk := clock.New()
	h := &harness{
		sched:    scheduler.NewTicker(clk, 60),
		board:    overlay.NewBoard(),
		provider: detector.NewProvider(types.DefaultDetectorConfig(), opener, nil),
		errc:     make(chan error, 1),
	}
	h.sess = New(Config{}, Deps{
		Camera:    src,
		Detector:  h.provider,
		Video:     video.NewElement(clk, 3),
		Scheduler: h.sched,
		Renderer:  h.board,
		Clock:     clk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.provider.Close()
	})
	return h
}

// waitFor drives the scheduler until cond holds
func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; status %+v", what, h.sess.Status())
		}
		h.sched.Tick(time.Now())
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.errc:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func hasBox(b *overlay.Board) bool {
	snap := b.Snapshot()
	return len(snap.Boxes) > 0 && snap.Boxes[0].Category == detector.DarkObject
}

func TestRunDetectsAndReleasesOnShutdown(t *testing.T) {
	src := newPatternSource()
	h := start(t, src, detector.Luminance{Threshold: 48})

	h.waitFor(t, "a rendered box", func() bool { return hasBox(h.board) })
	if st := h.sess.Status(); st.Status != StatusRunning || st.StreamID == "" || st.Presented == 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	h.shutdown(t)

	streams := src.all()
	if len(streams) != 1 || streams[0].Active() {
		t.Fatalf("stream not stopped on shutdown")
	}
	if len(h.board.Snapshot().Boxes) != 0 {
		t.Fatalf("overlay not cleared on teardown")
	}
	if st := h.sess.Status(); st.Status != StatusStopped {
		t.Fatalf("status after shutdown = %s", st.Status)
	}
}

func TestCameraErrorNeverStartsLoop(t *testing.T) {
	backend := &countingBackend{inner: luminance(t)}
	src := camera.SourceFunc(func(context.Context) (*camera.Stream, error) {
		return nil, &camera.AcquisitionError{Reason: camera.PermissionDenied}
	})
	h := start(t, src, detector.OpenerFunc(func(context.Context, types.DetectorConfig) (detector.Backend, error) {
		return backend, nil
	}))

	h.waitFor(t, "camera error", func() bool { return h.sess.Status().Status == StatusCameraError })
	for i := 0; i < 20; i++ {
		h.sched.Tick(time.Now())
	}
	if n := backend.calls.Load(); n != 0 {
		t.Fatalf("detector called %d times without a camera", n)
	}
	if h.board.Renders() != 0 {
		t.Fatalf("overlay rendered without a camera")
	}
	h.shutdown(t)
}

func TestDetectorErrorSurfaces(t *testing.T) {
	src := newPatternSource()
	h := start(t, src, detector.OpenerFunc(func(context.Context, types.DetectorConfig) (detector.Backend, error) {
		return nil, errors.New("model not found")
	}))

	h.waitFor(t, "detector error", func() bool { return h.sess.Status().Status == StatusDetectorError })
	if h.board.Renders() != 0 {
		t.Fatalf("overlay rendered without a detector")
	}
	h.shutdown(t)
	if src.all()[0].Active() {
		t.Fatalf("stream left running")
	}
}

func TestDetectionFailureIsNotRetriedUntilReload(t *testing.T) {
	failing := &countingBackend{err: errors.New("inference crashed")}
	healthy := &countingBackend{inner: luminance(t)}
	var opens atomic.Int32
	opener := detector.OpenerFunc(func(context.Context, types.DetectorConfig) (detector.Backend, error) {
		if opens.Add(1) == 1 {
			return failing, nil
		}
		return healthy, nil
	})
	h := start(t, newPatternSource(), opener)

	h.waitFor(t, "failed status", func() bool { return h.sess.Status().Status == StatusFailed })
	for i := 0; i < 30; i++ {
		h.sched.Tick(time.Now())
		time.Sleep(time.Millisecond)
	}
	if n := failing.calls.Load(); n != 1 {
		t.Fatalf("failed detector called %d times, want 1", n)
	}

	if err := h.sess.ReloadDetector(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	h.waitFor(t, "boxes after reload", func() bool { return hasBox(h.board) })
	if st := h.sess.Status(); st.Status != StatusRunning || st.Detector.Generation != 2 {
		t.Fatalf("unexpected status after reload %+v", st)
	}
	h.shutdown(t)
}

func TestRestartCameraUsesFreshStream(t *testing.T) {
	src := newPatternSource()
	h := start(t, src, detector.Luminance{Threshold: 48})
	h.waitFor(t, "a rendered box", func() bool { return hasBox(h.board) })
	first := h.sess.Status().StreamID

	if err := h.sess.RestartCamera(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.waitFor(t, "running on the new stream", func() bool {
		st := h.sess.Status()
		return st.Status == StatusRunning && st.StreamID != "" && st.StreamID != first
	})

	streams := src.all()
	if len(streams) != 2 {
		t.Fatalf("expected 2 acquisitions, got %d", len(streams))
	}
	if streams[0].Active() {
		t.Fatalf("old stream still active")
	}
	if streams[0].ID() == streams[1].ID() {
		t.Fatalf("restart reused the stream id")
	}
	h.shutdown(t)
}

func TestCommandsRequireRunningSession(t *testing.T) {
	s := New(Config{}, Deps{
		Camera:   newPatternSource(),
		Detector: detector.NewProvider(types.DefaultDetectorConfig(), detector.Luminance{}, nil),
		Video:    video.NewElement(clock.New(), 3),
	})
	if err := s.RestartCamera(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if st := s.Status(); st.Status != StatusIdle {
		t.Fatalf("status = %s", st.Status)
	}
}

// unpluggable hands out pattern streams whose first track fails on demand
type unpluggable struct {
	*recordingSource
	unplugged atomic.Bool
	wrapped   atomic.Bool
}

func (u *unpluggable) Acquire(ctx context.Context) (*camera.Stream, error) {
	s, err := u.recordingSource.Acquire(ctx)
	if err != nil || u.wrapped.Swap(true) {
		return s, err
	}
	inner := s.VideoTracks()[0]
	read := func() (image.Image, func(), error) {
		if u.unplugged.Load() {
			return nil, nil, errors.New("device unplugged")
		}
		return inner.Read()
	}
	return camera.NewStream(camera.NewTrack("unpluggable", read, inner.Stop)), nil
}

func TestTrackFailureBecomesCameraError(t *testing.T) {
	src := &unpluggable{recordingSource: newPatternSource()}
	h := start(t, src, detector.Luminance{Threshold: 48})
	h.waitFor(t, "a rendered box", func() bool { return hasBox(h.board) })

	src.unplugged.Store(true)
	h.waitFor(t, "camera error", func() bool { return h.sess.Status().Status == StatusCameraError })
	st := h.sess.Status()
	if !strings.Contains(st.Message, "device unplugged") {
		t.Fatalf("message = %q", st.Message)
	}
	if st.ReadyState != video.HaveNothing.String() {
		t.Fatalf("ready state = %s", st.ReadyState)
	}

	if err := h.sess.RestartCamera(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.waitFor(t, "running after restart", func() bool { return h.sess.Status().Status == StatusRunning })
	h.shutdown(t)
}
