// Package session owns the camera stream, the detector lease and the
// detection loop, and keeps them consistent as each one comes and goes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/loop"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/scheduler"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/video"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// Status is the user-visible state of the session
type Status string

const (
	StatusIdle          Status = "idle"
	StatusLoading       Status = "loading"
	StatusWaitingVideo  Status = "waiting_for_video"
	StatusRunning       Status = "running"
	StatusCameraError   Status = "camera_error"
	StatusDetectorError Status = "detector_error"
	StatusFailed        Status = "failed"
	StatusStopped       Status = "stopped"
)

var (
	ErrNotRunning = errors.New("session: not running")
	ErrBusy       = errors.New("session: command queue full")
)

// Deps are the collaborators a session drives
type Deps struct {
	Camera    camera.Source
	Detector  *detector.Provider
	Video     *video.Element
	Scheduler scheduler.Scheduler
	Renderer  overlay.Renderer
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// Config tunes a session
type Config struct {
	MinReadyState video.ReadyState
}

// StatusSnapshot is a point-in-time view of the session
type StatusSnapshot struct {
	Status     Status                  `json:"status"`
	Message    string                  `json:"message"`
	Since      time.Time               `json:"since"`
	StreamID   string                  `json:"stream_id,omitempty"`
	ReadyState string                  `json:"ready_state"`
	Presented  int                     `json:"frames_presented"`
	Detector   detector.ProviderStatus `json:"detector"`
	LoopReason string                  `json:"loop_reason"`
	Loop       loop.Stats              `json:"loop"`
}

type commandKind int

const (
	cmdRestartCamera commandKind = iota
	cmdReloadDetector
)

type command struct {
	kind  commandKind
	reply chan error
}

// Session supervises one camera, one detector lease and one loop
type Session struct {
	cfg  Config
	deps Deps
	log  *logger.ModuleLogger

	cmds chan command

	// Owned by the Run goroutine
	stream   *camera.Stream
	lease    *detector.Lease
	loop     *loop.Loop
	timebase *loop.Timebase
	watching bool // A started run whose end has not been handled
	failed   bool
	camErr   error
	detErr   error

	mu       sync.RWMutex
	running  bool
	status   Status
	message  string
	since    time.Time
	streamID string
	current  *loop.Loop
}

// New creates a session. Run starts it.
func New(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.MinReadyState == video.HaveNothing {
		cfg.MinReadyState = video.HaveCurrentData
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		log:    logger.For("Session"),
		cmds:   make(chan command, 4),
		status: StatusIdle,
		since:  deps.Clock.Now(),
	}
}

// Run acquires the camera and the detector, runs the loop whenever both
// are ready, and releases everything when ctx ends
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session: already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		err = multierr.Append(err, s.teardown())
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setStatus(StatusStopped, "")
	}()

	s.setStatus(StatusLoading, "Loading Camera...")
	if err := s.acquireAll(ctx); err != nil {
		return nil
	}
	s.reconcile()

	for {
		var loopDone <-chan struct{}
		if s.loop != nil && s.watching {
			loopDone = s.loop.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.deps.Video.Changes():
			s.reconcile()
		case <-loopDone:
			s.onLoopEnded()
		case cmd := <-s.cmds:
			cmd.reply <- s.handle(ctx, cmd)
			s.reconcile()
		}
	}
}

// acquireAll opens camera and detector concurrently. Failures become
// session state; only cancellation is returned.
func (s *Session) acquireAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acquireCamera(gctx) })
	g.Go(func() error { return s.acquireDetector(gctx) })
	return g.Wait()
}

func (s *Session) acquireCamera(ctx context.Context) error {
	stream, err := s.deps.Camera.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CameraErrors.Add(1)
		}
		s.log.Errorf("Camera acquisition failed: %v", err)
		s.camErr = err
		return nil
	}
	if err := s.deps.Video.Attach(stream); err != nil {
		s.camErr = multierr.Append(err, stream.Stop())
		return nil
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CameraAcquisitions.Add(1)
	}
	s.stream = stream
	s.camErr = nil
	s.mu.Lock()
	s.streamID = stream.ID()
	s.mu.Unlock()
	s.log.Infof("Camera stream %s acquired", stream.ID())
	return nil
}

func (s *Session) acquireDetector(ctx context.Context) error {
	lease, err := s.deps.Detector.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.detErr = err
		return nil
	}
	s.lease = lease
	s.detErr = nil
	s.timebase = loop.NewTimebase(s.deps.Clock)
	return nil
}

// reconcile starts the loop when both resources are present and the
// video is ready, and refreshes the status
func (s *Session) reconcile() {
	s.checkTrack()
	switch {
	case s.camErr != nil:
		s.setStatus(StatusCameraError, s.camErr.Error())
		return
	case s.detErr != nil:
		s.setStatus(StatusDetectorError, s.detErr.Error())
		return
	case s.failed:
		return
	case s.stream == nil || s.lease == nil:
		s.setStatus(StatusLoading, "loading...")
		return
	}

	if s.loop == nil {
		h := s.lease.Handle()
		s.loop = loop.New(s.deps.Video, h, s.deps.Renderer, s.deps.Scheduler, loop.Config{
			ScoreThreshold: h.Config().ScoreThreshold,
			MinReadyState:  s.cfg.MinReadyState,
			Clock:          s.deps.Clock,
			Timebase:       s.timebase,
			Metrics:        s.deps.Metrics,
		})
		s.mu.Lock()
		s.current = s.loop
		s.mu.Unlock()
	}
	if s.loop.Active() {
		s.setStatus(StatusRunning, "")
		return
	}

	err := s.loop.Start()
	switch {
	case err == nil:
		s.watching = true
		s.setStatus(StatusRunning, "")
	case errors.Is(err, loop.ErrNotReady):
		s.setStatus(StatusWaitingVideo, "Loading Camera...")
	default:
		s.log.Warnf("Loop start failed: %v", err)
	}
}

// checkTrack turns a track that ended on its own into a camera error. A
// restart clears it.
func (s *Session) checkTrack() {
	if s.camErr != nil || s.stream == nil {
		return
	}
	err := s.deps.Video.Err()
	if err == nil || errors.Is(err, camera.ErrTrackStopped) {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CameraErrors.Add(1)
	}
	s.log.Errorf("Camera stream %s failed: %v", s.stream.ID(), err)
	s.camErr = &camera.AcquisitionError{Reason: camera.Unavailable, Err: err}
}

func (s *Session) onLoopEnded() {
	s.watching = false
	switch s.loop.Reason() {
	case loop.Failed:
		s.failed = true
		s.setStatus(StatusFailed, s.loop.Err().Error())
	case loop.NotReady:
		// Restarted by reconcile once the video is ready again
		s.reconcile()
	}
}

func (s *Session) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdRestartCamera:
		s.log.Infof("Restarting camera")
		err := multierr.Append(s.stopLoop(), s.releaseCamera())
		s.failed = false
		s.setStatus(StatusLoading, "Loading Camera...")
		if aerr := s.acquireCamera(ctx); aerr != nil {
			return multierr.Append(err, aerr)
		}
		return multierr.Append(err, s.camErr)
	case cmdReloadDetector:
		s.log.Infof("Reloading detector")
		err := multierr.Append(s.stopLoop(), s.releaseLease())
		err = multierr.Append(err, s.deps.Detector.Reload())
		s.failed = false
		s.setStatus(StatusLoading, "loading...")
		if aerr := s.acquireDetector(ctx); aerr != nil {
			return multierr.Append(err, aerr)
		}
		return multierr.Append(err, s.detErr)
	default:
		return fmt.Errorf("session: unknown command %d", cmd.kind)
	}
}

// stopLoop stops and forgets the loop. After it returns the detector is
// no longer called.
func (s *Session) stopLoop() error {
	if s.loop == nil {
		return nil
	}
	s.loop.Stop()
	s.loop = nil
	s.watching = false
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if s.deps.Renderer != nil {
		s.deps.Renderer.Render(types.OverlayEvent{})
	}
	return nil
}

func (s *Session) releaseLease() error {
	if s.lease == nil {
		return nil
	}
	err := s.lease.Release()
	s.lease = nil
	return err
}

func (s *Session) releaseCamera() error {
	s.deps.Video.Detach()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	s.stream = nil
	s.mu.Lock()
	s.streamID = ""
	s.mu.Unlock()
	return err
}

// teardown releases loop, lease and stream in that order
func (s *Session) teardown() error {
	err := s.stopLoop()
	err = multierr.Append(err, s.releaseLease())
	err = multierr.Append(err, s.releaseCamera())
	s.deps.Video.Wait()
	if err != nil {
		s.log.Warnf("Teardown: %v", err)
	}
	return err
}

func (s *Session) send(ctx context.Context, kind commandKind) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	default:
		return ErrBusy
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartCamera tears down the loop and the stream, then acquires a fresh
// stream. The loop restarts with reset state once the video is ready.
func (s *Session) RestartCamera(ctx context.Context) error {
	return s.send(ctx, cmdRestartCamera)
}

// ReloadDetector tears down the loop, drops the lease, reloads the
// provider and acquires the new detector
func (s *Session) ReloadDetector(ctx context.Context) error {
	return s.send(ctx, cmdReloadDetector)
}

func (s *Session) setStatus(st Status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == st && s.message == msg {
		return
	}
	s.status = st
	s.message = msg
	s.since = s.deps.Clock.Now()
	s.log.Infof("Status: %s %s", st, msg)
}

// Status returns a snapshot for status pages
func (s *Session) Status() StatusSnapshot {
	s.mu.RLock()
	snap := StatusSnapshot{
		Status:   s.status,
		Message:  s.message,
		Since:    s.since,
		StreamID: s.streamID,
	}
	current := s.current
	s.mu.RUnlock()

	snap.ReadyState = s.deps.Video.ReadyState().String()
	snap.Presented = s.deps.Video.Presented()
	snap.Detector = s.deps.Detector.Status()
	if current != nil {
		snap.Loop = current.Stats()
		snap.LoopReason = current.Reason().String()
	} else {
		snap.LoopReason = loop.Stopped.String()
	}
	return snap
}
