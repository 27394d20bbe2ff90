// Package loop runs detection once per newly presented video frame and
// publishes the resulting overlay set.
//
// Every iteration is a one-shot scheduler callback that re-registers
// itself. The active flag and both preconditions are checked at the top of
// each iteration; that check, not the cancelled request, is what stops a
// stale iteration from reaching the detector.
package loop

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/scheduler"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/video"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

var (
	ErrNotReady       = errors.New("loop: video or detector not ready")
	ErrAlreadyRunning = errors.New("loop: already running")
)

// Video is the frame source the loop samples
type Video interface {
	ReadyState() video.ReadyState
	Sample() (types.FrameSample, image.Image)
}

// Detector runs inference on one frame
type Detector interface {
	Ready() bool
	Detect(frame image.Image, timestampMs int64) ([]types.Detection, error)
}

// StopReason says why the loop is not running
type StopReason int

const (
	Running  StopReason = iota
	Stopped             // Stop was called
	NotReady            // A precondition went false
	Failed              // The detector returned an error
)

func (r StopReason) String() string {
	switch r {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case NotReady:
		return "not_ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats counts the work of the current run
type Stats struct {
	Iterations      uint64  `json:"iterations"`
	Sampled         uint64  `json:"sampled"`
	Skipped         uint64  `json:"skipped"`
	DetectCalls     uint64  `json:"detect_calls"`
	BoxesRendered   uint64  `json:"boxes_rendered"`
	Filtered        uint64  `json:"filtered"`
	LastFrameTime   float64 `json:"last_frame_time"`
	LastTimestampMs int64   `json:"last_timestamp_ms"`
}

// Config tunes a loop
type Config struct {
	ScoreThreshold float64
	MinReadyState  video.ReadyState // Defaults to HaveCurrentData
	Clock          clock.Clock
	Timebase       *Timebase // Shared by every loop that uses the same detector
	Metrics        *metrics.Metrics
}

// notSampled marks a loop that has not observed a frame yet
const notSampled = -1.0

// Loop is the detection loop
type Loop struct {
	video    Video
	detector Detector
	renderer overlay.Renderer
	sched    scheduler.Scheduler
	cfg      Config
	clock    clock.Clock
	timebase *Timebase
	log      *logger.ModuleLogger

	iterMu sync.Mutex // Held for the whole iteration body

	mu          sync.Mutex
	active      bool
	epoch       uint64
	pending     scheduler.RequestID
	lastSampled float64
	seq         uint64
	stats       Stats
	reason      StopReason
	err         error
	done        chan struct{}
}

// New creates a stopped loop
func New(v Video, d Detector, r overlay.Renderer, s scheduler.Scheduler, cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MinReadyState == video.HaveNothing {
		cfg.MinReadyState = video.HaveCurrentData
	}
	if cfg.Timebase == nil {
		cfg.Timebase = NewTimebase(cfg.Clock)
	}
	done := make(chan struct{})
	close(done)
	return &Loop{
		video:       v,
		detector:    d,
		renderer:    r,
		sched:       s,
		cfg:         cfg,
		clock:       cfg.Clock,
		timebase:    cfg.Timebase,
		log:         logger.For("Loop"),
		lastSampled: notSampled,
		reason:      Stopped,
		done:        done,
	}
}

func (l *Loop) ready() bool {
	return l.video.ReadyState() >= l.cfg.MinReadyState && l.detector.Ready()
}

// Start checks both preconditions, resets the loop state and schedules the
// first iteration. When a precondition is false nothing is scheduled and
// the detector is not called.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return ErrAlreadyRunning
	}
	if !l.ready() {
		l.log.Debugf("bail: video=%s detector_ready=%t", l.video.ReadyState(), l.detector.Ready())
		return ErrNotReady
	}

	l.epoch++
	l.active = true
	l.lastSampled = notSampled
	l.stats = Stats{}
	l.reason = Running
	l.err = nil
	l.done = make(chan struct{})
	l.schedule(l.epoch)

	if m := l.cfg.Metrics; m != nil {
		m.LoopStarts.Add(1)
		m.SetLoopActive(true)
	}
	l.log.Debugf("init: run %d", l.epoch)
	return nil
}

// schedule requests the next iteration; l.mu must be held
func (l *Loop) schedule(epoch uint64) {
	l.pending = l.sched.RequestFrame(func(time.Time) { l.iterate(epoch) })
}

// Stop cancels the pending iteration and waits for one in progress. After
// Stop returns the detector is not called again by this run, so the
// detector may be released. Stop must not be called from a Renderer.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.active {
		l.sched.CancelFrame(l.pending)
		l.finishLocked(Stopped, nil)
	}
	l.mu.Unlock()

	l.iterMu.Lock()
	l.iterMu.Unlock()
}

// finishLocked ends the current run; l.mu must be held
func (l *Loop) finishLocked(reason StopReason, err error) {
	l.active = false
	l.pending = 0
	l.reason = reason
	l.err = err
	close(l.done)
	if m := l.cfg.Metrics; m != nil {
		m.SetLoopActive(false)
	}
	l.log.Debugf("end: reason=%s iterations=%d detect_calls=%d", reason, l.stats.Iterations, l.stats.DetectCalls)
}

func (l *Loop) iterate(epoch uint64) {
	l.iterMu.Lock()
	defer l.iterMu.Unlock()

	l.mu.Lock()
	if !l.active || l.epoch != epoch {
		l.mu.Unlock()
		return
	}
	l.pending = 0
	if !l.ready() {
		l.finishLocked(NotReady, nil)
		l.mu.Unlock()
		return
	}
	l.stats.Iterations++
	lastSampled := l.lastSampled
	l.mu.Unlock()

	if m := l.cfg.Metrics; m != nil {
		m.LoopIterations.Add(1)
	}

	sample, frame := l.video.Sample()
	if sample.Time == lastSampled {
		l.mu.Lock()
		l.stats.Skipped++
		if l.active && l.epoch == epoch {
			l.schedule(epoch)
		}
		l.mu.Unlock()
		if m := l.cfg.Metrics; m != nil {
			m.FramesSkipped.Add(1)
		}
		return
	}

	ts := l.timebase.Now()
	l.mu.Lock()
	l.lastSampled = sample.Time
	l.stats.Sampled++
	l.stats.DetectCalls++
	l.stats.LastFrameTime = sample.Time
	l.stats.LastTimestampMs = ts
	l.mu.Unlock()

	start := l.clock.Now()
	dets, err := l.detector.Detect(frame, ts)
	if m := l.cfg.Metrics; m != nil {
		m.FramesSampled.Add(1)
		m.DetectCalls.Add(1)
		m.ObserveDetect(l.clock.Since(start))
	}
	if err != nil {
		var detErr *detector.DetectionError
		if !errors.As(err, &detErr) {
			err = &detector.DetectionError{TimestampMs: ts, Err: err}
		}
		if m := l.cfg.Metrics; m != nil {
			m.DetectErrors.Add(1)
		}
		l.log.Errorf("Detection failed, stopping loop: %v", err)
		l.mu.Lock()
		if l.active && l.epoch == epoch {
			l.finishLocked(Failed, err)
		}
		l.mu.Unlock()
		return
	}

	boxes, filtered := overlay.Build(dets, sample, l.cfg.ScoreThreshold)

	l.mu.Lock()
	if !l.active || l.epoch != epoch {
		// Stopped while the detector ran
		l.mu.Unlock()
		return
	}
	l.seq++
	ev := types.OverlayEvent{
		Seq:         l.seq,
		FrameTime:   sample.Time,
		TimestampMs: ts,
		Displayed:   sample.Displayed,
		Boxes:       boxes,
	}
	l.stats.BoxesRendered += uint64(len(boxes))
	l.stats.Filtered += uint64(filtered)
	l.mu.Unlock()

	l.renderer.Render(ev)
	if m := l.cfg.Metrics; m != nil {
		m.BoxesRendered.Add(uint64(len(boxes)))
		m.BoxesBelowScore.Add(uint64(filtered))
		m.OverlayEventsOut.Add(1)
	}

	l.mu.Lock()
	if l.active && l.epoch == epoch {
		l.schedule(epoch)
	}
	l.mu.Unlock()
}

// Active reports whether the loop is running
func (l *Loop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Done is closed when the current run ends
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the detection error that ended the last run, if any
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Reason says why the loop is not running, or Running
func (l *Loop) Reason() StopReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Stats returns counters for the current or last run
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
