// Package detector wraps an object-detection model runtime behind a handle
// with a strict lifecycle: initialize, detect with non-decreasing
// timestamps, release once.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

var (
	// ErrReleased is returned by Detect after Release. Callers must stop
	// using a handle before releasing it; seeing this error is a bug.
	ErrReleased = errors.New("detector: handle released")

	// ErrNonMonotonicTimestamp is returned when a timestamp is lower than
	// the previous call's
	ErrNonMonotonicTimestamp = errors.New("detector: timestamp went backwards")
)

// InitializationError reports a model load or runtime setup failure
type InitializationError struct {
	Backend string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("detector %s: initialization failed: %v", e.Backend, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// DetectionError reports a runtime failure during Detect
type DetectionError struct {
	TimestampMs int64
	Err         error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect at %dms failed: %v", e.TimestampMs, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Backend is a loaded model runtime
type Backend interface {
	Name() string
	Detect(frame image.Image, timestampMs int64) ([]types.Detection, error)
	Close() error
}

// Opener loads a backend. Open may block on model download or warm-up and
// must honour ctx.
type Opener interface {
	Open(ctx context.Context, cfg types.DetectorConfig) (Backend, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, cfg types.DetectorConfig) (Backend, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context, cfg types.DetectorConfig) (Backend, error) {
	return f(ctx, cfg)
}

// Handle is an initialized detector
type Handle struct {
	backend Backend
	cfg     types.DetectorConfig
	post    []Postprocessor

	mu         sync.Mutex
	lastTs     int64
	called     bool
	released   bool
	releaseErr error
}

// Initialize validates cfg and opens a backend through opener
func Initialize(ctx context.Context, cfg types.DetectorConfig, opener Opener) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &InitializationError{Backend: "config", Err: err}
	}
	backend, err := opener.Open(ctx, cfg)
	if err != nil {
		var initErr *InitializationError
		if errors.As(err, &initErr) {
			return nil, err
		}
		return nil, &InitializationError{Backend: "open", Err: err}
	}
	return &Handle{
		backend: backend,
		cfg:     cfg,
		post: []Postprocessor{
			NewScoreFilter(cfg.ScoreThreshold),
			NewMaxResults(cfg.MaxResults),
		},
	}, nil
}

// Config returns the options the handle was initialized with
func (h *Handle) Config() types.DetectorConfig { return h.cfg }

// Backend returns the backend name
func (h *Handle) Backend() string { return h.backend.Name() }

// Ready reports whether the handle can accept Detect calls
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released
}

// Detect runs the model on frame. timestampMs must not be lower than the
// previous call's. Calls are serialized; Release waits for a call in progress.
func (h *Handle) Detect(frame image.Image, timestampMs int64) ([]types.Detection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	if h.called && timestampMs < h.lastTs {
		return nil, fmt.Errorf("%w: %d after %d", ErrNonMonotonicTimestamp, timestampMs, h.lastTs)
	}
	h.called = true
	h.lastTs = timestampMs

	if frame == nil {
		return nil, &DetectionError{TimestampMs: timestampMs, Err: errors.New("nil frame")}
	}

	dets, err := h.backend.Detect(frame, timestampMs)
	if err != nil {
		return nil, &DetectionError{TimestampMs: timestampMs, Err: err}
	}
	for _, p := range h.post {
		dets = p(dets)
	}
	return dets, nil
}

// Release closes the backend. Later calls return the first result.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return h.releaseErr
	}
	h.released = true
	h.releaseErr = h.backend.Close()
	return h.releaseErr
}
