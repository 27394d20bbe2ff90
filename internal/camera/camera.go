// Package camera acquires live video streams.
//
// A Stream owns one or more Tracks. Stopping a Track is final: a stopped
// Track never produces frames again, and every Acquire builds a fresh
// Stream with fresh Tracks.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrTrackStopped is returned by Read on a stopped track
var ErrTrackStopped = errors.New("camera: track stopped")

// Reason classifies acquisition failures
type Reason int

const (
	Unavailable Reason = iota // Device present but could not be opened
	PermissionDenied
	NoDevice
)

func (r Reason) String() string {
	switch r {
	case PermissionDenied:
		return "permission denied"
	case NoDevice:
		return "no device"
	default:
		return "unavailable"
	}
}

// AcquisitionError reports why a stream could not be acquired
type AcquisitionError struct {
	Reason Reason
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to get camera stream: %s", e.Reason)
	}
	return fmt.Sprintf("failed to get camera stream: %s: %v", e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Source acquires streams. Acquire blocks while the device opens and
// honours ctx cancellation.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (*Stream, error)

// Acquire calls f
func (f SourceFunc) Acquire(ctx context.Context) (*Stream, error) { return f(ctx) }

// ReadFunc returns the next frame and a release callback for it
type ReadFunc func() (image.Image, func(), error)

// Track is one video track of a stream
type Track struct {
	id      string
	label   string
	read    ReadFunc
	stop    func() error
	stopped atomic.Bool
	once    sync.Once
	stopErr error
}

// NewTrack wraps a frame reader and its teardown. stop may be nil.
func NewTrack(label string, read ReadFunc, stop func() error) *Track {
	return &Track{
		id:    uuid.NewString(),
		label: label,
		read:  read,
		stop:  stop,
	}
}

// ID returns the unique track id
func (t *Track) ID() string { return t.id }

// Label returns the device label
func (t *Track) Label() string { return t.label }

// Read blocks for the next frame. The returned release func is never nil.
func (t *Track) Read() (image.Image, func(), error) {
	if t.stopped.Load() {
		return nil, noop, ErrTrackStopped
	}
	img, release, err := t.read()
	if release == nil {
		release = noop
	}
	if t.stopped.Load() {
		release()
		return nil, noop, ErrTrackStopped
	}
	if err != nil {
		release()
		return nil, noop, err
	}
	return img, release, nil
}

// Stop stops the track. Later calls return the first result.
func (t *Track) Stop() error {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			t.stopErr = t.stop()
		}
	})
	return t.stopErr
}

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool { return t.stopped.Load() }

func noop() {}

// Stream is an acquired set of tracks
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream groups tracks into a stream with a fresh id
func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

// ID returns the unique stream id
func (s *Stream) ID() string { return s.id }

// VideoTracks returns the stream's tracks
func (s *Stream) VideoTracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Active reports whether any track is still live
func (s *Stream) Active() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// Stop stops every track and combines their errors
func (s *Stream) Stop() error {
	var err error
	for _, t := range s.tracks {
		err = multierr.Append(err, t.Stop())
	}
	return err
}
