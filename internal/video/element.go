// Package video models a video element: it presents frames from a camera
// track and reports how much data it has.
package video

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// ReadyState mirrors HTMLMediaElement.readyState
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

var readyStateNames = map[ReadyState]string{
	HaveNothing:     "have_nothing",
	HaveMetadata:    "have_metadata",
	HaveCurrentData: "have_current_data",
	HaveFutureData:  "have_future_data",
	HaveEnoughData:  "have_enough_data",
}

func (s ReadyState) String() string {
	if name, ok := readyStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ready_state(%d)", int(s))
}

// ParseReadyState parses a name such as "have_current_data"
func ParseReadyState(s string) (ReadyState, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for state, name := range readyStateNames {
		if name == key {
			return state, nil
		}
	}
	return HaveNothing, fmt.Errorf("invalid ready state: %q", s)
}

// Element presents the latest frame of an attached track
type Element struct {
	clock       clock.Clock
	enoughAfter int
	log         *logger.ModuleLogger

	mu        sync.RWMutex
	stream    *camera.Stream
	frame     *image.RGBA // Owned copy; never written after it is presented
	native    types.Dimensions
	display   types.Dimensions
	state     ReadyState
	origin    time.Time
	current   float64
	presented int
	lastErr   error
	gen       uint64 // Bumped on every attach/detach

	changes chan struct{}
	pumpWG  sync.WaitGroup
}

// NewElement creates a detached element. enoughAfter is the number of
// presented frames after which the element reports HaveEnoughData.
func NewElement(clk clock.Clock, enoughAfter int) *Element {
	if clk == nil {
		clk = clock.New()
	}
	if enoughAfter <= 0 {
		enoughAfter = 3
	}
	return &Element{
		clock:       clk,
		enoughAfter: enoughAfter,
		log:         logger.For("Video"),
		changes:     make(chan struct{}, 1),
	}
}

// Attach detaches any current stream, then presents frames from the
// stream's first video track on a background goroutine.
func (e *Element) Attach(stream *camera.Stream) error {
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return errors.New("video: stream has no video tracks")
	}

	e.Detach()

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.stream = stream
	e.lastErr = nil
	e.mu.Unlock()

	e.pumpWG.Add(1)
	go e.pump(gen, tracks[0])
	e.log.Debugf("Attached stream %s (track %s)", stream.ID(), tracks[0].ID())
	return nil
}

// Detach stops presenting and resets the element to HaveNothing. The
// stream itself is not stopped; its owner does that.
func (e *Element) Detach() {
	e.mu.Lock()
	attached := e.stream != nil
	e.gen++
	e.stream = nil
	if attached {
		e.resetLocked()
	}
	e.mu.Unlock()

	// The pump exits on its next read; the owner stopping the track unblocks it
	if attached {
		e.notify()
	}
}

// Wait blocks until every pump goroutine has exited
func (e *Element) Wait() {
	e.pumpWG.Wait()
}

func (e *Element) resetLocked() {
	e.frame = nil
	e.native = types.Dimensions{}
	e.state = HaveNothing
	e.current = 0
	e.presented = 0
	e.origin = time.Time{}
}

func (e *Element) pump(gen uint64, track *camera.Track) {
	defer e.pumpWG.Done()
	for {
		img, release, err := track.Read()
		var owned *image.RGBA
		if err == nil {
			// Readers may reuse their buffer on the next Read
			owned = ownFrame(img)
		}
		release()

		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			return
		}
		if err != nil {
			e.lastErr = err
			e.resetLocked()
			e.mu.Unlock()
			if !errors.Is(err, camera.ErrTrackStopped) {
				e.log.Warnf("Track %s read failed: %v", track.ID(), err)
			}
			e.notify()
			return
		}
		changed := e.presentLocked(owned)
		e.mu.Unlock()

		if changed {
			e.notify()
		}
	}
}

// ownFrame copies img into a new RGBA image with a zero origin
func ownFrame(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// presentLocked swaps in a new frame and reports whether the ready state changed
func (e *Element) presentLocked(img *image.RGBA) bool {
	now := e.clock.Now()
	if e.presented == 0 {
		e.origin = now
	}
	e.frame = img
	e.presented++

	// Time only moves forward, even with a coarse clock
	t := now.Sub(e.origin).Seconds()
	if e.presented > 1 && t <= e.current {
		t = e.current + 1e-6
	}
	e.current = t

	b := img.Bounds()
	e.native = types.Dimensions{Width: b.Dx(), Height: b.Dy()}

	prev := e.state
	switch {
	case e.presented >= e.enoughAfter:
		e.state = HaveEnoughData
	case e.presented > 1:
		e.state = HaveFutureData
	default:
		e.state = HaveCurrentData
	}
	return prev != e.state
}

func (e *Element) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// Changes delivers a coalesced signal after every ready-state change
func (e *Element) Changes() <-chan struct{} {
	return e.changes
}

// ReadyState returns the current ready state
func (e *Element) ReadyState() ReadyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// CurrentTime returns seconds since the first presented frame. It only
// changes when a new frame is presented.
func (e *Element) CurrentTime() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// NativeSize returns the decode size of the current frame
func (e *Element) NativeSize() types.Dimensions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.native
}

// SetDisplaySize sets the rendered size. A zero size renders at native size.
func (e *Element) SetDisplaySize(d types.Dimensions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.display = d
}

// DisplaySize returns the rendered size
func (e *Element) DisplaySize() types.Dimensions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.displayLocked()
}

func (e *Element) displayLocked() types.Dimensions {
	if e.display.Empty() {
		return e.native
	}
	return e.display
}

// Sample returns the presented frame and its timing and sizes. The frame
// is never modified afterwards and may be held across later presents.
func (e *Element) Sample() (types.FrameSample, image.Image) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sample := types.FrameSample{
		Time:      e.current,
		Native:    e.native,
		Displayed: e.displayLocked(),
	}
	if e.frame == nil {
		return sample, nil
	}
	return sample, e.frame
}

// Err returns the error that ended the last attached track, if any
func (e *Element) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Presented returns the number of frames presented since the last attach
func (e *Element) Presented() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.presented
}
