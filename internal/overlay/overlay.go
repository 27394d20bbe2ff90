// Package overlay turns detections into display-space draw commands and
// delivers them to renderers.
package overlay

import (
	"fmt"
	"math"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// Rect is a rectangle in display pixels
type Rect struct {
	X, Y, Width, Height float64
}

// MapBox scales a box from native decode pixels to display pixels. Each
// axis is scaled independently since a cover fit may change the aspect ratio.
func MapBox(box types.BoundingBox, native, displayed types.Dimensions) Rect {
	sx, sy := types.FrameSample{Native: native, Displayed: displayed}.ScaleFactors()
	return Rect{
		X:      box.OriginX * sx,
		Y:      box.OriginY * sy,
		Width:  box.Width * sx,
		Height: box.Height * sy,
	}
}

// Label formats a category as "<name> <percent>%" with the score rounded
// to a whole percent
func Label(c types.Category) string {
	return fmt.Sprintf("%s %d%%", c.Name, int(math.Round(c.Score*100)))
}

// Build maps every drawable detection to an overlay box. Detections without
// a box or category are skipped; those whose primary score is below
// threshold are skipped and counted in filtered.
func Build(dets []types.Detection, sample types.FrameSample, threshold float64) (boxes []types.OverlayBox, filtered int) {
	boxes = make([]types.OverlayBox, 0, len(dets))
	for _, d := range dets {
		primary, ok := d.Primary()
		if d.BoundingBox == nil || !ok {
			continue
		}
		if primary.Score < threshold {
			filtered++
			continue
		}
		r := MapBox(*d.BoundingBox, sample.Native, sample.Displayed)
		boxes = append(boxes, types.OverlayBox{
			X:        r.X,
			Y:        r.Y,
			Width:    r.Width,
			Height:   r.Height,
			Label:    Label(primary),
			Category: primary.Name,
			Score:    primary.Score,
		})
	}
	return boxes, filtered
}

// Renderer draws an overlay event. Each event replaces the previous set.
// Render is called from the detection loop and must not block.
type Renderer interface {
	Render(ev types.OverlayEvent)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(ev types.OverlayEvent)

// Render calls f
func (f RendererFunc) Render(ev types.OverlayEvent) { f(ev) }

// Multi fans one event out to several renderers in order
type Multi []Renderer

// Render implements Renderer
func (m Multi) Render(ev types.OverlayEvent) {
	for _, r := range m {
		if r != nil {
			r.Render(ev)
		}
	}
}

// HistorySize is the number of non-empty events a Board keeps
const HistorySize = 8

// Board holds the overlay set currently on screen
type Board struct {
	mu      sync.RWMutex
	current types.OverlayEvent
	history []types.OverlayEvent
	renders uint64
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{}
}

// Render replaces the current overlay set
func (b *Board) Render(ev types.OverlayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = ev
	b.renders++
	if len(ev.Boxes) == 0 {
		return
	}
	b.history = append(b.history, ev)
	if len(b.history) > HistorySize {
		b.history = b.history[len(b.history)-HistorySize:]
	}
}

// Snapshot returns a copy of the current overlay set
func (b *Board) Snapshot() types.OverlayEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev := b.current
	ev.Boxes = append([]types.OverlayBox(nil), b.current.Boxes...)
	return ev
}

// History returns the most recent non-empty events, oldest first
func (b *Board) History() []types.OverlayEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.OverlayEvent, len(b.history))
	copy(out, b.history)
	return out
}

// Renders returns how many events the board has received
func (b *Board) Renders() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.renders
}
