package camera

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var barColors = []color.RGBA{
	{192, 192, 192, 255},
	{192, 192, 0, 255},
	{0, 192, 192, 255},
	{0, 192, 0, 255},
	{192, 0, 192, 255},
	{192, 0, 0, 255},
	{0, 0, 192, 255},
}

// Pattern is a synthetic camera: colour bars with a dark square that
// moves one step per frame. Frames are paced by the clock.
type Pattern struct {
	Width  int
	Height int
	FPS    int
	Clock  clock.Clock
}

// NewPattern creates a pattern source
func NewPattern(width, height, fps int, clk clock.Clock) *Pattern {
	if clk == nil {
		clk = clock.New()
	}
	return &Pattern{Width: width, Height: height, FPS: fps, Clock: clk}
}

// Acquire builds a new single-track stream
func (p *Pattern) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Reason: Unavailable, Err: err}
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, &AcquisitionError{Reason: NoDevice}
	}

	g := newPatternGen(p.Width, p.Height, p.FPS, p.Clock)
	return NewStream(NewTrack("pattern", g.read, g.close)), nil
}

type patternGen struct {
	clock    clock.Clock
	interval time.Duration
	base     *image.RGBA
	square   int

	mu    sync.Mutex
	frame int
	stop  chan struct{}
	once  sync.Once
}

func newPatternGen(width, height, fps int, clk clock.Clock) *patternGen {
	if fps <= 0 {
		fps = 30
	}
	base := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := (width + len(barColors) - 1) / len(barColors)
	for i, c := range barColors {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, height)
		draw.Draw(base, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}

	square := height / 4
	if square < 1 {
		square = 1
	}
	return &patternGen{
		clock:    clk,
		interval: time.Second / time.Duration(fps),
		base:     base,
		square:   square,
		stop:     make(chan struct{}),
	}
}

// read waits one frame interval, then renders the next frame
func (g *patternGen) read() (image.Image, func(), error) {
	timer := g.clock.Timer(g.interval)
	defer timer.Stop()
	select {
	case <-g.stop:
		return nil, nil, ErrTrackStopped
	case <-timer.C:
	}

	g.mu.Lock()
	n := g.frame
	g.frame++
	g.mu.Unlock()

	return g.render(n), nil, nil
}

func (g *patternGen) render(n int) *image.RGBA {
	b := g.base.Bounds()
	img := image.NewRGBA(b)
	copy(img.Pix, g.base.Pix)

	travel := b.Dx() - g.square
	x := 0
	if travel > 0 {
		x = (n * 8) % travel
	}
	y := (b.Dy() - g.square) / 2
	r := image.Rect(x, y, x+g.square, y+g.square)
	draw.Draw(img, r, &image.Uniform{C: color.RGBA{16, 16, 16, 255}}, image.Point{}, draw.Src)
	return img
}

func (g *patternGen) close() error {
	g.once.Do(func() { close(g.stop) })
	return nil
}
