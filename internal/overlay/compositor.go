package overlay

import (
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

var (
	boxColor   = color.RGBA{R: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	borderWidth  = 2
	labelPadding = 2
)

// Compositor burns an overlay set into a frame for image outputs such as
// the MJPEG stream
type Compositor struct {
	Quality int // JPEG quality, 1-100
}

// Compose scales frame to the event's display size and draws every box
// with its label above it
func (c Compositor) Compose(frame image.Image, ev types.OverlayEvent) *image.RGBA {
	size := ev.Displayed
	if size.Empty() {
		b := frame.Bounds()
		size = types.Dimensions{Width: b.Dx(), Height: b.Dy()}
	}

	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	if frame.Bounds().Dx() == size.Width && frame.Bounds().Dy() == size.Height {
		draw.Draw(dst, dst.Bounds(), frame, frame.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, frame.Bounds(), draw.Src, nil)
	}

	for _, box := range ev.Boxes {
		r := image.Rect(
			int(math.Round(box.X)),
			int(math.Round(box.Y)),
			int(math.Round(box.X+box.Width)),
			int(math.Round(box.Y+box.Height)),
		).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		strokeRect(dst, r, boxColor)
		drawLabel(dst, r.Min, box.Label)
	}
	return dst
}

// Encode composes and writes the result as JPEG
func (c Compositor) Encode(w io.Writer, frame image.Image, ev types.OverlayEvent) error {
	q := c.Quality
	if q <= 0 || q > 100 {
		q = jpeg.DefaultQuality
	}
	return jpeg.Encode(w, c.Compose(frame, ev), &jpeg.Options{Quality: q})
}

func strokeRect(dst *image.RGBA, r image.Rectangle, col color.Color) {
	src := image.NewUniform(col)
	bw := borderWidth
	if r.Dx() < 2*bw || r.Dy() < 2*bw {
		draw.Draw(dst, r, src, image.Point{}, draw.Src)
		return
	}
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+bw), src, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Max.Y-bw, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+bw, r.Max.Y), src, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(r.Max.X-bw, r.Min.Y, r.Max.X, r.Max.Y), src, image.Point{}, draw.Src)
}

// drawLabel places text on a filled tag just above the box, or inside it
// when the box touches the top edge
func drawLabel(dst *image.RGBA, at image.Point, text string) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 2*labelPadding
	height := face.Height + 2*labelPadding

	top := at.Y - height
	if top < dst.Bounds().Min.Y {
		top = at.Y
	}
	tag := image.Rect(at.X, top, at.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tag, image.NewUniform(boxColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(at.X+labelPadding, top+labelPadding+face.Ascent),
	}
	d.DrawString(text)
}
