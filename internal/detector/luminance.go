package detector

import (
	"context"
	"image"
	"image/color"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// DarkObject is the category reported by the luminance backend
const DarkObject = "dark_object"

// Luminance opens an in-process backend that finds connected regions of
// pixels darker than Threshold. It needs no model and is used for demos
// and tests.
type Luminance struct {
	Threshold uint8 // Pixels with luma below this are foreground
	MinArea   int   // Smallest region kept, in source pixels
	Step      int   // Sampling stride; 0 picks one from the frame width
}

// Open implements Opener
func (l Luminance) Open(ctx context.Context, cfg types.DetectorConfig) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &luminanceBackend{cfg: l, minArea: NewAreaFilter(float64(l.MinArea))}, nil
}

type luminanceBackend struct {
	cfg     Luminance
	minArea Postprocessor
}

func (b *luminanceBackend) Name() string { return "luminance" }

func (b *luminanceBackend) Close() error { return nil }

func (b *luminanceBackend) step(width int) int {
	if b.cfg.Step > 0 {
		return b.cfg.Step
	}
	s := width / 320
	if s < 1 {
		s = 1
	}
	return s
}

// Detect labels dark 4-connected components on a sampled grid. The score
// is the fraction of the component's bounding box that is dark.
func (b *luminanceBackend) Detect(frame image.Image, _ int64) ([]types.Detection, error) {
	bounds := frame.Bounds()
	step := b.step(bounds.Dx())
	gw := (bounds.Dx() + step - 1) / step
	gh := (bounds.Dy() + step - 1) / step
	if gw == 0 || gh == 0 {
		return nil, nil
	}

	dark := make([]bool, gw*gh)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			c := frame.At(bounds.Min.X+gx*step, bounds.Min.Y+gy*step)
			dark[gy*gw+gx] = color.GrayModel.Convert(c).(color.Gray).Y < b.cfg.Threshold
		}
	}

	seen := make([]bool, gw*gh)
	var out []types.Detection
	queue := make([]image.Point, 0, 64)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			idx := gy*gw + gx
			if seen[idx] || !dark[idx] {
				seen[idx] = true
				continue
			}

			x0, y0, x1, y1 := gx, gy, gx, gy
			count := 0
			seen[idx] = true
			queue = append(queue[:0], image.Point{X: gx, Y: gy})
			for len(queue) != 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				count++
				x0, y0 = min(x0, p.X), min(y0, p.Y)
				x1, y1 = max(x1, p.X), max(y1, p.Y)

				for _, n := range [4]image.Point{{p.X, p.Y - 1}, {p.X, p.Y + 1}, {p.X - 1, p.Y}, {p.X + 1, p.Y}} {
					if n.X < 0 || n.Y < 0 || n.X >= gw || n.Y >= gh {
						continue
					}
					ni := n.Y*gw + n.X
					if seen[ni] {
						continue
					}
					seen[ni] = true
					if dark[ni] {
						queue = append(queue, n)
					}
				}
			}

			cells := (x1 - x0 + 1) * (y1 - y0 + 1)
			box := &types.BoundingBox{
				OriginX: float64(bounds.Min.X + x0*step),
				OriginY: float64(bounds.Min.Y + y0*step),
				Width:   float64((x1 - x0 + 1) * step),
				Height:  float64((y1 - y0 + 1) * step),
			}
			out = append(out, types.Detection{
				BoundingBox: box,
				Categories:  []types.Category{{Name: DarkObject, Score: float64(count) / float64(cells)}},
			})
		}
	}
	return b.minArea(out), nil
}
