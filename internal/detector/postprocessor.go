package detector

import (
	"sort"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// Postprocessor filters or reorders detections
type Postprocessor func([]types.Detection) []types.Detection

func primaryScore(d types.Detection) float64 {
	if c, ok := d.Primary(); ok {
		return c.Score
	}
	return 0
}

// NewScoreFilter drops detections whose primary score is below conf
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if _, ok := d.Primary(); ok && primaryScore(d) >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewMaxResults keeps the n highest scoring detections
func NewMaxResults(n int) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		if n <= 0 || len(in) <= n {
			return in
		}
		out := make([]types.Detection, len(in))
		copy(out, in)
		sort.SliceStable(out, func(i, j int) bool {
			return primaryScore(out[i]) > primaryScore(out[j])
		})
		return out[:n]
	}
}

// NewAreaFilter drops detections whose box is smaller than area pixels
func NewAreaFilter(area float64) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.BoundingBox != nil && d.BoundingBox.Width*d.BoundingBox.Height >= area {
				out = append(out, d)
			}
		}
		return out
	}
}
