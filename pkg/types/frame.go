package types

import "fmt"

// Dimensions is a width/height pair in pixels
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether either side is zero or negative
func (d Dimensions) Empty() bool {
	return d.Width <= 0 || d.Height <= 0
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// FrameSample describes the frame currently presented by a video element
type FrameSample struct {
	Time      float64    // Presentation time in seconds since the first frame
	Native    Dimensions // Decode size of the frame
	Displayed Dimensions // Size the frame is rendered at
}

// ScaleFactors returns displayed/native for each axis independently.
// Returns 1,1 when either size is unknown.
func (s FrameSample) ScaleFactors() (sx, sy float64) {
	if s.Native.Empty() || s.Displayed.Empty() {
		return 1, 1
	}
	sx = float64(s.Displayed.Width) / float64(s.Native.Width)
	sy = float64(s.Displayed.Height) / float64(s.Native.Height)
	return sx, sy
}
