package types

import (
	"fmt"
	"math"
	"strings"
)

// BoundingBox is a detection rectangle in source-frame pixels
type BoundingBox struct {
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Category is one classification of a detection
type Category struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Detection is a single detector result. BoundingBox is nil when the model
// reported none. Categories[0] is the primary category.
type Detection struct {
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
	Categories  []Category   `json:"categories"`
}

// Primary returns the primary category
func (d Detection) Primary() (Category, bool) {
	if len(d.Categories) == 0 {
		return Category{}, false
	}
	return d.Categories[0], true
}

// OverlayBox is a draw command in display pixels
type OverlayBox struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Label    string  `json:"label"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// OverlayEvent is the complete overlay set for one rendered frame.
// Each event replaces the previous one.
type OverlayEvent struct {
	Seq         uint64       `json:"seq"`
	FrameTime   float64      `json:"frame_time"`
	TimestampMs int64        `json:"timestamp_ms"`
	Displayed   Dimensions   `json:"displayed"`
	Boxes       []OverlayBox `json:"boxes"`
}

// Delegate is the compute preference handed to the model runtime
type Delegate string

const (
	DelegateGPU Delegate = "GPU"
	DelegateCPU Delegate = "CPU"
)

// ParseDelegate parses a delegate name (case-insensitive)
func ParseDelegate(s string) (Delegate, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GPU":
		return DelegateGPU, nil
	case "CPU":
		return DelegateCPU, nil
	default:
		return "", fmt.Errorf("invalid delegate: %q", s)
	}
}

// DetectorConfig holds the options passed to detector initialization
type DetectorConfig struct {
	ScoreThreshold float64  `json:"score_threshold" yaml:"score_threshold" validate:"gte=0,lte=1"`
	MaxResults     int      `json:"max_results" yaml:"max_results" validate:"gt=0"`
	Delegate       Delegate `json:"delegate" yaml:"delegate" validate:"oneof=GPU CPU"`
}

// DefaultDetectorConfig matches the options the overlay page shipped with
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ScoreThreshold: 0.6,
		MaxResults:     5,
		Delegate:       DelegateGPU,
	}
}

// Validate checks ranges without a validator instance
func (c DetectorConfig) Validate() error {
	if math.IsNaN(c.ScoreThreshold) || c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold %.3f out of range [0,1]", c.ScoreThreshold)
	}
	if c.MaxResults <= 0 {
		return fmt.Errorf("max results must be positive, got %d", c.MaxResults)
	}
	if c.Delegate != DelegateGPU && c.Delegate != DelegateCPU {
		return fmt.Errorf("invalid delegate: %q", c.Delegate)
	}
	return nil
}
