package webmonitor

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// MonitorStats summarizes overlay output since the monitor started.
type MonitorStats struct {
	EventsRendered uint64  `json:"events_rendered"`
	CurrentFPS     float64 `json:"current_fps"`
	DetectionCount int     `json:"detection_count"`
	MJPEGClients   int     `json:"mjpeg_clients"`
	SSEClients     int     `json:"sse_clients"`
	WebRTCClients  int     `json:"webrtc_clients"`
}

// StatusPayload is the body of /api/status and each /api/status/stream event.
type StatusPayload struct {
	Session        session.StatusSnapshot    `json:"session"`
	Monitor        MonitorStats              `json:"monitor"`
	LatestOverlay  types.OverlayEvent        `json:"latest_overlay"`
	OverlayHistory []types.OverlayEvent      `json:"overlay_history"`
	Recording      *recorder.RecordingStatus `json:"recording,omitempty"`
	Timestamp      float64                   `json:"timestamp"`
}
