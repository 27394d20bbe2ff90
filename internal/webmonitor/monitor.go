package webmonitor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// fpsWindow is the span over which the overlay event rate is measured
const fpsWindow = time.Second

// StatusSource reports the session state.
type StatusSource interface {
	Status() session.StatusSnapshot
}

// ClientCounter reports connected clients of a transport.
type ClientCounter interface {
	GetClientCount() int
}

// Monitor aggregates session, overlay and client state into status
// payloads. It is also a Renderer so it can measure the overlay rate.
type Monitor struct {
	clock    clock.Clock
	session  StatusSource
	board    *overlay.Board
	recorder *recorder.Recorder

	mjpeg  ClientCounter
	sse    []ClientCounter
	webrtc ClientCounter

	mu     sync.Mutex
	events uint64
	recent []time.Time
}

// NewMonitor creates a Monitor. recorder may be nil.
func NewMonitor(clk clock.Clock, src StatusSource, board *overlay.Board, rec *recorder.Recorder) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clock:    clk,
		session:  src,
		board:    board,
		recorder: rec,
	}
}

// Render records the arrival of an overlay event.
func (m *Monitor) Render(types.OverlayEvent) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events++
	m.recent = append(m.recent, now)
	m.trimLocked(now)
}

func (m *Monitor) trimLocked(now time.Time) {
	cut := 0
	for cut < len(m.recent) && now.Sub(m.recent[cut]) > fpsWindow {
		cut++
	}
	m.recent = m.recent[cut:]
}

func count(c ClientCounter) int {
	if c == nil {
		return 0
	}
	return c.GetClientCount()
}

// Snapshot builds the current status payload.
func (m *Monitor) Snapshot() StatusPayload {
	now := m.clock.Now()

	m.mu.Lock()
	m.trimLocked(now)
	stats := MonitorStats{
		EventsRendered: m.events,
		CurrentFPS:     float64(len(m.recent)) / fpsWindow.Seconds(),
	}
	m.mu.Unlock()

	latest := m.board.Snapshot()
	if latest.Boxes == nil {
		latest.Boxes = []types.OverlayBox{}
	}
	history := m.board.History()
	if history == nil {
		history = []types.OverlayEvent{}
	}
	stats.DetectionCount = len(latest.Boxes)
	stats.MJPEGClients = count(m.mjpeg)
	for _, c := range m.sse {
		stats.SSEClients += count(c)
	}
	stats.WebRTCClients = count(m.webrtc)

	payload := StatusPayload{
		Session:        m.session.Status(),
		Monitor:        stats,
		LatestOverlay:  latest,
		OverlayHistory: history,
		Timestamp:      float64(now.UnixMilli()) / 1000,
	}
	if m.recorder != nil {
		st := m.recorder.GetStatus()
		payload.Recording = &st
	}
	return payload
}
