package webmonitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// fanout tracks subscribers and delivers values without blocking.
type fanout[T any] struct {
	name    string
	gauge   *atomic.Uint64
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
}

// Subscribe adds a new client and returns a channel for receiving values.
func (f *fanout[T]) Subscribe() (int, <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	f.clients[id] = ch
	if f.gauge != nil {
		f.gauge.Add(1)
	}

	logger.Debug(f.name, "Client #%d subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (f *fanout[T]) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		if f.gauge != nil {
			f.gauge.Add(^uint64(0))
		}
		logger.Debug(f.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

// GetClientCount returns the number of subscribers.
func (f *fanout[T]) GetClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fanout[T]) broadcast(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
		}
	}
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
		if f.gauge != nil {
			f.gauge.Add(^uint64(0))
		}
	}
}

// FrameSource supplies the currently presented frame.
type FrameSource interface {
	Sample() (types.FrameSample, image.Image)
}

// FrameBroadcaster composes the presented frame with the current overlay
// set and fans the JPEG out to MJPEG clients. No work is done while no
// clients are connected.
type FrameBroadcaster struct {
	fanout[[]byte]

	video      FrameSource
	board      *overlay.Board
	compositor overlay.Compositor
	clock      clock.Clock
	interval   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	lastTime  float64
	lastSeq   uint64
	skipCount int
}

// NewFrameBroadcaster creates a broadcaster for composited frames.
func NewFrameBroadcaster(video FrameSource, board *overlay.Board, quality int, interval time.Duration, clk clock.Clock, gauge *atomic.Uint64) *FrameBroadcaster {
	return &FrameBroadcaster{
		fanout:     fanout[[]byte]{name: "FrameBroadcaster", gauge: gauge, clients: make(map[int]chan []byte)},
		video:      video,
		board:      board,
		compositor: overlay.Compositor{Quality: quality},
		clock:      clk,
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lastTime:   -1,
	}
}

// Start begins the frame generation and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	fb.started.Store(true)
	go fb.run()
}

// Stop halts the broadcaster and disconnects its clients.
func (fb *FrameBroadcaster) Stop() {
	fb.stopOnce.Do(func() {
		close(fb.stop)
		if fb.started.Load() {
			<-fb.done
		}
		fb.closeAll()
	})
}

func (fb *FrameBroadcaster) run() {
	defer close(fb.done)
	ticker := fb.clock.Ticker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.GetClientCount() == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected, idle for %d cycles", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		if data := fb.generateOverlay(); data != nil {
			fb.broadcast(data)
		}
	}
}

// generateOverlay returns a JPEG when the frame or the overlay set changed
// since the last one, nil otherwise.
func (fb *FrameBroadcaster) generateOverlay() []byte {
	sample, frame := fb.video.Sample()
	if frame == nil {
		return nil
	}
	ev := fb.board.Snapshot()
	if sample.Time == fb.lastTime && ev.Seq == fb.lastSeq {
		return nil
	}
	fb.lastTime, fb.lastSeq = sample.Time, ev.Seq

	if ev.Displayed.Empty() {
		ev.Displayed = sample.Displayed
	}
	var buf bytes.Buffer
	if err := fb.compositor.Encode(&buf, frame, ev); err != nil {
		logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
		return nil
	}
	return buf.Bytes()
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // structpb.Struct, base64 encoded for SSE
}

// serialize encodes v as JSON and as a base64 protobuf Struct with the
// same field names.
func serialize(v any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("structpb: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DetectionBroadcaster fans overlay events out to SSE clients. It is a
// Renderer; serialization happens only while clients are connected.
type DetectionBroadcaster struct {
	fanout[*SerializedEvent]

	mu        sync.Mutex
	lastEmpty bool
}

// NewDetectionBroadcaster creates a broadcaster for overlay events.
func NewDetectionBroadcaster(gauge *atomic.Uint64) *DetectionBroadcaster {
	return &DetectionBroadcaster{
		fanout: fanout[*SerializedEvent]{name: "DetectionBroadcaster", gauge: gauge, clients: make(map[int]chan *SerializedEvent)},
	}
}

// Render implements overlay.Renderer. Consecutive empty events are sent
// once.
func (db *DetectionBroadcaster) Render(ev types.OverlayEvent) {
	db.mu.Lock()
	empty := len(ev.Boxes) == 0
	repeat := empty && db.lastEmpty
	db.lastEmpty = empty
	db.mu.Unlock()

	if repeat || db.GetClientCount() == 0 {
		return
	}
	if ev.Boxes == nil {
		ev.Boxes = []types.OverlayBox{}
	}

	event, err := serialize(ev)
	if err != nil {
		logger.Error("DetectionBroadcaster", "Serialize event %d: %v", ev.Seq, err)
		return
	}
	db.broadcast(event)
}

// Stop disconnects all clients.
func (db *DetectionBroadcaster) Stop() {
	db.closeAll()
}

// StatusBroadcaster pushes status payloads to SSE clients on an interval.
type StatusBroadcaster struct {
	fanout[*SerializedEvent]

	monitor  *Monitor
	clock    clock.Clock
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration, clk clock.Clock, gauge *atomic.Uint64) *StatusBroadcaster {
	return &StatusBroadcaster{
		fanout:   fanout[*SerializedEvent]{name: "StatusBroadcaster", gauge: gauge, clients: make(map[int]chan *SerializedEvent)},
		monitor:  monitor,
		clock:    clk,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	sb.started.Store(true)
	go sb.run()
}

// Stop halts the broadcaster and disconnects its clients.
func (sb *StatusBroadcaster) Stop() {
	sb.stopOnce.Do(func() {
		close(sb.stop)
		if sb.started.Load() {
			<-sb.done
		}
		sb.closeAll()
	})
}

func (sb *StatusBroadcaster) run() {
	defer close(sb.done)
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := sb.clock.Ticker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.GetClientCount() == 0 {
				continue
			}
			if event := sb.generateSerializedEvent(); event != nil {
				sb.broadcast(event)
			}
		}
	}
}

func (sb *StatusBroadcaster) generateSerializedEvent() *SerializedEvent {
	event, err := serialize(sb.monitor.Snapshot())
	if err != nil {
		logger.Error("StatusBroadcaster", "Serialize status: %v", err)
		return nil
	}
	return event
}
