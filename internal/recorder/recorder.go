package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// Recorder records overlay events to a JSON lines file
type Recorder struct {
	clock   clock.Clock
	metrics *metrics.Metrics

	mu           sync.RWMutex
	file         *os.File
	writer       *bufio.Writer
	filename     string
	basePath     string
	recording    bool
	eventCount   uint64
	dropped      atomic.Uint64 // Written under the read lock
	bytesWritten uint64
	startTime    time.Time
	eventChan    chan types.OverlayEvent
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewRecorder creates a recorder writing into basePath. m may be nil.
func NewRecorder(basePath string, clk clock.Clock, m *metrics.Metrics) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	return &Recorder{
		clock:    clk,
		metrics:  m,
		basePath: basePath,
	}
}

// Start starts recording to a new file and returns its path
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", fmt.Errorf("already recording")
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}

	now := r.clock.Now()
	filename := fmt.Sprintf("recording_%s.jsonl", now.Format("20060102_150405"))
	path := filepath.Join(r.basePath, filename)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.writer = bufio.NewWriter(file)
	r.filename = path
	r.recording = true
	r.eventCount = 0
	r.dropped.Store(0)
	r.bytesWritten = 0
	r.startTime = now
	r.eventChan = make(chan types.OverlayEvent, 64)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeEvents(r.eventChan, r.stopChan)

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(1)
	}
	logger.Info("Recorder", "Recording overlay events to %s", path)
	return path, nil
}

// Stop stops recording, flushes queued events and returns the file path
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordingActive.Store(0)
	}
	if r.file == nil {
		return r.filename, nil
	}
	if err := r.writer.Flush(); err != nil {
		r.file.Close()
		r.file = nil
		return r.filename, fmt.Errorf("failed to flush file: %w", err)
	}
	if err := r.file.Close(); err != nil {
		r.file = nil
		return r.filename, fmt.Errorf("failed to close file: %w", err)
	}
	r.file = nil
	logger.Info("Recorder", "Recording stopped: %s (%d events, %d dropped)", r.filename, r.eventCount, r.dropped.Load())
	return r.filename, nil
}

// Render queues an event for writing. It never blocks; events are dropped
// when the queue is full.
func (r *Recorder) Render(ev types.OverlayEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return
	}
	select {
	case r.eventChan <- ev:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) writeEvents(events <-chan types.OverlayEvent, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case ev := <-events:
			r.writeEvent(ev)
		case <-stop:
			for {
				select {
				case ev := <-events:
					r.writeEvent(ev)
				default:
					return
				}
			}
		}
	}
}

type record struct {
	RecordedAt time.Time `json:"recorded_at"`
	types.OverlayEvent
}

func (r *Recorder) writeEvent(ev types.OverlayEvent) {
	data, err := json.Marshal(record{RecordedAt: r.clock.Now(), OverlayEvent: ev})
	if err != nil {
		logger.Warn("Recorder", "Failed to encode event %d: %v", ev.Seq, err)
		return
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return
	}
	n, err := r.writer.Write(data)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}
	r.bytesWritten += uint64(n)
	r.eventCount++
	if r.metrics != nil {
		r.metrics.RecordingEvents.Add(1)
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = r.clock.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		EventCount:   r.eventCount,
		Dropped:      r.dropped.Load(),
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	EventCount   uint64    `json:"event_count"`
	Dropped      uint64    `json:"dropped"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
