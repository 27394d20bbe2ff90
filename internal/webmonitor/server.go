package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/webrtc"
)

// Controller is the session surface the monitor drives.
type Controller interface {
	StatusSource
	RestartCamera(ctx context.Context) error
	ReloadDetector(ctx context.Context) error
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	ClientCounter
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Deps are the components the monitor exposes.
type Deps struct {
	Session  Controller
	Video    FrameSource
	Board    *overlay.Board
	Recorder *recorder.Recorder // Optional
	WebRTC   OfferHandler       // Optional
	Metrics  *metrics.Metrics   // Optional
	Clock    clock.Clock
}

// Server serves the monitor endpoints.
type Server struct {
	cfg                  Config
	deps                 Deps
	monitor              *Monitor
	blank                []byte
	broadcaster          *FrameBroadcaster
	detectionBroadcaster *DetectionBroadcaster
	statusBroadcaster    *StatusBroadcaster
}

// NewServer returns a configured monitor server. Start begins its
// background broadcasters.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Session == nil || deps.Video == nil || deps.Board == nil {
		return nil, errors.New("webmonitor: session, video and board are required")
	}

	blank, err := blankJPEG()
	if err != nil {
		return nil, fmt.Errorf("render placeholder: %w", err)
	}

	mjpegGauge, sseGauge := gauges(deps.Metrics)

	monitor := NewMonitor(deps.Clock, deps.Session, deps.Board, deps.Recorder)
	s := &Server{
		cfg:                  cfg,
		deps:                 deps,
		monitor:              monitor,
		blank:                blank,
		broadcaster:          NewFrameBroadcaster(deps.Video, deps.Board, cfg.JPEGQuality, cfg.MJPEGInterval, deps.Clock, mjpegGauge),
		detectionBroadcaster: NewDetectionBroadcaster(sseGauge),
		statusBroadcaster:    NewStatusBroadcaster(monitor, cfg.StatusInterval, deps.Clock, sseGauge),
	}
	monitor.mjpeg = s.broadcaster
	monitor.sse = []ClientCounter{s.detectionBroadcaster, s.statusBroadcaster}
	if deps.WebRTC != nil {
		monitor.webrtc = deps.WebRTC
	}
	return s, nil
}

func gauges(m *metrics.Metrics) (mjpeg, sse *atomic.Uint64) {
	if m == nil {
		return nil, nil
	}
	return &m.MJPEGClients, &m.SSEClients
}

// Start begins frame and status broadcasting.
func (s *Server) Start() {
	s.broadcaster.Start()
	s.statusBroadcaster.Start()
}

// Stop halts the broadcasters and disconnects streaming clients.
func (s *Server) Stop() {
	s.broadcaster.Stop()
	s.statusBroadcaster.Stop()
	s.detectionBroadcaster.Stop()
}

// Renderer returns the overlay sinks owned by the monitor.
func (s *Server) Renderer() overlay.Renderer {
	return overlay.Multi{s.monitor, s.detectionBroadcaster}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/camera/restart", s.handleCameraRestart)
	mux.HandleFunc("/api/detector/reload", s.handleDetectorReload)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Session.Status()
	writeJSON(w, map[string]any{"ok": true, "status": st.Status})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.blank)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.statusBroadcaster.Subscribe()
	defer s.statusBroadcaster.Unsubscribe(id)

	// New clients get the current status without waiting for a tick
	first := s.statusBroadcaster.generateSerializedEvent()
	streamEventsFromChannel(w, r, eventCh, first, wantsProtobuf(r))
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detectionBroadcaster.Subscribe()
	defer s.detectionBroadcaster.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, nil, wantsProtobuf(r))
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, name string, cmd func(context.Context) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
	defer cancel()

	err := cmd(ctx)
	st := s.deps.Session.Status()
	switch {
	case errors.Is(err, session.ErrNotRunning), errors.Is(err, session.ErrBusy):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
	case err != nil:
		logger.Warn("WebMonitor", "%s failed: %v", name, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "session": st}, http.StatusBadGateway)
	default:
		writeJSON(w, map[string]any{"status": "ok", "session": st})
	}
}

func (s *Server) handleCameraRestart(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "camera restart", s.deps.Session.RestartCamera)
}

func (s *Server) handleDetectorReload(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "detector reload", s.deps.Session.ReloadDetector)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusNotFound)
		return
	}

	filename, err := s.deps.Recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(s.deps.Clock.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording is not configured"}, http.StatusNotFound)
		return
	}

	filename, err := s.deps.Recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.deps.Recorder.GetStatus(),
		"stopped_at": float64(s.deps.Clock.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.deps.Recorder.GetStatus())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is not configured"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("WebMonitor", "WebRTC offer failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("WebMonitor", "Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Streaming handlers return once their channels close
	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
