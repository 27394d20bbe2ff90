package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Detection loop counters
	LoopStarts       atomic.Uint64
	LoopIterations   atomic.Uint64
	FramesSampled    atomic.Uint64
	FramesSkipped    atomic.Uint64 // Iterations whose frame had not advanced
	DetectCalls      atomic.Uint64
	BoxesRendered    atomic.Uint64
	BoxesBelowScore  atomic.Uint64
	LoopActive       atomic.Uint64 // 0 = stopped, 1 = running
	DetectLatencyMs  atomic.Uint64 // Last detect call latency in ms
	OverlayEventsOut atomic.Uint64

	// Resource lifecycle counters
	CameraAcquisitions atomic.Uint64
	CameraErrors       atomic.Uint64
	DetectorInits      atomic.Uint64
	DetectorErrors     atomic.Uint64
	DetectErrors       atomic.Uint64

	// Client tracking
	MJPEGClients  atomic.Uint64
	SSEClients    atomic.Uint64
	WebRTCClients atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64
	RecordingEvents atomic.Uint64

	// MQTT emitter
	MQTTPublished atomic.Uint64
	MQTTDropped   atomic.Uint64
	MQTTErrors    atomic.Uint64

	detectLatency prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livedetect_detect_duration_seconds",
			Help:    "Latency of detector invocations",
			Buckets: []float64{.002, .005, .01, .02, .033, .05, .1, .25, .5, 1},
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name string
	help string
	v    *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"livedetect_loop_starts_total", "Detection loop starts", &m.LoopStarts},
		{"livedetect_loop_iterations_total", "Detection loop iterations run", &m.LoopIterations},
		{"livedetect_frames_sampled_total", "Distinct frames handed to the detector", &m.FramesSampled},
		{"livedetect_frames_skipped_total", "Iterations skipped because the frame had not advanced", &m.FramesSkipped},
		{"livedetect_detect_calls_total", "Detector invocations", &m.DetectCalls},
		{"livedetect_boxes_rendered_total", "Overlay boxes rendered", &m.BoxesRendered},
		{"livedetect_boxes_below_score_total", "Detections dropped by the score threshold at render time", &m.BoxesBelowScore},
		{"livedetect_loop_active", "Detection loop running (0=stopped, 1=running)", &m.LoopActive},
		{"livedetect_detect_latency_ms", "Latency of the last detector call in milliseconds", &m.DetectLatencyMs},
		{"livedetect_overlay_events_total", "Overlay events published", &m.OverlayEventsOut},
		{"livedetect_camera_acquisitions_total", "Camera streams acquired", &m.CameraAcquisitions},
		{"livedetect_camera_errors_total", "Camera acquisition failures", &m.CameraErrors},
		{"livedetect_detector_inits_total", "Detector initializations", &m.DetectorInits},
		{"livedetect_detector_errors_total", "Detector initialization failures", &m.DetectorErrors},
		{"livedetect_detect_errors_total", "Detector call failures", &m.DetectErrors},
		{"livedetect_mjpeg_clients", "Connected MJPEG clients", &m.MJPEGClients},
		{"livedetect_sse_clients", "Connected detection SSE clients", &m.SSEClients},
		{"livedetect_webrtc_clients", "Connected WebRTC overlay clients", &m.WebRTCClients},
		{"livedetect_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"livedetect_recording_events", "Overlay events written to the current recording", &m.RecordingEvents},
		{"livedetect_mqtt_published_total", "Overlay events published to MQTT", &m.MQTTPublished},
		{"livedetect_mqtt_dropped_total", "Overlay events dropped because the MQTT queue was full", &m.MQTTDropped},
		{"livedetect_mqtt_errors_total", "MQTT publish failures", &m.MQTTErrors},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(m.detectLatency)
}

// ObserveDetect records the latency of one detector call
func (m *Metrics) ObserveDetect(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
	m.detectLatency.Observe(d.Seconds())
}

// SetLoopActive toggles the loop gauge
func (m *Metrics) SetLoopActive(active bool) {
	if active {
		m.LoopActive.Store(1)
		return
	}
	m.LoopActive.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
