package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// Config is the complete live-detect configuration
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Display   DisplayConfig   `yaml:"display"`
	Detector  DetectorConfig  `yaml:"detector"`
	Loop      LoopConfig      `yaml:"loop"`
	Server    ServerConfig    `yaml:"server"`
	Recording RecordingConfig `yaml:"recording"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

// CameraConfig selects and constrains the camera source
type CameraConfig struct {
	Source string `yaml:"source" validate:"oneof=pattern mediadevices"`
	Width  int    `yaml:"width" validate:"gt=0"`
	Height int    `yaml:"height" validate:"gt=0"`
	FPS    int    `yaml:"fps" validate:"gt=0,lte=240"`
	Label  string `yaml:"label"` // Device label for mediadevices, empty = first camera
}

// DisplayConfig describes how the video element is rendered
type DisplayConfig struct {
	Width            int    `yaml:"width" validate:"gte=0"`  // 0 = native
	Height           int    `yaml:"height" validate:"gte=0"` // 0 = native
	ReadyState       string `yaml:"ready_state" validate:"oneof=have_metadata have_current_data have_future_data have_enough_data"`
	EnoughDataFrames int    `yaml:"enough_data_frames" validate:"gt=0"`
}

// DetectorConfig selects the detector backend and its options
type DetectorConfig struct {
	types.DetectorConfig `yaml:",inline"`

	Backend     string        `yaml:"backend" validate:"oneof=remote luminance"`
	Endpoint    string        `yaml:"endpoint" validate:"required_if=Backend remote"`
	Model       string        `yaml:"model" validate:"required_if=Backend remote"`
	InitTimeout time.Duration `yaml:"init_timeout" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	DarkLevel   uint8         `yaml:"dark_level"`
	MinArea     int           `yaml:"min_area" validate:"gt=0"`
}

// LoopConfig controls the frame scheduler
type LoopConfig struct {
	RefreshRate float64 `yaml:"refresh_rate" validate:"gt=0,lte=1000"`
}

// ServerConfig controls the HTTP surfaces
type ServerConfig struct {
	Addr             string        `yaml:"addr" validate:"required"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	PprofAddr        string        `yaml:"pprof_addr"`
	StatusInterval   time.Duration `yaml:"status_interval" validate:"gt=0"`
	MJPEGInterval    time.Duration `yaml:"mjpeg_interval" validate:"gt=0"`
	JPEGQuality      int           `yaml:"jpeg_quality" validate:"gte=1,lte=100"`
	MaxWebRTCClients int           `yaml:"max_webrtc_clients" validate:"gte=0"`
	ICEServers       []string      `yaml:"ice_servers"`
}

// RecordingConfig controls overlay event recording
type RecordingConfig struct {
	OutputDir string `yaml:"output_dir" validate:"required"`
}

// MQTTConfig controls the optional MQTT emitter
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker" validate:"required_if=Enabled true"`
	Topic     string `yaml:"topic" validate:"required_if=Enabled true"`
	ClientID  string `yaml:"client_id"`
	QoS       byte   `yaml:"qos" validate:"lte=2"`
	QueueSize int    `yaml:"queue_size" validate:"gt=0"`
}

// LogConfig controls the logger
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn warning error silent none"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// DefaultConfig returns a config for the standard overlay page:
// a 1280x720 camera, threshold 0.6, five results, GPU delegate.
func DefaultConfig() Config {
	return Config{
		Camera: CameraConfig{
			Source: "pattern",
			Width:  1280,
			Height: 720,
			FPS:    30,
		},
		Display: DisplayConfig{
			ReadyState:       "have_current_data",
			EnoughDataFrames: 3,
		},
		Detector: DetectorConfig{
			DetectorConfig: types.DefaultDetectorConfig(),
			Backend:        "luminance",
			Model:          "efficientdet_lite0",
			InitTimeout:    30 * time.Second,
			Timeout:        2 * time.Second,
			DarkLevel:      48,
			MinArea:        400,
		},
		Loop: LoopConfig{
			RefreshRate: 60,
		},
		Server: ServerConfig{
			Addr:             ":8080",
			MetricsAddr:      ":9090",
			StatusInterval:   2 * time.Second,
			MJPEGInterval:    33 * time.Millisecond,
			JPEGQuality:      80,
			MaxWebRTCClients: 4,
			ICEServers:       []string{"stun:stun.l.google.com:19302"},
		},
		Recording: RecordingConfig{
			OutputDir: "./recordings",
		},
		MQTT: MQTTConfig{
			Topic:     "live-detect/overlay",
			ClientID:  "live-detect",
			QueueSize: 64,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Environment overrides, applied after the YAML file and before flags
const (
	EnvAddr             = "LIVE_DETECT_ADDR"
	EnvCameraSource     = "LIVE_DETECT_CAMERA_SOURCE"
	EnvDetectorBackend  = "LIVE_DETECT_DETECTOR_BACKEND"
	EnvDetectorEndpoint = "LIVE_DETECT_DETECTOR_ENDPOINT"
	EnvDetectorModel    = "LIVE_DETECT_DETECTOR_MODEL"
	EnvScoreThreshold   = "LIVE_DETECT_SCORE_THRESHOLD"
	EnvMQTTBroker       = "LIVE_DETECT_MQTT_BROKER"
	EnvLogLevel         = "LIVE_DETECT_LOG_LEVEL"
)

// ApplyEnv overrides fields from LIVE_DETECT_* variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvCameraSource); v != "" {
		c.Camera.Source = v
	}
	if v := os.Getenv(EnvDetectorBackend); v != "" {
		c.Detector.Backend = v
	}
	if v := os.Getenv(EnvDetectorEndpoint); v != "" {
		c.Detector.Endpoint = v
	}
	if v := os.Getenv(EnvDetectorModel); v != "" {
		c.Detector.Model = v
	}
	if v := os.Getenv(EnvScoreThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvScoreThreshold, err)
		}
		c.Detector.ScoreThreshold = f
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

var validate = validator.New()

// Validate normalizes enum casing and checks every section
func (c *Config) Validate() error {
	c.Camera.Source = strings.ToLower(c.Camera.Source)
	c.Detector.Backend = strings.ToLower(c.Detector.Backend)
	c.Display.ReadyState = strings.ToLower(c.Display.ReadyState)
	c.Log.Level = strings.ToLower(c.Log.Level)
	if d, err := types.ParseDelegate(string(c.Detector.Delegate)); err == nil {
		c.Detector.Delegate = d
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
