package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// Remote opens a model served by an HTTP inference service.
//
//	GET  {Endpoint}/v1/models/{Model}         -> {"ready": bool, "error": string}
//	POST {Endpoint}/v1/models/{Model}/detect  <- image/jpeg
//	                                          -> {"detections": [...]}
type Remote struct {
	Endpoint     string
	Model        string
	Client       *http.Client
	Timeout      time.Duration // Per detect call
	PollInterval time.Duration // Between readiness checks during Open
	JPEGQuality  int
}

type modelStatus struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type detectResponse struct {
	Detections []types.Detection `json:"detections"`
}

func (r Remote) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r Remote) modelURL(suffix string) string {
	return r.Endpoint + "/v1/models/" + url.PathEscape(r.Model) + suffix
}

// Open polls the model status until it reports ready, ctx ends, or the
// service reports a load error
func (r Remote) Open(ctx context.Context, cfg types.DetectorConfig) (Backend, error) {
	if r.Endpoint == "" || r.Model == "" {
		return nil, &InitializationError{Backend: "remote", Err: errors.New("endpoint and model are required")}
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	log := logger.For("Detector")

	for attempt := 1; ; attempt++ {
		status, err := r.status(ctx)
		switch {
		case err == nil && status.Ready:
			log.Infof("Model %s ready at %s", r.Model, r.Endpoint)
			return &remoteBackend{remote: r, cfg: cfg}, nil
		case err == nil && status.Error != "":
			return nil, &InitializationError{Backend: "remote", Err: errors.New(status.Error)}
		case err != nil:
			log.Debugf("Model status check %d failed: %v", attempt, err)
		default:
			log.Debugf("Model %s still loading (check %d)", r.Model, attempt)
		}

		select {
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
			return nil, &InitializationError{Backend: "remote", Err: err}
		case <-time.After(poll):
		}
	}
}

func (r Remote) status(ctx context.Context) (modelStatus, error) {
	var status modelStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.modelURL(""), nil)
	if err != nil {
		return status, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown model is permanent
		return modelStatus{Error: fmt.Sprintf("model %q not found", r.Model)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode model status: %w", err)
	}
	return status, nil
}

type remoteBackend struct {
	remote Remote
	cfg    types.DetectorConfig
}

func (b *remoteBackend) Name() string { return "remote:" + b.remote.Model }

func (b *remoteBackend) Close() error { return nil }

func (b *remoteBackend) Detect(frame image.Image, timestampMs int64) ([]types.Detection, error) {
	quality := b.remote.JPEGQuality
	if quality <= 0 {
		quality = 85
	}
	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	q := url.Values{}
	q.Set("timestamp_ms", strconv.FormatInt(timestampMs, 10))
	q.Set("score_threshold", strconv.FormatFloat(b.cfg.ScoreThreshold, 'f', -1, 64))
	q.Set("max_results", strconv.Itoa(b.cfg.MaxResults))
	q.Set("delegate", string(b.cfg.Delegate))

	ctx := context.Background()
	if b.remote.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.remote.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.remote.modelURL("/detect")+"?"+q.Encode(), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := b.remote.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detect: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return out.Detections, nil
}
