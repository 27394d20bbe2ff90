// Package mqtt publishes overlay events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

const publishTimeout = 2 * time.Second

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

type pahoPublisher struct {
	client paho.Client
}

func (p pahoPublisher) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Emitter queues non-empty overlay events and publishes them as JSON from
// a single goroutine. Render never blocks; events are dropped when the
// queue is full.
type Emitter struct {
	topic   string
	qos     byte
	pub     Publisher
	client  paho.Client // nil when built around a custom Publisher
	metrics *metrics.Metrics

	queue    chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// New creates an emitter backed by a paho client. Call Connect, then Start.
func New(cfg config.MQTTConfig, m *metrics.Metrics) *Emitter {
	e := newEmitter(cfg, nil, m)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(paho.Client) {
		e.connected.Store(true)
		logger.Info("MQTT", "Connected to %s (client_id=%s)", cfg.Broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		e.connected.Store(false)
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	e.client = paho.NewClient(opts)
	e.pub = pahoPublisher{client: e.client}
	return e
}

func newEmitter(cfg config.MQTTConfig, pub Publisher, m *metrics.Metrics) *Emitter {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Emitter{
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		pub:     pub,
		metrics: m,
		queue:   make(chan []byte, size),
		stop:    make(chan struct{}),
	}
}

// Connect starts connecting to the broker. A broker that is not reachable
// within the context deadline is not an error; the client keeps retrying
// in the background and queued events are dropped until it connects.
func (e *Emitter) Connect(ctx context.Context) error {
	if e.client == nil {
		e.connected.Store(true)
		return nil
	}
	logger.Info("MQTT", "Connecting to broker, topic %s", e.topic)
	token := e.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		logger.Warn("MQTT", "Broker not reachable yet, retrying in background")
	}
	return nil
}

// Start begins publishing queued events.
func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Render queues ev for publishing. Events without boxes are skipped.
func (e *Emitter) Render(ev types.OverlayEvent) {
	if len(ev.Boxes) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("MQTT", "Failed to encode event %d: %v", ev.Seq, err)
		return
	}
	select {
	case <-e.stop:
		return
	default:
	}
	select {
	case e.queue <- payload:
	default:
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.MQTTDropped.Add(1)
		}
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case payload := <-e.queue:
			e.publish(payload)
		}
	}
}

func (e *Emitter) publish(payload []byte) {
	if !e.connected.Load() {
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.MQTTDropped.Add(1)
		}
		return
	}
	if err := e.pub.Publish(e.topic, e.qos, payload); err != nil {
		e.errors.Add(1)
		if e.metrics != nil {
			e.metrics.MQTTErrors.Add(1)
		}
		logger.Debug("MQTT", "Publish to %s failed: %v", e.topic, err)
		return
	}
	e.published.Add(1)
	if e.metrics != nil {
		e.metrics.MQTTPublished.Add(1)
	}
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	return Stats{
		Connected: e.connected.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}

// Close stops publishing and disconnects from the broker.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
		if e.client != nil && e.client.IsConnected() {
			e.client.Disconnect(250)
			logger.Info("MQTT", "Disconnected")
		}
		e.connected.Store(false)
	})
}
