package detector

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

// ErrProviderClosed is returned by Acquire after Close
var ErrProviderClosed = errors.New("detector: provider closed")

// generation is one initialization of the detector. It is shared by every
// lease taken while it is current.
type generation struct {
	id     uint64
	done   chan struct{}
	handle *Handle
	err    error

	refs     int
	retired  bool // Replaced by Reload or Close
	released bool
}

// Provider owns the detector. The first Acquire starts initialization and
// every caller, early or late, waits for the same result. Handles are
// released when their generation is retired and its last lease is released.
type Provider struct {
	opener  Opener
	metrics *metrics.Metrics
	log     *logger.ModuleLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cfg     types.DetectorConfig
	current *generation
	nextID  uint64
	lastErr error
	closed  bool
	wg      sync.WaitGroup
}

// NewProvider creates a provider. m may be nil.
func NewProvider(cfg types.DetectorConfig, opener Opener, m *metrics.Metrics) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		opener:  opener,
		metrics: m,
		log:     logger.For("Detector"),
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
	}
}

// Lease is a reference to an initialized handle
type Lease struct {
	p    *Provider
	gen  *generation
	once sync.Once
	err  error
}

// Handle returns the leased handle
func (l *Lease) Handle() *Handle { return l.gen.handle }

// Generation identifies the initialization the lease belongs to
func (l *Lease) Generation() uint64 { return l.gen.id }

// Release drops the reference. The handle is released once its generation
// is retired and no leases remain. Idempotent.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.p.drop(l.gen)
	})
	return l.err
}

// Acquire returns a lease on the current handle, starting initialization
// if none is in progress. ctx bounds the wait, not the initialization.
func (p *Provider) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProviderClosed
	}
	g := p.current
	if g == nil {
		p.nextID++
		g = &generation{id: p.nextID, done: make(chan struct{})}
		p.current = g
		p.wg.Add(1)
		go p.initialize(g, p.cfg)
	}
	g.refs++
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, multierr.Append(ctx.Err(), p.drop(g))
	case <-g.done:
	}

	if g.err != nil {
		return nil, multierr.Append(g.err, p.drop(g))
	}
	return &Lease{p: p, gen: g}, nil
}

func (p *Provider) initialize(g *generation, cfg types.DetectorConfig) {
	defer p.wg.Done()

	p.log.Infof("Initializing detector (generation %d, threshold=%.2f max=%d delegate=%s)",
		g.id, cfg.ScoreThreshold, cfg.MaxResults, cfg.Delegate)
	handle, err := Initialize(p.ctx, cfg, p.opener)

	p.mu.Lock()
	g.handle, g.err = handle, err
	p.lastErr = err
	if err != nil {
		// Failures are not cached: the next Acquire starts over
		if p.current == g {
			p.current = nil
		}
		g.released = true
	}
	orphan := err == nil && g.retired && g.refs == 0
	if orphan {
		g.released = true
	}
	p.mu.Unlock()
	close(g.done)

	if err != nil {
		if p.metrics != nil {
			p.metrics.DetectorErrors.Add(1)
		}
		p.log.Errorf("Detector initialization failed: %v", err)
		return
	}
	if p.metrics != nil {
		p.metrics.DetectorInits.Add(1)
	}
	p.log.Infof("Detector ready (%s, generation %d)", handle.Backend(), g.id)
	if orphan {
		if err := handle.Release(); err != nil {
			p.log.Warnf("Release of retired detector failed: %v", err)
		}
	}
}

// drop removes one reference and releases the handle if it was the last
// reference of a retired generation
func (p *Provider) drop(g *generation) error {
	p.mu.Lock()
	g.refs--
	h := p.releasableLocked(g)
	p.mu.Unlock()

	if h == nil {
		return nil
	}
	p.log.Debugf("Releasing detector generation %d", g.id)
	return h.Release()
}

func (p *Provider) releasableLocked(g *generation) *Handle {
	if g.refs > 0 || !g.retired || g.released || g.handle == nil {
		return nil
	}
	g.released = true
	return g.handle
}

// Reload retires the current generation. The next Acquire initializes a
// new handle; existing leases keep the old one until they are released.
func (p *Provider) Reload() error {
	return p.retire(false)
}

// Configure replaces the config used by the next initialization and reloads
func (p *Provider) Configure(cfg types.DetectorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return p.Reload()
}

// Config returns the config for the next initialization
func (p *Provider) Config() types.DetectorConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Close retires the current generation, refuses further Acquire calls and
// cancels an initialization in progress
func (p *Provider) Close() error {
	err := p.retire(true)
	p.cancel()
	p.wg.Wait()
	return err
}

func (p *Provider) retire(closing bool) error {
	p.mu.Lock()
	if closing {
		p.closed = true
	}
	g := p.current
	p.current = nil
	var h *Handle
	if g != nil {
		g.retired = true
		h = p.releasableLocked(g)
	}
	p.mu.Unlock()

	if h == nil {
		return nil
	}
	p.log.Debugf("Releasing detector generation %d", g.id)
	return h.Release()
}

// ProviderStatus describes the provider for status pages
type ProviderStatus struct {
	Generation uint64 `json:"generation"`
	Loading    bool   `json:"loading"`
	Ready      bool   `json:"ready"`
	Error      string `json:"error,omitempty"`
}

// Status reports the state of the current generation
func (p *Provider) Status() ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var st ProviderStatus
	if p.lastErr != nil {
		st.Error = p.lastErr.Error()
	}
	g := p.current
	if g == nil {
		return st
	}
	st.Generation = g.id
	select {
	case <-g.done:
		st.Ready = g.err == nil
	default:
		st.Loading = true
	}
	return st
}
