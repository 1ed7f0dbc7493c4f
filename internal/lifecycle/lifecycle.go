// Package lifecycle keeps the compiled schema in sync with the set of known
// services. A topology change marks the schema stale; the next demand
// rebuilds it once, no matter how many operations ask concurrently.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hanpama/meshgate/internal/composer"
	"github.com/hanpama/meshgate/internal/eventbus"
	"github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/fragment"
	"github.com/hanpama/meshgate/internal/service"
)

// State of the schema.
type State int32

const (
	Stale State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "READY"
	}
	return "STALE"
}

// ErrClosed is returned by Current after Close.
var ErrClosed = errors.New("lifecycle manager closed")

// Source yields a snapshot of the services currently known.
type Source interface {
	Services(ctx context.Context) ([]service.Descriptor, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]service.Descriptor, error)

func (f SourceFunc) Services(ctx context.Context) ([]service.Descriptor, error) { return f(ctx) }

// Generation is one installed schema. Its context is cancelled at teardown,
// ending every subscription started against it.
type Generation struct {
	*composer.Compiled
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the generation is torn down.
func (g *Generation) Context() context.Context { return g.ctx }

func (g *Generation) teardown() {
	if g != nil {
		g.cancel()
	}
}

type options struct {
	logger        *zap.Logger
	bus           *eventbus.Bus
	compose       []composer.Option
	staleFallback bool
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithBus sets the bus used for ServicesChanged notifications and rebuild
// events.
func WithBus(b *eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithComposeOptions passes options such as custom directives to every
// composition.
func WithComposeOptions(opts ...composer.Option) Option {
	return func(o *options) { o.compose = append(o.compose, opts...) }
}

// WithStaleFallback controls whether the previous generation keeps serving
// while the schema is stale and rebuilding fails. Enabled by default. When
// disabled, the previous generation is torn down before a rebuild starts.
func WithStaleFallback(enable bool) Option { return func(o *options) { o.staleFallback = enable } }

// Manager owns the current schema generation.
type Manager struct {
	source Source
	opts   options

	state   atomic.Int32
	epoch   atomic.Uint64 // bumped by Invalidate
	gen     atomic.Uint64
	current atomic.Pointer[Generation]

	mu      sync.Mutex
	lastErr error
	closed  bool

	group       singleflight.Group
	unsubscribe func()
}

// New returns a stale manager. It subscribes to ServicesChanged on the
// configured bus.
func New(src Source, opts ...Option) *Manager {
	o := options{logger: zap.NewNop(), staleFallback: true}
	for _, fn := range opts {
		fn(&o)
	}
	m := &Manager{source: src, opts: o}
	m.unsubscribe = eventbus.On(o.bus, func(_ context.Context, e events.ServicesChanged) {
		m.opts.logger.Debug("services changed", zap.String("reason", e.Reason))
		m.Invalidate()
	})
	return m
}

// State reports READY or STALE.
func (m *Manager) State() State { return State(m.state.Load()) }

// Invalidate marks the schema stale. A rebuild in flight will not mark the
// schema ready.
func (m *Manager) Invalidate() {
	m.epoch.Add(1)
	m.state.Store(int32(Stale))
}

// Generation returns the installed generation without triggering a rebuild.
func (m *Manager) Generation() *Generation { return m.current.Load() }

// Current returns the schema to execute against, rebuilding first when
// stale. Concurrent callers share a single rebuild and its outcome.
func (m *Manager) Current(ctx context.Context) (*Generation, error) {
	if m.State() == Ready {
		if g := m.current.Load(); g != nil {
			return g, nil
		}
	}
	g, err := m.rebuild(ctx)
	if err != nil {
		if prev := m.current.Load(); prev != nil && m.opts.staleFallback {
			m.opts.logger.Warn("serving previous schema generation", zap.Uint64("generation", prev.Generation), zap.Error(err))
			return prev, nil
		}
		return nil, err
	}
	return g, nil
}

// Check attempts a rebuild when stale and reports its error. It returns nil
// when the schema is ready.
func (m *Manager) Check(ctx context.Context) error {
	if m.State() == Ready && m.current.Load() != nil {
		return nil
	}
	_, err := m.rebuild(ctx)
	return err
}

// LastError is the error of the most recent failed rebuild, cleared by a
// successful one.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Close tears down the current generation and stops listening for
// topology changes.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.unsubscribe()
	m.Invalidate()
	m.current.Swap(nil).teardown()
}

func (m *Manager) rebuild(ctx context.Context) (*Generation, error) {
	ch := m.group.DoChan("rebuild", func() (any, error) {
		// the rebuild outlives any single demander
		return m.build(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Generation), nil
	}
}

func (m *Manager) build(ctx context.Context) (*Generation, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if m.State() == Ready {
		if g := m.current.Load(); g != nil {
			return g, nil
		}
	}

	epoch := m.epoch.Load()
	start := time.Now()
	log := m.opts.logger

	if !m.opts.staleFallback {
		m.current.Swap(nil).teardown()
	}

	services, err := m.source.Services(ctx)
	if err != nil {
		return nil, m.fail(ctx, err, start)
	}
	eventbus.Emit(m.opts.bus, ctx, events.SchemaRebuildStart{Services: len(services)})
	log.Info("rebuilding schema", zap.Int("services", len(services)))

	next := m.gen.Load() + 1
	opts := append([]composer.Option{composer.WithGeneration(next)}, m.opts.compose...)
	compiled, err := composer.Compose(fragment.Extract(services), opts...)
	if err != nil {
		return nil, m.fail(ctx, err, start)
	}
	m.gen.Store(next)

	gctx, cancel := context.WithCancel(context.Background())
	g := &Generation{Compiled: compiled, ctx: gctx, cancel: cancel}
	m.current.Swap(g).teardown()

	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	if m.epoch.Load() == epoch {
		m.state.Store(int32(Ready))
	}

	d := time.Since(start)
	log.Info("schema updated", zap.Uint64("generation", next), zap.Strings("services", compiled.Services), zap.Duration("duration", d))
	eventbus.Emit(m.opts.bus, ctx, events.SchemaUpdated{Generation: next, SDL: compiled.SDL, Duration: d})
	return g, nil
}

func (m *Manager) fail(ctx context.Context, err error, start time.Time) error {
	d := time.Since(start)
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.opts.logger.Error("schema rebuild failed", zap.Error(err), zap.Duration("duration", d))
	eventbus.Emit(m.opts.bus, ctx, events.SchemaRebuildFailed{Err: err, Duration: d})
	return err
}
