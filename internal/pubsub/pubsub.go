// Package pubsub fans published events out to GraphQL subscriptions by tag.
package pubsub

import (
	"context"
	"errors"
	"sync"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"go.uber.org/zap"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("pubsub: closed")

// Event is one published payload.
type Event struct {
	Tag     string
	Payload any
}

// Source is the subscription side of a PubSub.
type Source interface {
	Subscribe(ctx context.Context, tags []string) (<-chan Event, error)
}

type options struct {
	buffer int
	logger *zap.Logger
	bus    *eventbus.Bus
}

// Option configures a PubSub.
type Option func(*options)

// WithBuffer sets the per-subscriber queue length. Defaults to 64.
func WithBuffer(n int) Option { return func(o *options) { o.buffer = n } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithBus reports dropped events on b.
func WithBus(b *eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// PubSub is an in-process topic fan-out keyed by tag.
type PubSub struct {
	opts options

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func New(opts ...Option) *PubSub {
	o := options{buffer: 64, logger: zap.NewNop()}
	for _, f := range opts {
		f(&o)
	}
	if o.buffer <= 0 {
		o.buffer = 1
	}
	return &PubSub{opts: o, subs: make(map[string]map[*subscriber]struct{})}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
}

// deliver enqueues e, evicting the oldest queued event when full. It
// reports whether an event was dropped.
func (s *subscriber) deliver(e Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
		close(s.done)
	}
}

// Publish delivers payload to every subscriber of tag. It never blocks on
// slow subscribers.
func (p *PubSub) Publish(ctx context.Context, tag string, payload any) {
	p.mu.RLock()
	targets := make([]*subscriber, 0, len(p.subs[tag]))
	for s := range p.subs[tag] {
		targets = append(targets, s)
	}
	p.mu.RUnlock()

	e := Event{Tag: tag, Payload: payload}
	for _, s := range targets {
		if s.deliver(e) {
			p.opts.logger.Warn("subscriber queue full, dropped oldest event", zap.String("tag", tag))
			eventbus.Emit(p.opts.bus, ctx, events.SubscriptionDropped{Tag: tag})
		}
	}
}

// Subscribe returns a stream of events published on any of tags. The
// channel is closed when ctx ends or the PubSub is closed.
func (p *PubSub) Subscribe(ctx context.Context, tags []string) (<-chan Event, error) {
	s := &subscriber{ch: make(chan Event, p.opts.buffer), done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	for _, tag := range tags {
		set := p.subs[tag]
		if set == nil {
			set = make(map[*subscriber]struct{})
			p.subs[tag] = set
		}
		set[s] = struct{}{}
	}
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.remove(s, tags)
		case <-s.done:
		}
	}()
	return s.ch, nil
}

func (p *PubSub) remove(s *subscriber, tags []string) {
	p.mu.Lock()
	for _, tag := range tags {
		if set := p.subs[tag]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(p.subs, tag)
			}
		}
	}
	p.mu.Unlock()
	s.close()
}

// Subscribers returns the number of live subscriptions on tag.
func (p *PubSub) Subscribers(tag string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[tag])
}

// Close ends every subscription.
func (p *PubSub) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := map[*subscriber]struct{}{}
	for _, set := range p.subs {
		for s := range set {
			all[s] = struct{}{}
		}
	}
	p.subs = map[string]map[*subscriber]struct{}{}
	p.mu.Unlock()
	for s := range all {
		s.close()
	}
}

// Bridge routes events.Published from an event bus into a PubSub.
type Bridge struct {
	unsubscribe func()
}

// NewBridge starts routing. Call Close to stop.
func NewBridge(bus *eventbus.Bus, ps *PubSub) *Bridge {
	unsub := eventbus.On(bus, func(ctx context.Context, e events.Published) {
		ps.Publish(ctx, e.Tag, e.Payload)
	})
	return &Bridge{unsubscribe: unsub}
}

func (b *Bridge) Close() { b.unsubscribe() }
