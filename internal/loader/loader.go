// Package loader coalesces keyed remote lookups made during one scheduling
// tick into a single batch call per action.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/params"
	"github.com/hanpama/meshgate/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Spec describes the batch call of one action.
type Spec struct {
	Action string
	// BatchParam is the parameter receiving the list of keys.
	BatchParam string
	// Params are static defaults merged under the keys.
	Params map[string]any
	// MetaParams maps meta paths to parameter paths.
	MetaParams map[string]string
}

// Thunk is the pending result of one key.
type Thunk struct {
	done  chan struct{}
	value any
	err   error
}

func newThunk() *Thunk { return &Thunk{done: make(chan struct{})} }

func (t *Thunk) resolve(v any, err error) {
	t.value, t.err = v, err
	close(t.done)
}

// Done is closed once the thunk is resolved.
func (t *Thunk) Done() <-chan struct{} { return t.done }

// Wait blocks until the thunk resolves or ctx ends.
func (t *Thunk) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingKey struct {
	key   any
	thunk *Thunk
}

// Loader is the batching unit of one action within one execution context.
// Keys are deduplicated by value and outcomes are shared for the lifetime of
// the loader.
type Loader struct {
	spec   Spec
	caller transport.Caller
	meta   map[string]any
	bus    *eventbus.Bus

	mu      sync.Mutex
	cache   map[string]*Thunk
	pending []pendingKey
}

// Load registers key and returns its thunk. A key seen before in this
// loader returns the same thunk.
func (l *Loader) Load(key any) *Thunk {
	ck := cacheKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	if th, ok := l.cache[ck]; ok {
		return th
	}
	th := newThunk()
	l.cache[ck] = th
	l.pending = append(l.pending, pendingKey{key: key, thunk: th})
	return th
}

// Pending reports the number of keys waiting for dispatch.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Dispatch issues one call for every pending key. Keys loaded while the
// call is in flight wait for the next Dispatch.
func (l *Loader) Dispatch(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	keys := make([]any, len(batch))
	for i, p := range batch {
		keys[i] = p.key
	}
	callParams := params.Merge(
		params.Layer{Name: "keys", Values: map[string]any{l.spec.BatchParam: keys}},
		params.Layer{Name: "meta", Values: params.Project(l.meta, l.spec.MetaParams)},
		params.Layer{Name: "static", Values: l.spec.Params},
	)

	res, err := l.caller.Call(ctx, l.spec.Action, callParams, transport.CallOptions{Meta: l.meta})
	var results []any
	if err == nil {
		results, err = asList(res)
	}
	eventbus.Emit(l.bus, ctx, events.BatchDispatched{Action: l.spec.Action, Keys: len(keys), Err: err})
	if err != nil {
		berr := &gwerrors.BatchDispatchError{Action: l.spec.Action, Keys: len(keys), Cause: transport.Scrub(err)}
		for _, p := range batch {
			p.thunk.resolve(nil, berr)
		}
		return
	}
	for i, p := range batch {
		if i >= len(results) {
			p.thunk.resolve(nil, fmt.Errorf("batch call %s returned no result for key %v", l.spec.Action, p.key))
			continue
		}
		p.thunk.resolve(results[i], nil)
	}
}

func asList(v any) ([]any, error) {
	switch vv := v.(type) {
	case []any:
		return vv, nil
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("batch result is %T, want a list", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func cacheKey(key any) string {
	if s, ok := key.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprintf("%T:%v", key, key)
	}
	return "j:" + string(b)
}

// Registry holds the loaders of one execution context. It is built per
// operation and never shared.
type Registry struct {
	loaders map[string]*Loader
	order   []string
	limit   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes batch events on b.
func WithBus(b *eventbus.Bus) Option {
	return func(r *Registry) {
		for _, l := range r.loaders {
			l.bus = b
		}
	}
}

// WithConcurrency limits how many loaders dispatch at once. Zero means no limit.
func WithConcurrency(n int) Option { return func(r *Registry) { r.limit = n } }

// NewRegistry builds one loader per spec, keyed by action name.
func NewRegistry(specs map[string]Spec, caller transport.Caller, meta map[string]any, opts ...Option) *Registry {
	r := &Registry{loaders: make(map[string]*Loader, len(specs))}
	for action, spec := range specs {
		if spec.Action == "" {
			spec.Action = action
		}
		r.loaders[action] = &Loader{
			spec:   spec,
			caller: caller,
			meta:   meta,
			cache:  make(map[string]*Thunk),
		}
		r.order = append(r.order, action)
	}
	sort.Strings(r.order)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Loader returns the loader for action, or nil when action has no batched
// binding.
func (r *Registry) Loader(action string) *Loader {
	if r == nil {
		return nil
	}
	return r.loaders[action]
}

// Pending reports whether any loader holds undispatched keys.
func (r *Registry) Pending() bool {
	if r == nil {
		return false
	}
	for _, l := range r.loaders {
		if l.Pending() > 0 {
			return true
		}
	}
	return false
}

// Dispatch dispatches every loader with pending keys concurrently and
// returns when all calls have completed.
func (r *Registry) Dispatch(ctx context.Context) {
	if r == nil {
		return
	}
	var g errgroup.Group
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for _, action := range r.order {
		l := r.loaders[action]
		if l.Pending() == 0 {
			continue
		}
		g.Go(func() error {
			l.Dispatch(ctx)
			return nil
		})
	}
	_ = g.Wait()
}
