package transport

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
)

// Handler serves one action in process.
type Handler func(ctx context.Context, params map[string]any, meta map[string]any) (any, error)

// RecordedCall is one call observed by Local.
type RecordedCall struct {
	Action string
	Params map[string]any
	Meta   map[string]any
}

// Local dispatches actions to in-process handlers. It records every call and
// is used for embedded services and tests.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	calls    []RecordedCall
	bus      *eventbus.Bus
}

// NewLocal creates an empty Local caller publishing call events on bus
// (which may be nil).
func NewLocal(bus *eventbus.Bus) *Local {
	return &Local{handlers: make(map[string]Handler), bus: bus}
}

// Handle registers h for action, replacing any previous handler.
func (l *Local) Handle(action string, h Handler) *Local {
	l.mu.Lock()
	l.handlers[action] = h
	l.mu.Unlock()
	return l
}

// HandleValue registers a handler that always returns v.
func (l *Local) HandleValue(action string, v any) *Local {
	return l.Handle(action, func(context.Context, map[string]any, map[string]any) (any, error) { return v, nil })
}

func (l *Local) Call(ctx context.Context, action string, params map[string]any, opts CallOptions) (any, error) {
	l.mu.Lock()
	h := l.handlers[action]
	l.calls = append(l.calls, RecordedCall{Action: action, Params: params, Meta: opts.Meta})
	l.mu.Unlock()

	start := time.Now()
	eventbus.Emit(l.bus, ctx, events.ActionCallStart{Action: action, Transport: "local"})
	var (
		res any
		err error
	)
	if h == nil {
		err = UnknownAction(action)
	} else {
		res, err = h(ctx, params, opts.Meta)
	}
	if te, ok := err.(*Error); ok && te.Ctx == nil {
		// handlers may return shared error values
		cp := *te
		cp.Ctx = &CallContext{Action: action, Params: params, Meta: opts.Meta, Target: "local"}
		err = &cp
	}
	finish := events.ActionCallFinish{Action: action, Transport: "local", Err: err, Duration: time.Since(start)}
	if err != nil {
		finish.Code = "ERROR"
	}
	eventbus.Emit(l.bus, ctx, finish)
	return res, err
}

// Calls returns a snapshot of recorded calls, optionally limited to action.
func (l *Local) Calls(action string) []RecordedCall {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []RecordedCall
	for _, c := range l.calls {
		if action == "" || c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (l *Local) Reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}
