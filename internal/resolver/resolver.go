package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/loader"
	"github.com/hanpama/meshgate/internal/params"
	"github.com/hanpama/meshgate/internal/pubsub"
	"github.com/hanpama/meshgate/internal/transport"
	"go.uber.org/zap"
)

// Request is the execution context of one operation. It is built per
// operation and handed to every resolver explicitly.
type Request struct {
	Meta    map[string]any
	Caller  transport.Caller
	Loaders *loader.Registry
	Events  pubsub.Source
	Logger  *zap.Logger
}

func (r *Request) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Request) call(ctx context.Context, action string, p map[string]any) (any, error) {
	if r.Caller == nil {
		return nil, errors.New("no caller configured")
	}
	return r.Caller.Call(ctx, action, p, transport.CallOptions{Meta: r.Meta})
}

// Pending is the second phase of a resolution. Resolvers register loader
// keys when invoked and return a Pending that is awaited once the loaders of
// the current tick have been dispatched.
type Pending func(ctx context.Context) (any, error)

// Func resolves a field of root with args.
type Func func(ctx context.Context, req *Request, root any, args map[string]any) Pending

// SubscribeFunc opens the event stream of a subscription field.
type SubscribeFunc func(ctx context.Context, req *Request, args map[string]any) (<-chan any, error)

// Resolver is the executable form of a Binding.
type Resolver struct {
	Binding   Binding
	Resolve   Func
	Subscribe SubscribeFunc
}

// Resolved returns a Pending that yields v and err.
func Resolved(v any, err error) Pending {
	return func(context.Context) (any, error) { return v, err }
}

// Project resolves a field by reading it from a map parent.
func Project(field string) Func {
	return func(_ context.Context, _ *Request, root any, _ map[string]any) Pending {
		return Resolved(projectField(root, field), nil)
	}
}

func projectField(source any, field string) any {
	if m, ok := source.(map[string]any); ok {
		return m[field]
	}
	return nil
}

// Synthesize builds the resolver of b. A batched binding without a root key
// is a composition error.
func Synthesize(b Binding) (*Resolver, error) {
	r := &Resolver{Binding: b}
	switch b.Kind {
	case KindDirect:
		if b.Direct.Action == "" {
			return nil, gwerrors.Compositionf("direct resolver without action")
		}
		r.Resolve = direct(b.Direct)
	case KindBatched:
		if b.Batched.Action == "" {
			return nil, gwerrors.Compositionf("batched resolver without action")
		}
		if b.Batched.RootKey == "" {
			return nil, gwerrors.Compositionf("batched resolver for %s declares no root key", b.Batched.Action)
		}
		r.Resolve = batched(b.Batched)
	case KindSubscription:
		if len(b.Subscription.Tags) == 0 {
			return nil, gwerrors.Compositionf("subscription resolver without tags")
		}
		r.Resolve = subscriptionResolve(b.Subscription)
		r.Subscribe = subscribe(b.Subscription)
	case KindPassthrough:
	default:
		return nil, gwerrors.Compositionf("unknown resolver kind %d", b.Kind)
	}
	return r, nil
}

// DirectParams builds the call parameters of a direct call. Mapped args win
// over the rest of args, which win over root values, then meta values, then
// static params.
func DirectParams(c *DirectCall, meta map[string]any, root any, args map[string]any) map[string]any {
	rest := make(map[string]any, len(args))
	moved := map[string]any{}
	for k, v := range args {
		if to, ok := c.ArgParams[k]; ok {
			params.Set(moved, to, v)
			continue
		}
		rest[k] = v
	}
	rootMap, _ := root.(map[string]any)
	return params.Merge(
		params.Layer{Name: "argParams", Values: moved},
		params.Layer{Name: "args", Values: rest},
		params.Layer{Name: "root", Values: params.Project(rootMap, c.RootParams)},
		params.Layer{Name: "meta", Values: params.Project(meta, c.MetaParams)},
		params.Layer{Name: "static", Values: c.Params},
	)
}

func direct(c *DirectCall) Func {
	return func(_ context.Context, req *Request, root any, args map[string]any) Pending {
		p := DirectParams(c, req.Meta, root, args)
		return func(ctx context.Context) (any, error) {
			res, err := req.call(ctx, c.Action, p)
			if err == nil {
				return res, nil
			}
			if c.NullIfError {
				req.logger().Debug("remote call failed, resolving to null",
					zap.String("action", c.Action), zap.Error(err))
				return nil, nil
			}
			return nil, &gwerrors.RemoteDispatchError{Action: c.Action, Cause: transport.Scrub(err)}
		}
	}
}

func batched(c *BatchedCall) Func {
	return func(_ context.Context, req *Request, root any, _ map[string]any) Pending {
		rootMap, _ := root.(map[string]any)
		key, ok := params.Get(rootMap, c.RootKey)
		if !ok || key == nil {
			return Resolved(nil, nil)
		}
		l := req.Loaders.Loader(c.Action)
		if l == nil {
			return Resolved(nil, fmt.Errorf("no loader for %s", c.Action))
		}
		keys, isList := key.([]any)
		if !isList {
			return l.Load(key).Wait
		}
		thunks := make([]*loader.Thunk, len(keys))
		for i, k := range keys {
			if k != nil {
				thunks[i] = l.Load(k)
			}
		}
		return func(ctx context.Context) (any, error) {
			out := make([]any, len(thunks))
			for i, th := range thunks {
				if th == nil {
					continue
				}
				v, err := th.Wait(ctx)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		}
	}
}

func payloadParams(args map[string]any, payload any) map[string]any {
	return params.Merge(
		params.Layer{Name: "payload", Values: map[string]any{"payload": payload}},
		params.Layer{Name: "args", Values: args},
	)
}

func subscriptionResolve(c *SubscriptionCall) Func {
	return func(_ context.Context, req *Request, payload any, args map[string]any) Pending {
		if c.Action == "" {
			return Resolved(payload, nil)
		}
		p := payloadParams(args, payload)
		return func(ctx context.Context) (any, error) {
			res, err := req.call(ctx, c.Action, p)
			if err != nil {
				return nil, &gwerrors.RemoteDispatchError{Action: c.Action, Cause: transport.Scrub(err)}
			}
			return res, nil
		}
	}
}

func subscribe(c *SubscriptionCall) SubscribeFunc {
	return func(ctx context.Context, req *Request, args map[string]any) (<-chan any, error) {
		if req.Events == nil {
			return nil, errors.New("subscriptions are not available")
		}
		src, err := req.Events.Subscribe(ctx, c.Tags)
		if err != nil {
			return nil, err
		}
		out := make(chan any)
		go func() {
			defer close(out)
			for e := range src {
				if c.Filter != "" && !accept(ctx, req, c.Filter, args, e.Payload) {
					continue
				}
				select {
				case out <- e.Payload:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

// accept runs the filter predicate. Undefined payloads and failed calls
// exclude the event.
func accept(ctx context.Context, req *Request, filter string, args map[string]any, payload any) bool {
	if payload == nil {
		return false
	}
	res, err := req.call(ctx, filter, payloadParams(args, payload))
	if err != nil {
		req.logger().Warn("subscription filter failed, event excluded",
			zap.Error(&gwerrors.FilterDispatchError{Action: filter, Cause: transport.Scrub(err)}))
		return false
	}
	return truthy(res)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
