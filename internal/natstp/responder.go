package natstp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hanpama/meshgate/internal/transport"
)

// Responder serves action handlers on their request subjects. Responders
// sharing a queue group split the load.
type Responder struct {
	nc   *nats.Conn
	opts *Options

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewResponder(nc *nats.Conn, opts ...Option) *Responder {
	return &Responder{nc: nc, opts: newOptions(opts)}
}

// Handle starts serving action. Handler failures reach the caller as
// transport.Error; other errors become code 500.
func (r *Responder) Handle(action string, h transport.Handler) error {
	sub, err := r.nc.QueueSubscribe(r.opts.actionSubject(action), r.opts.Queue, func(msg *nats.Msg) {
		r.serve(action, h, msg)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return r.nc.Flush()
}

func (r *Responder) serve(action string, h transport.Handler, msg *nats.Msg) {
	var req request
	var res response
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		res.Error = &transport.Error{Code: 400, Type: "BAD_REQUEST", Message: err.Error()}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
		out, err := h(ctx, req.Params, req.Meta)
		cancel()
		if err != nil {
			var te *transport.Error
			if !errors.As(err, &te) {
				te = &transport.Error{Code: 500, Message: err.Error()}
			}
			res.Error = te.Scrub()
		} else {
			res.Result = out
		}
	}
	data, err := json.Marshal(res)
	if err != nil {
		data, _ = json.Marshal(response{Error: &transport.Error{Code: 500, Type: "BAD_RESPONSE", Message: err.Error()}})
	}
	if err := msg.Respond(data); err != nil {
		r.opts.Logger.Warn("nats reply failed", zap.String("action", action), zap.Error(err))
	}
}

// Close stops serving every registered action.
func (r *Responder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.subs {
		errs = append(errs, s.Unsubscribe())
	}
	r.subs = nil
	return errors.Join(errs...)
}
