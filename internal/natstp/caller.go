package natstp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/transport"
)

type request struct {
	Params map[string]any `json:"params"`
	Meta   map[string]any `json:"meta,omitempty"`
}

type response struct {
	Result any              `json:"result,omitempty"`
	Error  *transport.Error `json:"error,omitempty"`
}

// Caller reaches actions with NATS request/reply.
type Caller struct {
	nc   *nats.Conn
	opts *Options
}

var _ transport.Caller = (*Caller)(nil)

func NewCaller(nc *nats.Conn, opts ...Option) *Caller {
	return &Caller{nc: nc, opts: newOptions(opts)}
}

func (c *Caller) Call(ctx context.Context, action string, params map[string]any, opts transport.CallOptions) (any, error) {
	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	data, err := json.Marshal(request{Params: params, Meta: opts.Meta})
	if err != nil {
		return nil, fmt.Errorf("natstp: encode params of %s: %w", action, err)
	}
	subject := c.opts.actionSubject(action)

	start := time.Now()
	eventbus.Emit(c.opts.Bus, ctx, events.ActionCallStart{Action: action, Transport: "nats", Target: subject})
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	var res response
	if err == nil {
		if uerr := json.Unmarshal(msg.Data, &res); uerr != nil {
			err = fmt.Errorf("natstp: decode reply of %s: %w", action, uerr)
		}
	}
	finish := events.ActionCallFinish{Action: action, Transport: "nats", Target: subject, Err: err, Duration: time.Since(start)}
	if err != nil {
		finish.Code = "ERROR"
	} else if res.Error != nil {
		finish.Code = res.Error.Type
		finish.Err = res.Error
	}
	eventbus.Emit(c.opts.Bus, ctx, finish)

	te := res.Error
	if err != nil {
		c.opts.Logger.Debug("nats request failed", zap.String("action", action), zap.Error(err))
		te = wireError(action, err)
	}
	if te != nil {
		te.Action = action
		te.Ctx = &transport.CallContext{Action: action, Params: params, Meta: opts.Meta, Target: subject}
		return nil, te
	}
	return res.Result, nil
}

func wireError(action string, err error) *transport.Error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return &transport.Error{Code: 404, Type: "SERVICE_NOT_AVAILABLE", Message: fmt.Sprintf("no responders for %s", action)}
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &transport.Error{Code: 504, Type: "REQUEST_TIMEOUT", Message: fmt.Sprintf("request to %s timed out", action)}
	case errors.Is(err, context.Canceled):
		return &transport.Error{Code: 499, Type: "REQUEST_CANCELLED", Message: err.Error()}
	case errors.Is(err, nats.ErrConnectionClosed):
		return &transport.Error{Code: 503, Type: "CONNECTION_CLOSED", Message: err.Error()}
	default:
		return &transport.Error{Code: 500, Type: "NATS_ERROR", Message: err.Error()}
	}
}
