package natstp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/pubsub"
)

// Publish sends an application event for tag. Payloads are JSON encoded.
func Publish(nc *nats.Conn, tag string, payload any, opts ...Option) error {
	o := newOptions(opts)
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := nc.Publish(o.eventSubject(tag), data); err != nil {
		return err
	}
	return nc.Flush()
}

// Feed delivers events published on NATS into a PubSub.
type Feed struct {
	sub *nats.Subscription
}

func NewFeed(nc *nats.Conn, ps *pubsub.PubSub, opts ...Option) (*Feed, error) {
	o := newOptions(opts)
	prefix := o.eventSubject("")
	sub, err := nc.Subscribe(o.eventsWildcard(), func(msg *nats.Msg) {
		tag := strings.TrimPrefix(msg.Subject, prefix)
		var payload any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			o.Logger.Warn("dropping undecodable event", zap.String("tag", tag), zap.Error(err))
			return
		}
		ps.Publish(context.Background(), tag, payload)
	})
	if err != nil {
		return nil, err
	}
	return &Feed{sub: sub}, nc.Flush()
}

func (f *Feed) Close() error { return f.sub.Unsubscribe() }

// SchemaUpdate is broadcast by Announcer after every rebuild.
type SchemaUpdate struct {
	Generation uint64 `json:"generation"`
	SDL        string `json:"sdl"`
}

// Announcer republishes schema updates from a bus onto NATS so peers and
// tooling can follow the composed schema.
type Announcer struct {
	unsubscribe func()
}

func NewAnnouncer(nc *nats.Conn, bus *eventbus.Bus, opts ...Option) *Announcer {
	o := newOptions(opts)
	unsub := eventbus.On(bus, func(_ context.Context, e events.SchemaUpdated) {
		data, err := json.Marshal(SchemaUpdate{Generation: e.Generation, SDL: e.SDL})
		if err == nil {
			err = nc.Publish(o.schemaSubject(), data)
		}
		if err != nil {
			o.Logger.Warn("schema announcement failed", zap.Uint64("generation", e.Generation), zap.Error(err))
		}
	})
	return &Announcer{unsubscribe: unsub}
}

func (a *Announcer) Close() { a.unsubscribe() }
