// Package natstp connects the gateway to a NATS cluster. Actions are
// reached with request/reply, services announce themselves on a shared
// subject and application events are fed into the subscription stream.
//
// Subjects, for the default prefix "meshgate":
//
//	meshgate.action.<action>   request/reply action calls
//	meshgate.services          service announcements
//	meshgate.schema            schema updates published by gateways
//	meshgate.events.<tag>      pub/sub events
package natstp

import (
	"time"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
)

const (
	// DefaultPrefix is the subject namespace used when none is configured.
	DefaultPrefix = "meshgate"
	// DefaultQueue load balances action requests across responders.
	DefaultQueue = "meshgate"
)

// Options configures every natstp component.
type Options struct {
	Prefix  string
	Queue   string
	Timeout time.Duration
	Bus     *eventbus.Bus
	Logger  *zap.Logger
}

type Option func(*Options)

func WithPrefix(p string) Option         { return func(o *Options) { o.Prefix = p } }
func WithQueue(q string) Option          { return func(o *Options) { o.Queue = q } }
func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithBus(b *eventbus.Bus) Option     { return func(o *Options) { o.Bus = b } }
func WithLogger(l *zap.Logger) Option    { return func(o *Options) { o.Logger = l } }

func newOptions(opts []Option) *Options {
	o := &Options{Prefix: DefaultPrefix, Queue: DefaultQueue, Timeout: 3 * time.Second, Logger: zap.NewNop()}
	for _, f := range opts {
		f(o)
	}
	return o
}

func (o *Options) actionSubject(action string) string { return o.Prefix + ".action." + action }
func (o *Options) servicesSubject() string            { return o.Prefix + ".services" }
func (o *Options) schemaSubject() string              { return o.Prefix + ".schema" }
func (o *Options) eventSubject(tag string) string     { return o.Prefix + ".events." + tag }
func (o *Options) eventsWildcard() string             { return o.Prefix + ".events.>" }
