// Package metrics exports gateway events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
)

const namespace = "meshgate"

// Collector holds the gateway metrics and the registry serving them.
type Collector struct {
	registry *prometheus.Registry

	actionCalls    *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	batchKeys      *prometheus.HistogramVec
	operations     *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	rebuilds       *prometheus.CounterVec
	generation     prometheus.Gauge
	dropped        *prometheus.CounterVec

	unsubscribe []func()
}

// New registers the gateway metrics plus the Go runtime collectors on a
// fresh registry and starts listening on bus.
func New(bus *eventbus.Bus) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		actionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "action", Name: "calls_total",
			Help: "Remote action calls by action, transport and outcome.",
		}, []string{"action", "transport", "code"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "action", Name: "duration_seconds",
			Help:    "Remote action call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "transport"}),
		batchKeys: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loader", Name: "batch_keys",
			Help:    "Distinct keys per batched call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"action"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graphql", Name: "operations_total",
			Help: "Executed GraphQL operations by type and whether they produced errors.",
		}, []string{"type", "errors"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "graphql", Name: "duration_seconds",
			Help:    "GraphQL operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "schema", Name: "rebuilds_total",
			Help: "Schema rebuilds by result.",
		}, []string{"result"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "schema", Name: "generation",
			Help: "Generation of the schema currently served.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pubsub", Name: "dropped_total",
			Help: "Events dropped for slow subscribers.",
		}, []string{"tag"}),
	}
	c.registry.MustRegister(
		c.actionCalls, c.actionDuration, c.batchKeys,
		c.operations, c.opDuration, c.httpRequests,
		c.rebuilds, c.generation, c.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c.unsubscribe = []func(){
		eventbus.On(bus, func(_ context.Context, e events.ActionCallFinish) {
			code := e.Code
			if code == "" {
				code = "OK"
			}
			c.actionCalls.WithLabelValues(e.Action, e.Transport, code).Inc()
			c.actionDuration.WithLabelValues(e.Action, e.Transport).Observe(e.Duration.Seconds())
		}),
		eventbus.On(bus, func(_ context.Context, e events.BatchDispatched) {
			c.batchKeys.WithLabelValues(e.Action).Observe(float64(e.Keys))
		}),
		eventbus.On(bus, func(_ context.Context, e events.GraphQLFinish) {
			c.operations.WithLabelValues(e.OperationType, strconv.FormatBool(len(e.Errors) > 0)).Inc()
			c.opDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.On(bus, func(_ context.Context, e events.HTTPFinish) {
			c.httpRequests.WithLabelValues(e.Request.Method, strconv.Itoa(e.Status)).Inc()
		}),
		eventbus.On(bus, func(_ context.Context, e events.SchemaUpdated) {
			c.rebuilds.WithLabelValues("success").Inc()
			c.generation.Set(float64(e.Generation))
		}),
		eventbus.On(bus, func(_ context.Context, e events.SchemaRebuildFailed) {
			c.rebuilds.WithLabelValues("failure").Inc()
		}),
		eventbus.On(bus, func(_ context.Context, e events.SubscriptionDropped) {
			c.dropped.WithLabelValues(e.Tag).Inc()
		}),
	}
	return c
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Close stops listening on the bus.
func (c *Collector) Close() {
	for _, u := range c.unsubscribe {
		u()
	}
}
