// Package gateway executes GraphQL operations against the current schema
// generation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/meshgate/internal/eventbus"
	"github.com/hanpama/meshgate/internal/events"
	executor "github.com/hanpama/meshgate/internal/executor"
	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/introspection"
	language "github.com/hanpama/meshgate/internal/language"
	"github.com/hanpama/meshgate/internal/lifecycle"
	"github.com/hanpama/meshgate/internal/loader"
	"github.com/hanpama/meshgate/internal/pubsub"
	"github.com/hanpama/meshgate/internal/resolver"
	"github.com/hanpama/meshgate/internal/transport"
)

// CodeValidation marks errors of operations rejected before execution.
const CodeValidation = "GRAPHQL_VALIDATION_FAILED"

// ErrNotSubscription is returned by Subscribe for queries and mutations.
var ErrNotSubscription = errors.New("operation is not a subscription")

// Request is one GraphQL operation. Meta is the per-request bag forwarded to
// actions, typically filled from HTTP headers.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Meta          map[string]any
}

type options struct {
	logger            *zap.Logger
	bus               *eventbus.Bus
	events            pubsub.Source
	loaderConcurrency int
}

// Option configures a Gateway.
type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithBus sets the bus receiving operation and batch events.
func WithBus(b *eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithEvents sets the pub/sub source subscription fields listen on.
func WithEvents(s pubsub.Source) Option { return func(o *options) { o.events = s } }

// WithLoaderConcurrency bounds the batched calls dispatched per tick.
func WithLoaderConcurrency(n int) Option { return func(o *options) { o.loaderConcurrency = n } }

// Gateway is safe for concurrent use.
type Gateway struct {
	schemas *lifecycle.Manager
	caller  transport.Caller
	opts    options

	mu       sync.Mutex
	prepared *prepared
}

// prepared caches the introspection-extended schema of one generation.
type prepared struct {
	gen   *lifecycle.Generation
	intro *introspection.Runtime
}

func New(schemas *lifecycle.Manager, caller transport.Caller, opts ...Option) *Gateway {
	o := options{logger: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Gateway{schemas: schemas, caller: caller, opts: o}
}

// Check reports whether a schema can be served, rebuilding it if stale.
func (g *Gateway) Check(ctx context.Context) error { return g.schemas.Check(ctx) }

// Execute runs a query or mutation. Failures to obtain a schema or to
// validate the operation are reported as top-level errors without data.
func (g *Gateway) Execute(ctx context.Context, req Request) *executor.ExecutionResult {
	start := time.Now()
	gen, err := g.schemas.Current(ctx)
	if err != nil {
		g.opts.logger.Warn("no schema to execute against", zap.Error(err))
		return errorResult(err)
	}
	doc, op, res := g.parse(gen, req)
	if res != nil {
		return res
	}
	if op.Operation == language.Subscription {
		return errorResult(fmt.Errorf("%w: use a subscription transport", ErrNotSubscription))
	}

	eventbus.Emit(g.opts.bus, ctx, events.GraphQLStart{
		Query: req.Query, OperationName: req.OperationName, OperationType: string(op.Operation), Generation: gen.Generation,
	})
	result := g.executor(gen, req).ExecuteRequest(ctx, doc, req.OperationName, req.Variables, nil)
	g.finish(ctx, req, string(op.Operation), gen, result, start)
	return result
}

// Subscribe starts a subscription. Every source event is executed as the
// root value of the operation with fresh loaders. The channel closes when
// ctx ends, the event stream ends or the schema generation is torn down.
func (g *Gateway) Subscribe(ctx context.Context, req Request) (<-chan *executor.ExecutionResult, error) {
	gen, err := g.schemas.Current(ctx)
	if err != nil {
		return nil, err
	}
	doc, op, res := g.parse(gen, req)
	if res != nil {
		return nil, validationError(res)
	}
	if op.Operation != language.Subscription {
		return nil, ErrNotSubscription
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(gen.Context(), cancel)
	stream, err := g.executor(gen, req).CreateSourceEventStream(ctx, doc, req.OperationName, req.Variables)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}

	out := make(chan *executor.ExecutionResult)
	go func() {
		defer close(out)
		defer cancel()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				start := time.Now()
				result := g.executor(gen, req).ExecuteRequest(ctx, doc, req.OperationName, req.Variables, ev)
				g.finish(ctx, req, string(op.Operation), gen, result, start)
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (g *Gateway) parse(gen *lifecycle.Generation, req Request) (*language.QueryDocument, *language.OperationDefinition, *executor.ExecutionResult) {
	doc, errs := language.LoadQuery(gen.AST, req.Query)
	if len(errs) > 0 {
		res := &executor.ExecutionResult{}
		for _, e := range errs {
			ge := executor.GraphQLError{Message: e.Message, Extensions: map[string]any{"code": CodeValidation}}
			for _, l := range e.Locations {
				ge.Locations = append(ge.Locations, executor.Location{Line: l.Line, Column: l.Column})
			}
			res.Errors = append(res.Errors, ge)
		}
		return nil, nil, res
	}
	op := operation(doc, req.OperationName)
	if op == nil {
		return nil, nil, errorResult(fmt.Errorf("unknown operation %q", req.OperationName))
	}
	return doc, op, nil
}

// executor builds the per-operation runtime: request meta, a fresh loader
// registry and the introspection wrapper of the generation.
func (g *Gateway) executor(gen *lifecycle.Generation, req Request) *executor.Executor {
	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	r := &resolver.Request{
		Meta:   meta,
		Caller: g.caller,
		Loaders: loader.NewRegistry(gen.BatchSpecs, g.caller, meta,
			loader.WithBus(g.opts.bus), loader.WithConcurrency(g.opts.loaderConcurrency)),
		Events: g.opts.events,
		Logger: g.opts.logger,
	}
	intro := g.introspection(gen)
	rt := intro.With(resolver.NewRuntime(gen.Schema, gen.Resolvers, r))
	return executor.NewExecutor(rt, rt.Schema())
}

func (g *Gateway) introspection(gen *lifecycle.Generation) *introspection.Runtime {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prepared == nil || g.prepared.gen != gen {
		g.prepared = &prepared{gen: gen, intro: introspection.Wrap(nil, gen.Schema)}
	}
	return g.prepared.intro
}

func (g *Gateway) finish(ctx context.Context, req Request, opType string, gen *lifecycle.Generation, res *executor.ExecutionResult, start time.Time) {
	var errs []error
	for _, e := range res.Errors {
		errs = append(errs, e)
	}
	d := time.Since(start)
	if len(errs) > 0 {
		g.opts.logger.Debug("operation finished with errors",
			zap.String("operation", req.OperationName), zap.Int("errors", len(errs)), zap.Duration("duration", d))
	}
	eventbus.Emit(g.opts.bus, ctx, events.GraphQLFinish{
		Query: req.Query, OperationName: req.OperationName, OperationType: opType,
		Generation: gen.Generation, Errors: errs, Duration: d,
	})
}

func operation(doc *language.QueryDocument, name string) *language.OperationDefinition {
	if name == "" && len(doc.Operations) == 1 {
		return doc.Operations[0]
	}
	for _, op := range doc.Operations {
		if op.Name == name {
			return op
		}
	}
	return nil
}

func errorResult(err error) *executor.ExecutionResult {
	ge := executor.GraphQLError{Message: err.Error()}
	if code := gwerrors.CodeOf(err); code != "" {
		ge.Extensions = map[string]any{"code": code}
	}
	return &executor.ExecutionResult{Errors: []executor.GraphQLError{ge}}
}

// ValidationError carries the errors of an operation rejected before it
// started.
type ValidationError struct {
	Errors []executor.GraphQLError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid operation"
	}
	return e.Errors[0].Message
}

func validationError(res *executor.ExecutionResult) error {
	return &ValidationError{Errors: res.Errors}
}
