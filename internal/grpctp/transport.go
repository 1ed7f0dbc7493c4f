// Package grpctp reaches remote actions over gRPC. Every action is a unary
// method "/<service>/<action>" taking a Struct request {params, meta} and
// returning a Value, so no service needs generated stubs.
package grpctp

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/transport"
)

const actionHeader = "x-meshgate-action"

// Transport is a gRPC transport.Caller with connection pooling and deadline
// propagation. It integrates with an EndpointProvider for service discovery.
type Transport struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

var _ transport.Caller = (*Transport)(nil)

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Transport{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

// SplitAction separates "v2.posts.list" into the service "v2.posts" and the
// method "list".
func SplitAction(action string) (service, method string, err error) {
	i := strings.LastIndex(action, ".")
	if i <= 0 || i == len(action)-1 {
		return "", "", fmt.Errorf("grpctp: malformed action %q", action)
	}
	return action[:i], action[i+1:], nil
}

// Call invokes action on one endpoint of its service. Remote failures are
// returned as *transport.Error.
func (t *Transport) Call(ctx context.Context, action string, params map[string]any, opts transport.CallOptions) (any, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, fmt.Errorf("grpctp: provider not configured")
	}
	service, method, err := SplitAction(action)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, actionHeader, action)

	endpoints, err := t.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	endpoint := endpoints[rand.Intn(len(endpoints))]

	req, err := structpb.NewStruct(map[string]any{"params": params, "meta": opts.Meta})
	if err != nil {
		return nil, fmt.Errorf("grpctp: encode params of %s: %w", action, err)
	}

	cc, err := t.getConn(ctx, endpoint)
	if err != nil {
		t.opts.Logger.Warn("grpc dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	defer t.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Emit(t.opts.Bus, ctx, events.ActionCallStart{Action: action, Transport: "grpc", Target: endpoint})
	resp := &structpb.Value{}
	err = cc.Invoke(ctx, "/"+service+"/"+method, req, resp)
	finish := events.ActionCallFinish{Action: action, Transport: "grpc", Target: endpoint, Err: err, Duration: time.Since(start)}
	if err != nil {
		finish.Code = status.Code(err).String()
	}
	eventbus.Emit(t.opts.Bus, ctx, finish)

	if err != nil {
		te := fromStatus(action, err)
		te.Ctx = &transport.CallContext{Action: action, Params: params, Meta: opts.Meta, Target: endpoint}
		return nil, te
	}
	return resp.AsInterface(), nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

// ---------------- internals ----------------

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get(ctx context.Context) (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("grpctp: pool closed")
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.DialContext(ctx, p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if p.closed.Load() {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (t *Transport) getConn(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get(ctx)
}

func (t *Transport) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
