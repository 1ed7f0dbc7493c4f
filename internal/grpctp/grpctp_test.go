package grpctp

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/transport"
)

func startServer(t *testing.T, srv *Server) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(srv.ServerOption())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis
}

func newClient(t *testing.T, lis *bufconn.Listener, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{
		WithProvider(NewStaticEndpoints(map[string][]string{"greeter": {"bufnet"}})),
		WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
	}, opts...)
	tp := New(opts...)
	t.Cleanup(func() { _ = tp.Close() })
	return tp
}

func TestCallRoundTrip(t *testing.T) {
	srv := NewServer().Handle("greeter.hello", func(_ context.Context, params, meta map[string]any) (any, error) {
		return map[string]any{
			"greeting": "hi " + params["name"].(string),
			"user":     meta["user"],
			"tags":     []any{"a", "b"},
		}, nil
	})
	bus := eventbus.New()
	var finished []events.ActionCallFinish
	eventbus.On(bus, func(_ context.Context, e events.ActionCallFinish) { finished = append(finished, e) })
	tp := newClient(t, startServer(t, srv), WithBus(bus))

	for i := 0; i < 3; i++ {
		res, err := tp.Call(context.Background(), "greeter.hello",
			map[string]any{"name": "ann"}, transport.CallOptions{Meta: map[string]any{"user": "u1"}})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"greeting": "hi ann", "user": "u1", "tags": []any{"a", "b"}}, res)
	}
	require.Len(t, finished, 3)
	require.Equal(t, "grpc", finished[0].Transport)
	require.Equal(t, "bufnet", finished[0].Target)
	require.Empty(t, finished[0].Code)
}

func TestCallRemoteError(t *testing.T) {
	srv := NewServer().Handle("greeter.fail", func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, &transport.Error{Code: 409, Type: "CONFLICT", Message: "taken", Data: map[string]any{"field": "name"}}
	})
	tp := newClient(t, startServer(t, srv))

	_, err := tp.Call(context.Background(), "greeter.fail", map[string]any{"x": 1}, transport.CallOptions{})
	var te *transport.Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, "greeter.fail", te.Action)
	require.Equal(t, 409, te.Code)
	require.Equal(t, "CONFLICT", te.Type)
	require.Equal(t, "taken", te.Message)
	require.Equal(t, map[string]any{"field": "name"}, te.Data)
	require.NotNil(t, te.Ctx)
	require.Equal(t, "bufnet", te.Ctx.Target)

	_, err = tp.Call(context.Background(), "greeter.missing", nil, transport.CallOptions{})
	require.True(t, errors.As(err, &te))
	require.Equal(t, 404, te.Code)
	require.Equal(t, "SERVICE_NOT_FOUND", te.Type)
	require.ErrorIs(t, err, transport.ErrUnknownAction)

	srv.Handle("greeter.plain", func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	})
	_, err = tp.Call(context.Background(), "greeter.plain", nil, transport.CallOptions{})
	require.True(t, errors.As(err, &te))
	require.Equal(t, 500, te.Code)
	require.Equal(t, "Unknown", te.Type)
	require.Equal(t, "disk full", te.Message)
}

func TestCallRouting(t *testing.T) {
	tp := newClient(t, startServer(t, NewServer()))

	_, err := tp.Call(context.Background(), "posts.list", nil, transport.CallOptions{})
	require.ErrorIs(t, err, ErrNoEndpoints)

	_, err = tp.Call(context.Background(), "nodots", nil, transport.CallOptions{})
	require.Error(t, err)

	require.NoError(t, tp.Close())
	_, err = tp.Call(context.Background(), "greeter.hello", nil, transport.CallOptions{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestSplitAction(t *testing.T) {
	svc, m, err := SplitAction("v2.posts.list")
	require.NoError(t, err)
	require.Equal(t, "v2.posts", svc)
	require.Equal(t, "list", m)

	for _, bad := range []string{"", "list", ".list", "posts."} {
		_, _, err := SplitAction(bad)
		require.Error(t, err, bad)
	}
}
