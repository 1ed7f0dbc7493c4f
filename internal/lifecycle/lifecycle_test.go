package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/meshgate/internal/composer"
	"github.com/hanpama/meshgate/internal/eventbus"
	"github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/service"
)

type fakeSource struct {
	mu       sync.Mutex
	services []service.Descriptor
	err      error
	calls    atomic.Int32
	gate     chan struct{}
}

func (s *fakeSource) Services(ctx context.Context) ([]service.Descriptor, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services, s.err
}

func (s *fakeSource) set(svcs ...service.Descriptor) {
	s.mu.Lock()
	s.services = svcs
	s.mu.Unlock()
}

func greeter(decl string) service.Descriptor {
	return service.Descriptor{
		Name: "greeter",
		Actions: []service.Action{{
			Name:    "hello",
			GraphQL: &service.ActionBinding{Query: []string{decl}},
		}},
	}
}

func TestCurrentBuildsOnceForConcurrentDemand(t *testing.T) {
	src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}, gate: make(chan struct{})}
	m := New(src)
	require.Equal(t, Stale, m.State())

	const demanders = 16
	results := make([]*Generation, demanders)
	var wg sync.WaitGroup
	for i := 0; i < demanders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.Current(context.Background())
			if err == nil {
				results[i] = g
			}
		}(i)
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(src.gate)
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
	require.Equal(t, Ready, m.State())
	for _, g := range results {
		require.NotNil(t, g)
		require.Same(t, results[0], g)
	}
	require.Equal(t, uint64(1), results[0].Generation)
}

func TestServicesChangedTriggersRebuild(t *testing.T) {
	bus := eventbus.New()
	var updates []events.SchemaUpdated
	eventbus.On(bus, func(_ context.Context, e events.SchemaUpdated) { updates = append(updates, e) })

	src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}}
	m := New(src, WithBus(bus))
	defer m.Close()

	first, err := m.Current(context.Background())
	require.NoError(t, err)
	again, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, int32(1), src.calls.Load())

	src.set(greeter("hello(name: String): String"))
	eventbus.Emit(bus, context.Background(), events.ServicesChanged{Reason: "test"})
	require.Equal(t, Stale, m.State())

	second, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Generation)
	require.NotNil(t, second.Schema.Field("Query", "hello").Argument("name"))
	require.Error(t, first.Context().Err(), "previous generation is torn down")
	require.NoError(t, second.Context().Err())

	require.Len(t, updates, 2)
	require.Equal(t, uint64(1), updates[0].Generation)
	require.Equal(t, uint64(2), updates[1].Generation)
	require.Contains(t, updates[1].SDL, "hello(name: String): String")
}

func TestServicesChangedWithSameServicesRebuildsOnce(t *testing.T) {
	bus := eventbus.New()
	src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}}
	m := New(src, WithBus(bus))
	defer m.Close()

	first, err := m.Current(context.Background())
	require.NoError(t, err)

	eventbus.Emit(bus, context.Background(), events.ServicesChanged{Reason: "heartbeat"})
	require.Equal(t, Stale, m.State())

	second, err := m.Current(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, uint64(2), second.Generation)
	require.Equal(t, first.SDL, second.SDL)

	third, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Same(t, second, third)
	require.Equal(t, int32(2), src.calls.Load())
	require.Equal(t, Ready, m.State())
}

func TestInvalidateDuringRebuildKeepsStale(t *testing.T) {
	src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}, gate: make(chan struct{})}
	m := New(src)
	defer m.Close()

	done := make(chan *Generation, 1)
	errs := make(chan error, 1)
	go func() {
		g, err := m.Current(context.Background())
		errs <- err
		done <- g
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	m.Invalidate()
	close(src.gate)

	require.NoError(t, <-errs)
	first := <-done
	require.Equal(t, uint64(1), first.Generation)
	require.Equal(t, Stale, m.State(), "an invalidation during the flight leaves the schema stale")

	second, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Generation)
	require.Equal(t, Ready, m.State())

	third, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Same(t, second, third)
	require.Equal(t, int32(2), src.calls.Load())
}

func TestRebuildFailureKeepsStale(t *testing.T) {
	bus := eventbus.New()
	var failed []events.SchemaRebuildFailed
	eventbus.On(bus, func(_ context.Context, e events.SchemaRebuildFailed) { failed = append(failed, e) })

	src := &fakeSource{services: []service.Descriptor{greeter("hello: Missing")}}
	m := New(src, WithBus(bus))

	_, err := m.Current(context.Background())
	require.True(t, gwerrors.IsComposition(err))
	require.Equal(t, Stale, m.State())
	require.Len(t, failed, 1)
	require.Equal(t, err, m.LastError())

	src.set()
	err = m.Check(context.Background())
	require.True(t, errors.Is(err, composer.ErrEmptySchema))

	src.set(greeter("hello: String"))
	require.NoError(t, m.Check(context.Background()))
	require.Equal(t, Ready, m.State())
	require.NoError(t, m.LastError())
}

func TestSourceErrorIsReported(t *testing.T) {
	boom := errors.New("registry unreachable")
	m := New(&fakeSource{err: boom})
	_, err := m.Current(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestStaleFallback(t *testing.T) {
	for _, fallback := range []bool{true, false} {
		src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}}
		m := New(src, WithStaleFallback(fallback))

		first, err := m.Current(context.Background())
		require.NoError(t, err)

		src.set(greeter("hello: Missing"))
		m.Invalidate()

		g, err := m.Current(context.Background())
		if fallback {
			require.NoError(t, err)
			require.Same(t, first, g)
			require.NoError(t, first.Context().Err())
			require.Error(t, m.Check(context.Background()))
		} else {
			require.Error(t, err)
			require.Nil(t, g)
			require.Error(t, first.Context().Err())
			require.Nil(t, m.Generation())
		}
		require.Equal(t, Stale, m.State())
	}
}

func TestCloseTearsDown(t *testing.T) {
	bus := eventbus.New()
	src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}}
	m := New(src, WithBus(bus))

	g, err := m.Current(context.Background())
	require.NoError(t, err)
	m.Close()

	require.Error(t, g.Context().Err())
	_, err = m.Current(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// no longer subscribed
	eventbus.Emit(bus, context.Background(), events.ServicesChanged{})
	require.Equal(t, int32(1), src.calls.Load())
}

func TestCurrentHonorsCallerContext(t *testing.T) {
	src := &fakeSource{services: []service.Descriptor{greeter("hello: String")}, gate: make(chan struct{})}
	m := New(src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Current(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(src.gate)
	g, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), g.Generation)
}
