package loader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/transport"
	"github.com/stretchr/testify/require"
)

func booksByAuthor(t *testing.T) *transport.Local {
	t.Helper()
	return transport.NewLocal(nil).Handle("books.byAuthor", func(_ context.Context, p map[string]any, _ map[string]any) (any, error) {
		ids := p["authorIDs"].([]any)
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = []any{map[string]any{"title": "book of " + id.(string)}}
		}
		return out, nil
	})
}

func newTestRegistry(caller transport.Caller, meta map[string]any) *Registry {
	return NewRegistry(map[string]Spec{
		"books.byAuthor": {
			BatchParam: "authorIDs",
			Params:     map[string]any{"limit": 10},
			MetaParams: map[string]string{"tenant": "tenantID"},
		},
	}, caller, meta)
}

func TestLoaderDeduplicatesKeysWithinTick(t *testing.T) {
	caller := booksByAuthor(t)
	reg := newTestRegistry(caller, map[string]any{"tenant": "acme"})
	l := reg.Loader("books.byAuthor")
	require.NotNil(t, l)

	thunks := []*Thunk{l.Load("a1"), l.Load("a1"), l.Load("a1"), l.Load("a2")}
	require.Same(t, thunks[0], thunks[1])
	require.True(t, reg.Pending())

	reg.Dispatch(context.Background())
	require.False(t, reg.Pending())

	calls := caller.Calls("books.byAuthor")
	require.Len(t, calls, 1)
	require.Equal(t, map[string]any{
		"authorIDs": []any{"a1", "a2"},
		"limit":     10,
		"tenantID":  "acme",
	}, calls[0].Params)

	for _, th := range thunks[:3] {
		v, err := th.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, []any{map[string]any{"title": "book of a1"}}, v)
	}
}

func TestLoaderSharesResultsAcrossTicks(t *testing.T) {
	caller := booksByAuthor(t)
	reg := newTestRegistry(caller, nil)
	l := reg.Loader("books.byAuthor")

	first := l.Load("a1")
	reg.Dispatch(context.Background())
	second := l.Load("a1")
	require.Same(t, first, second)
	require.False(t, reg.Pending())

	third := l.Load("a3")
	reg.Dispatch(context.Background())
	_, err := third.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, caller.Calls(""), 2)
}

func TestLoaderBatchFailureFailsEveryKey(t *testing.T) {
	boom := errors.New("boom")
	caller := transport.NewLocal(nil).Handle("books.byAuthor", func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, boom
	})
	reg := newTestRegistry(caller, nil)
	l := reg.Loader("books.byAuthor")
	a, b := l.Load("a1"), l.Load("a2")
	reg.Dispatch(context.Background())

	_, errA := a.Wait(context.Background())
	_, errB := b.Wait(context.Background())
	var berr *gwerrors.BatchDispatchError
	require.ErrorAs(t, errA, &berr)
	require.Equal(t, 2, berr.Keys)
	require.ErrorIs(t, errA, boom)
	require.Same(t, errA, errB)
}

func TestLoaderShortResult(t *testing.T) {
	caller := transport.NewLocal(nil).HandleValue("books.byAuthor", []any{"only-one"})
	reg := newTestRegistry(caller, nil)
	l := reg.Loader("books.byAuthor")
	a, b := l.Load("a1"), l.Load("a2")
	reg.Dispatch(context.Background())

	v, err := a.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "only-one", v)
	_, err = b.Wait(context.Background())
	require.Error(t, err)
}

func TestLoaderNonListResult(t *testing.T) {
	caller := transport.NewLocal(nil).HandleValue("books.byAuthor", "nope")
	reg := newTestRegistry(caller, nil)
	th := reg.Loader("books.byAuthor").Load("a1")
	reg.Dispatch(context.Background())
	_, err := th.Wait(context.Background())
	require.Error(t, err)
}

func TestRegistryDispatchesLoadersConcurrently(t *testing.T) {
	var mu sync.Mutex
	started := 0
	release := make(chan struct{})
	handler := func(context.Context, map[string]any, map[string]any) (any, error) {
		mu.Lock()
		started++
		if started == 2 {
			close(release)
		}
		mu.Unlock()
		<-release
		return []any{1}, nil
	}
	caller := transport.NewLocal(nil).Handle("a.load", handler).Handle("b.load", handler)
	reg := NewRegistry(map[string]Spec{
		"a.load": {BatchParam: "ids"},
		"b.load": {BatchParam: "ids"},
	}, caller, nil)
	ta := reg.Loader("a.load").Load(1)
	tb := reg.Loader("b.load").Load(1)
	reg.Dispatch(context.Background())

	<-ta.Done()
	<-tb.Done()
}

func TestRegistryUnknownLoader(t *testing.T) {
	reg := NewRegistry(nil, transport.NewLocal(nil), nil)
	require.Nil(t, reg.Loader("missing"))
	var nilReg *Registry
	require.Nil(t, nilReg.Loader("missing"))
	nilReg.Dispatch(context.Background())
}

func TestThunkWaitHonoursContext(t *testing.T) {
	th := newThunk()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := th.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
