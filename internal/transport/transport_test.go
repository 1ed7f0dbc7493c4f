package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCall(t *testing.T) {
	bus := eventbus.New()
	var finished []events.ActionCallFinish
	eventbus.On(bus, func(_ context.Context, e events.ActionCallFinish) { finished = append(finished, e) })

	l := NewLocal(bus).HandleValue("greeter.hello", "hi")
	res, err := l.Call(context.Background(), "greeter.hello", map[string]any{"a": 1}, CallOptions{Meta: map[string]any{"user": "u1"}})
	require.NoError(t, err)
	require.Equal(t, "hi", res)

	calls := l.Calls("greeter.hello")
	require.Len(t, calls, 1)
	require.Equal(t, map[string]any{"a": 1}, calls[0].Params)
	require.Equal(t, map[string]any{"user": "u1"}, calls[0].Meta)
	require.Len(t, finished, 1)
	require.Equal(t, "greeter.hello", finished[0].Action)
	require.Empty(t, finished[0].Code)
}

func TestLocalUnknownAction(t *testing.T) {
	l := NewLocal(nil)
	_, err := l.Call(context.Background(), "missing.action", nil, CallOptions{})
	var te *Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, "SERVICE_NOT_FOUND", te.Type)
	require.NotNil(t, te.Ctx)
	require.Equal(t, "missing.action", te.Ctx.Action)
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestErrorIsUnknownAction(t *testing.T) {
	require.ErrorIs(t, UnknownAction("a.b"), ErrUnknownAction)
	require.NotErrorIs(t, &Error{Code: 409, Type: "CONFLICT"}, ErrUnknownAction)
	require.ErrorIs(t, fmt.Errorf("resolve: %w", UnknownAction("a.b")), ErrUnknownAction)
}

func TestLocalCallDoesNotMutateSharedError(t *testing.T) {
	shared := &Error{Code: 409, Type: "CONFLICT", Message: "taken"}
	l := NewLocal(nil).Handle("users.create", func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, shared
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Call(context.Background(), "users.create", map[string]any{"n": i}, CallOptions{})
			var te *Error
			if assert.True(t, errors.As(err, &te)) {
				assert.NotSame(t, shared, te)
				assert.Equal(t, map[string]any{"n": i}, te.Ctx.Params)
			}
		}(i)
	}
	wg.Wait()
	require.Nil(t, shared.Ctx)
}

func TestScrub(t *testing.T) {
	orig := &Error{Message: "boom", Ctx: &CallContext{Action: "a.b"}}
	scrubbed := Scrub(orig)
	var te *Error
	require.True(t, errors.As(scrubbed, &te))
	require.Nil(t, te.Ctx)
	require.Equal(t, "boom", te.Message)
	require.NotNil(t, orig.Ctx)

	plain := errors.New("plain")
	require.Same(t, plain, Scrub(plain))
}
