package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const subscriptionSDL = `
type Query { a: String }
type Subscription { ticks(every: Int): Int other: Int }
`

func TestCreateSourceEventStream(t *testing.T) {
	s := buildSchema(t, subscriptionSDL)
	rt := newFakeRuntime(nil)
	ch := make(chan any, 2)
	rt.streams["Subscription.ticks"] = ch
	exec := NewExecutor(rt, s)

	stream, err := exec.CreateSourceEventStream(context.Background(),
		mustParseQuery(t, "subscription S($n: Int) { ticks(every: $n) }"), "S", map[string]any{"n": 2})
	require.NoError(t, err)
	ch <- 1
	close(ch)
	require.Equal(t, 1, <-stream)
	_, ok := <-stream
	require.False(t, ok)
}

func TestCreateSourceEventStreamRejects(t *testing.T) {
	s := buildSchema(t, subscriptionSDL)
	exec := NewExecutor(newFakeRuntime(nil), s)
	ctx := context.Background()

	cases := map[string]string{
		"query operation": "{ a }",
		"two root fields": "subscription { ticks other }",
		"unknown field":   "subscription { nope }",
		"no stream":       "subscription { other }",
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := exec.CreateSourceEventStream(ctx, mustParseQuery(t, q), "", nil)
			require.Error(t, err)
		})
	}

	_, err := exec.CreateSourceEventStream(ctx, mustParseQuery(t, "subscription { ticks }"), "Missing", nil)
	require.Error(t, err)
}
