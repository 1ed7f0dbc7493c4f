package pubsub

import (
	"context"
	"testing"
	"time"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishSubscribeByTag(t *testing.T) {
	ps := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	posts, err := ps.Subscribe(ctx, []string{"post.created", "post.deleted"})
	require.NoError(t, err)
	users, err := ps.Subscribe(ctx, []string{"user.created"})
	require.NoError(t, err)

	ps.Publish(ctx, "post.created", map[string]any{"id": 1})
	ps.Publish(ctx, "user.created", "u1")
	ps.Publish(ctx, "post.deleted", 2)

	require.Equal(t, Event{Tag: "post.created", Payload: map[string]any{"id": 1}}, recv(t, posts))
	require.Equal(t, Event{Tag: "post.deleted", Payload: 2}, recv(t, posts))
	require.Equal(t, Event{Tag: "user.created", Payload: "u1"}, recv(t, users))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	ps := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := ps.Subscribe(ctx, []string{"t"})
	require.NoError(t, err)
	require.Equal(t, 1, ps.Subscribers("t"))

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	require.Eventually(t, func() bool { return ps.Subscribers("t") == 0 }, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := eventbus.New()
	dropped := 0
	eventbus.On(bus, func(context.Context, events.SubscriptionDropped) { dropped++ })

	ps := New(WithBuffer(2), WithBus(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := ps.Subscribe(ctx, []string{"t"})
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		ps.Publish(ctx, "t", i)
	}
	require.Equal(t, 3, recv(t, ch).Payload)
	require.Equal(t, 4, recv(t, ch).Payload)
	require.Equal(t, 2, dropped)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	ps := New()
	ch, err := ps.Subscribe(context.Background(), []string{"t"})
	require.NoError(t, err)
	ps.Close()
	_, ok := <-ch
	require.False(t, ok)

	_, err = ps.Subscribe(context.Background(), []string{"t"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestBridgeRoutesPublishedEvents(t *testing.T) {
	bus := eventbus.New()
	ps := New()
	br := NewBridge(bus, ps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := ps.Subscribe(ctx, []string{"greeting"})
	require.NoError(t, err)

	eventbus.Emit(bus, ctx, events.Published{Tag: "greeting", Payload: "hello"})
	require.Equal(t, "hello", recv(t, ch).Payload)

	br.Close()
	eventbus.Emit(bus, ctx, events.Published{Tag: "greeting", Payload: "ignored"})
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
