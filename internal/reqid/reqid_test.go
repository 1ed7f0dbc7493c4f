package reqid

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx, id := NewContext(context.Background())
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, got)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}

func TestWithID(t *testing.T) {
	ctx, id := WithID(context.Background(), "abc")
	require.Equal(t, "abc", id)
	got, _ := FromContext(ctx)
	require.Equal(t, "abc", got)

	_, id = WithID(context.Background(), "")
	require.NotEmpty(t, id)
}
