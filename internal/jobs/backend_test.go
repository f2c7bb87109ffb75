package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackend_PriorityThenFIFO(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()
	require.NoError(t, b.Push(ctx, "a", PriorityNormal))
	require.NoError(t, b.Push(ctx, "b", PriorityHigh))
	require.NoError(t, b.Push(ctx, "c", PriorityNormal))
	require.NoError(t, b.Push(ctx, "d", PriorityHigh))
	assert.Equal(t, 4, b.Len())

	var got []string
	for range 4 {
		id, err := b.Pop(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
	assert.Zero(t, b.Len())
}

func TestLocalBackend_PopWaits(t *testing.T) {
	b := NewLocalBackend()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Push(context.Background(), "late", PriorityNormal)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := b.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", id)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = b.Pop(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalBackend_AcquireRelease(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	ok, err := b.Acquire(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = b.Acquire(ctx, "job-1")
	assert.False(t, ok)
	ok, _ = b.Acquire(ctx, "job-2")
	assert.True(t, ok)

	held, err := b.Held(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, b.Release(ctx, "job-1"))
	held, _ = b.Held(ctx, "job-1")
	assert.False(t, held)
	ok, _ = b.Acquire(ctx, "job-1")
	assert.True(t, ok)
}
