package jobstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	job, err := store.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)

	updated, err := store.Update(ctx, job.ID, Delta{
		Status:        StatusPtr(StatusProcessing),
		Progress:      Float64Ptr(42.5),
		ProcessedRows: IntPtr(100),
		TotalRows:     IntPtr(500),
		Message:       StringPtr("Processed 100/500 rows"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)
	assert.Equal(t, 42.5, updated.Progress)
	assert.Equal(t, 100, updated.ProcessedRows)
	assert.Equal(t, 500, updated.TotalRows)

	roundtrip, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Progress, roundtrip.Progress)
	assert.Equal(t, updated.Message, roundtrip.Message)
}

func TestRedisStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Update(ctx, "missing", Delta{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreProgressNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	job, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Update(ctx, job.ID, Delta{Progress: Float64Ptr(80)})
	require.NoError(t, err)
	got, err := store.Update(ctx, job.ID, Delta{Progress: Float64Ptr(20)})
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.Progress)
}

func TestRedisStoreSubscribeTerminalUpdateBeforeFirstRead(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := newTestRedisStore(t)

	job, err := store.Create(ctx)
	require.NoError(t, err)

	updates, err := store.Subscribe(ctx, job.ID)
	require.NoError(t, err)

	// The terminal update lands before the subscriber reads anything; it must
	// still be relayed and close the channel.
	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusCompleted), Progress: Float64Ptr(100)})
	require.NoError(t, err)

	var last Job
	for snapshot := range updates {
		last = snapshot
	}
	assert.Equal(t, StatusCompleted, last.Status)
}

func TestRedisStoreSubscribeTerminalJobClosesAfterSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := newTestRedisStore(t)

	job, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusFailed), Error: StringPtr("boom")})
	require.NoError(t, err)

	updates, err := store.Subscribe(ctx, job.ID)
	require.NoError(t, err)

	snapshot, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, StatusFailed, snapshot.Status)
	_, ok = <-updates
	assert.False(t, ok, "channel should close after terminal snapshot")
}

func TestRedisStoreSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := newTestRedisStore(t)

	job, err := store.Create(ctx)
	require.NoError(t, err)

	updates, err := store.Subscribe(ctx, job.ID)
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, StatusPending, first.Status)

	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusProcessing), Progress: Float64Ptr(50)})
	require.NoError(t, err)
	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusCompleted), Progress: Float64Ptr(100)})
	require.NoError(t, err)

	var last Job
	for snapshot := range updates {
		last = snapshot
	}
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 100.0, last.Progress)
}
