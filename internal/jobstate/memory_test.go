package jobstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	updated, err := store.Update(ctx, job.ID, Delta{
		Status:   StatusPtr(StatusProcessing),
		Progress: Float64Ptr(25),
		Message:  StringPtr("working"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, updated.Status)
	assert.Equal(t, 25.0, updated.Progress)
	assert.Equal(t, "working", updated.Message)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Update(ctx, "missing", Delta{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreProgressNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job, err := store.Create(ctx)
	require.NoError(t, err)

	_, err = store.Update(ctx, job.ID, Delta{Progress: Float64Ptr(50)})
	require.NoError(t, err)
	got, err := store.Update(ctx, job.ID, Delta{Progress: Float64Ptr(30)})
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Progress)
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job, err := store.Create(ctx)
	require.NoError(t, err)

	updates, err := store.Subscribe(ctx, job.ID)
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, StatusPending, first.Status)

	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusProcessing), Progress: Float64Ptr(10)})
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

func TestMemoryStoreSlowSubscriberStillSeesTerminalSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job, err := store.Create(ctx)
	require.NoError(t, err)

	updates, err := store.Subscribe(ctx, job.ID)
	require.NoError(t, err)

	// Overflow the subscriber buffer without reading, then finish the job.
	for i := 0; i < 100; i++ {
		_, err = store.Update(ctx, job.ID, Delta{
			Status:        StatusPtr(StatusProcessing),
			ProcessedRows: IntPtr(i),
		})
		require.NoError(t, err)
	}
	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusCompleted), Progress: Float64Ptr(100)})
	require.NoError(t, err)

	var last Job
	for snapshot := range updates {
		last = snapshot
	}
	assert.Equal(t, StatusCompleted, last.Status, "terminal snapshot must survive buffer overflow")
}

func TestMemoryStoreSubscribeTerminalJobClosesImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Update(ctx, job.ID, Delta{Status: StatusPtr(StatusFailed), Error: StringPtr("boom")})
	require.NoError(t, err)

	updates, err := store.Subscribe(ctx, job.ID)
	require.NoError(t, err)

	select {
	case snapshot, ok := <-updates:
		require.True(t, ok)
		assert.Equal(t, StatusFailed, snapshot.Status)
	case <-time.After(time.Second):
		t.Fatal("expected immediate snapshot")
	}
	_, ok := <-updates
	assert.False(t, ok, "channel should close after terminal snapshot")
}
