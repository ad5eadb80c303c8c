package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"queuesync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyCache wraps a MemoryCache and fails every call while broken.
type flakyCache struct {
	*MemoryCache
	broken bool
	calls  int
}

var errCacheDown = errors.New("cache down")

func (c *flakyCache) SaveToken(ctx context.Context, profile, token string) error {
	c.calls++
	if c.broken {
		return errCacheDown
	}
	return c.MemoryCache.SaveToken(ctx, profile, token)
}

func (c *flakyCache) LoadToken(ctx context.Context, profile string) (string, error) {
	c.calls++
	if c.broken {
		return "", errCacheDown
	}
	return c.MemoryCache.LoadToken(ctx, profile)
}

func (c *flakyCache) ClearToken(ctx context.Context, profile string) error {
	c.calls++
	if c.broken {
		return errCacheDown
	}
	return c.MemoryCache.ClearToken(ctx, profile)
}

func (c *flakyCache) SaveSnapshot(ctx context.Context, appointmentID int64, snap models.QueueSnapshot) error {
	c.calls++
	if c.broken {
		return errCacheDown
	}
	return c.MemoryCache.SaveSnapshot(ctx, appointmentID, snap)
}

func (c *flakyCache) LoadSnapshot(ctx context.Context, appointmentID int64) (*models.QueueSnapshot, error) {
	c.calls++
	if c.broken {
		return nil, errCacheDown
	}
	return c.MemoryCache.LoadSnapshot(ctx, appointmentID)
}

func newFailover(t *testing.T) (*FailoverCache, *flakyCache, *MemoryCache) {
	t.Helper()
	primary := &flakyCache{MemoryCache: NewMemoryCache(time.Hour)}
	fallback := NewMemoryCache(time.Hour)
	logger := zerolog.Nop()
	return NewFailoverCache(primary, fallback, &logger), primary, fallback
}

func TestFailover_PrimaryHealthy(t *testing.T) {
	cache, primary, _ := newFailover(t)
	ctx := context.Background()

	require.NoError(t, cache.SaveToken(ctx, "default", "tok-1"))
	token, err := cache.LoadToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Positive(t, primary.calls)
}

func TestFailover_FallsBackWhenPrimaryFails(t *testing.T) {
	cache, primary, fallback := newFailover(t)
	ctx := context.Background()

	// Writes land in the fallback even while the primary is healthy, so
	// it is warm when the primary dies.
	require.NoError(t, cache.SaveToken(ctx, "default", "tok-1"))
	warm, err := fallback.LoadToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", warm)

	primary.broken = true

	token, err := cache.LoadToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Once marked down the primary is skipped until the recovery probe.
	calls := primary.calls
	_, err = cache.LoadToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, calls, primary.calls)
}

func TestFailover_RecoveryProbe(t *testing.T) {
	cache, primary, _ := newFailover(t)
	ctx := context.Background()

	primary.broken = true
	_, err := cache.LoadToken(ctx, "default")
	require.NoError(t, err)

	primary.broken = false
	// Backdate the last probe so the next call retries the primary.
	cache.lastCheck.Store(time.Now().Add(-2 * time.Minute).Unix())

	require.NoError(t, cache.SaveToken(ctx, "default", "tok-2"))
	assert.False(t, cache.isDown.Load())

	got, err := primary.MemoryCache.LoadToken(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got)
}

func TestFailover_Snapshot(t *testing.T) {
	cache, primary, _ := newFailover(t)
	ctx := context.Background()

	require.NoError(t, cache.SaveSnapshot(ctx, 42, models.QueueSnapshot{YourToken: 8, Position: 2}))

	primary.broken = true
	got, err := cache.LoadSnapshot(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 8, got.YourToken)
}
