package repository

import (
	"context"
	"sync/atomic"
	"time"

	"queuesync/internal/domain"
	"queuesync/internal/models"

	"github.com/rs/zerolog"
)

// FailoverCache prefers the primary (redis) cache and degrades to the
// in-memory fallback when it fails, probing the primary again after a
// minute.
type FailoverCache struct {
	primary   domain.ClientCache
	fallback  domain.ClientCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverCache(primary, fallback domain.ClientCache, logger *zerolog.Logger) *FailoverCache {
	return &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the primary should be attempted for this call.
func (c *FailoverCache) usePrimary() bool {
	if !c.isDown.Load() {
		return true
	}
	// Recovery probe once a minute.
	last := time.Unix(c.lastCheck.Load(), 0)
	return time.Since(last) > time.Minute
}

func (c *FailoverCache) markDown(err error) {
	c.logger.Error().Err(err).Msg("primary cache failed, falling back to memory")
	c.isDown.Store(true)
	c.lastCheck.Store(time.Now().Unix())
}

func (c *FailoverCache) markUp() {
	if c.isDown.Load() {
		c.logger.Info().Msg("primary cache recovered")
		c.isDown.Store(false)
	}
}

func (c *FailoverCache) SaveToken(ctx context.Context, profile, token string) error {
	if c.usePrimary() {
		if err := c.primary.SaveToken(ctx, profile, token); err == nil {
			c.markUp()
		} else {
			c.markDown(err)
		}
	}
	return c.fallback.SaveToken(ctx, profile, token)
}

func (c *FailoverCache) LoadToken(ctx context.Context, profile string) (string, error) {
	if c.usePrimary() {
		token, err := c.primary.LoadToken(ctx, profile)
		if err == nil {
			c.markUp()
			return token, nil
		}
		c.markDown(err)
	}
	return c.fallback.LoadToken(ctx, profile)
}

func (c *FailoverCache) ClearToken(ctx context.Context, profile string) error {
	if c.usePrimary() {
		if err := c.primary.ClearToken(ctx, profile); err == nil {
			c.markUp()
		} else {
			c.markDown(err)
		}
	}
	return c.fallback.ClearToken(ctx, profile)
}

func (c *FailoverCache) SaveSnapshot(ctx context.Context, appointmentID int64, snap models.QueueSnapshot) error {
	if c.usePrimary() {
		if err := c.primary.SaveSnapshot(ctx, appointmentID, snap); err == nil {
			c.markUp()
		} else {
			c.markDown(err)
		}
	}
	return c.fallback.SaveSnapshot(ctx, appointmentID, snap)
}

func (c *FailoverCache) LoadSnapshot(ctx context.Context, appointmentID int64) (*models.QueueSnapshot, error) {
	if c.usePrimary() {
		snap, err := c.primary.LoadSnapshot(ctx, appointmentID)
		if err == nil {
			c.markUp()
			return snap, nil
		}
		c.markDown(err)
	}
	return c.fallback.LoadSnapshot(ctx, appointmentID)
}
