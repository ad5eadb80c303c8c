package repository

import (
	"context"
	"sync"
	"time"

	"queuesync/internal/models"
)

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryCache is the in-process fallback for the client cache. Entries
// expire lazily on read.
type MemoryCache struct {
	entries sync.Map
	ttl     time.Duration
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl}
}

func (c *MemoryCache) load(key string) (interface{}, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(memoryEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.entries.Delete(key)
		return nil, false
	}
	return entry.value, true
}

func (c *MemoryCache) store(key string, value interface{}) {
	c.entries.Store(key, memoryEntry{value: value, expiresAt: time.Now().Add(c.ttl)})
}

func (c *MemoryCache) SaveToken(ctx context.Context, profile, token string) error {
	c.store(tokenKey(profile), token)
	return nil
}

func (c *MemoryCache) LoadToken(ctx context.Context, profile string) (string, error) {
	val, ok := c.load(tokenKey(profile))
	if !ok {
		return "", nil
	}
	return val.(string), nil
}

func (c *MemoryCache) ClearToken(ctx context.Context, profile string) error {
	c.entries.Delete(tokenKey(profile))
	return nil
}

func (c *MemoryCache) SaveSnapshot(ctx context.Context, appointmentID int64, snap models.QueueSnapshot) error {
	// Seq is scoped to one subscription; persisting it would let a prior
	// subscription's counter outrank a fresh one after restart. The redis
	// path drops it through the json:"-" tag; match that here.
	snap.Seq = 0
	snap.ReceivedAt = time.Time{}
	c.store(snapshotKey(appointmentID), snap)
	return nil
}

func (c *MemoryCache) LoadSnapshot(ctx context.Context, appointmentID int64) (*models.QueueSnapshot, error) {
	val, ok := c.load(snapshotKey(appointmentID))
	if !ok {
		return nil, nil
	}
	snap := val.(models.QueueSnapshot)
	return &snap, nil
}
