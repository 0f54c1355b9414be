package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/namastexlabs/omni-gateway/pkg/redisx"
)

const memoTTL = 12 * time.Hour

// MemoCache remembers resolved user ids per adapter session key so
// subsequent messages in the same conversation skip the identity
// lookup. Backed by redis when available, an in-process map otherwise.
type MemoCache struct {
	redis *redisx.Service

	mu    sync.RWMutex
	local map[string]string
}

// NewMemoCache creates a memo cache. redis may be nil.
func NewMemoCache(redis *redisx.Service) *MemoCache {
	return &MemoCache{
		redis: redis,
		local: make(map[string]string),
	}
}

// Recall returns the memoized user id for a session key, or "".
func (c *MemoCache) Recall(ctx context.Context, sessionKey string) string {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, c.redis.Key(redisx.IdentityMemo, sessionKey))
		if err == nil {
			return val
		}
		if !errors.Is(err, redisx.ErrKeyNotExist) {
			// Redis trouble degrades to the local map.
			c.mu.RLock()
			defer c.mu.RUnlock()
			return c.local[sessionKey]
		}
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local[sessionKey]
}

// Remember memoizes a user id against a session key.
func (c *MemoCache) Remember(ctx context.Context, sessionKey, userID string) {
	if userID == "" {
		return
	}
	if c.redis != nil {
		if err := c.redis.Set(ctx, c.redis.Key(redisx.IdentityMemo, sessionKey), userID, memoTTL); err == nil {
			return
		}
	}

	c.mu.Lock()
	c.local[sessionKey] = userID
	c.mu.Unlock()
}

// Forget drops a memoized session key.
func (c *MemoCache) Forget(ctx context.Context, sessionKey string) {
	if c.redis != nil {
		_ = c.redis.Del(ctx, c.redis.Key(redisx.IdentityMemo, sessionKey))
	}
	c.mu.Lock()
	delete(c.local, sessionKey)
	c.mu.Unlock()
}
