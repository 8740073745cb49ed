package cache

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-addrcache/v1/watchbus"
)

// sweeper removes expired entries every sweepInterval until the cache is
// closed.
func (c *ExpiringCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.ctx.Done():
			return
		}
	}
}

// sweepOnce runs a single pass. A failing pass is logged and the loop
// carries on with the next tick.
func (c *ExpiringCache[T]) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("expiry sweep failed", "panic", r)
		}
	}()
	if n := c.sweep(c.ctx, c.now()); n > 0 {
		c.logger.Debug("expired entries", "count", n, "size", c.Size())
	}
}

// Sweep removes every entry older than the maximum age at now and returns
// how many were removed. It is a no-op when expiry is disabled.
func (c *ExpiringCache[T]) Sweep(now time.Time) int {
	return c.sweep(context.Background(), now)
}

// sweep scans under the read lock, then removes each expired key under its
// own write lock so mutators are never blocked for a whole pass. Keys
// inserted during the scan are left for the next pass. Cancelling ctx stops
// the pass between two keys.
func (c *ExpiringCache[T]) sweep(ctx context.Context, now time.Time) int {
	if c.maxAge <= 0 {
		return 0
	}
	c.mu.RLock()
	var expired []string
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.maxAge {
			expired = append(expired, k)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for _, k := range expired {
		if ctx.Err() != nil {
			break
		}
		c.mu.Lock()
		e, ok := c.entries[k]
		// The key may have been removed, taken or re-created meanwhile.
		ok = ok && now.Sub(e.insertedAt) > c.maxAge
		if ok {
			c.deleteLocked(k)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		removed++
		c.expired.Add(1)
		if c.expireCounter != nil {
			c.expireCounter.Inc()
		}
		c.publish(context.Background(), watchbus.KindExpired, k, e.value, now)
	}
	return removed
}
