/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"sync"
	"time"
)

// dedupCache remembers recently applied message identities so redelivery of
// the same (callId, type, sequence) over a second channel is a no-op.
// Entries expire after the TTL, which covers call termination plus a grace
// period for stragglers.
type dedupCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[Key]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		ttl:       ttl,
		seen:      make(map[Key]time.Time),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Observe records the key and reports whether it was already present.
func (c *dedupCache) Observe(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if at, ok := c.seen[k]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[k] = now
	return false
}

// Len reports the number of live entries.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.seen)
}

// sweepLocked drops expired entries at most once per TTL interval.
func (c *dedupCache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.ttl {
		return
	}
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	c.lastSweep = now
}
