// Package proxypool implements C1, the concurrent proxy pool manager.
package proxypool

import (
	"sync"
	"time"
)

// quarantineEntry mirrors the in-process shadow-cache record the teacher
// keeps for AI-provider rate limits, adapted here to proxy quarantine so a
// hot path never has to round-trip Postgres to ask "is this proxy blocked".
type quarantineEntry struct {
	blockedSince time.Time
	blockedUntil time.Time
	failureCount int
}

const maxBlockDuration = 2 * time.Hour

// quarantineActive reports whether a quarantine imposed at blockedSince with
// deadline blockedUntil is still in effect, honoring the spec's
// early-release rule: the proxy becomes eligible for retry once
// earlyReleaseAfter has elapsed since blockedSince, even if blockedUntil
// hasn't been reached yet. Used by both the in-process shadow cache and the
// DB-sourced path so a short and a long quarantine release correctly
// regardless of which one was actually imposed.
func quarantineActive(now, blockedSince, blockedUntil time.Time, earlyReleaseAfter time.Duration) bool {
	if !now.Before(blockedUntil) {
		return false
	}
	return now.Sub(blockedSince) < earlyReleaseAfter
}

// quarantineCache is a mutex-guarded, in-process shadow of each replica's
// view of proxy quarantine state. The database row (blocked_until) remains
// authoritative across replicas; this cache only avoids redundant lookups
// and lets a replica react to its own recent failures instantly.
type quarantineCache struct {
	mu      sync.RWMutex
	entries map[int64]*quarantineEntry
	stopCh  chan struct{}
}

func newQuarantineCache() *quarantineCache {
	c := &quarantineCache{entries: make(map[int64]*quarantineEntry), stopCh: make(chan struct{})}
	go c.cleanupRoutine()
	return c
}

// IsBlocked reports whether the in-process shadow still treats proxyID as
// quarantined, applying the same early-release rule as the DB-sourced path.
func (c *quarantineCache) IsBlocked(proxyID int64, earlyReleaseAfter time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[proxyID]
	if !ok {
		return false
	}
	return quarantineActive(time.Now(), e.blockedSince, e.blockedUntil, earlyReleaseAfter)
}

func (c *quarantineCache) GetTimeUntilUnblocked(proxyID int64) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[proxyID]
	if !ok {
		return 0
	}
	d := time.Until(e.blockedUntil)
	if d < 0 {
		return 0
	}
	return d
}

// RecordRateLimitIncident implements the spec's exact quarantine escalation
// (§4.1): the first consecutive rate-limit incident is quarantined for
// shortDur; a third consecutive incident (still within the same
// never-succeeded window) escalates to longDur. Any intervening success
// resets the counter via RecordSuccess.
func (c *quarantineCache) RecordRateLimitIncident(proxyID int64, shortDur, longDur time.Duration) (since, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[proxyID]
	if !ok {
		e = &quarantineEntry{}
		c.entries[proxyID] = e
	}
	e.failureCount++
	dur := shortDur
	if e.failureCount >= 3 {
		dur = longDur
	}
	if dur > maxBlockDuration {
		dur = maxBlockDuration
	}
	since = time.Now()
	until = since.Add(dur)
	e.blockedSince = since
	e.blockedUntil = until
	return since, until
}

func (c *quarantineCache) RecordSuccess(proxyID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, proxyID)
}

func (c *quarantineCache) cleanupRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, e := range c.entries {
				if now.After(e.blockedUntil) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *quarantineCache) Stop() {
	close(c.stopCh)
}
