// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package cache provides the TTL read cache for license lists, individual
// licenses, and aggregate statistics. Writers never mutate entries in place;
// they invalidate by key pattern before acknowledging the write, so the next
// read always observes post-write state.
package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Key prefixes for the three cached read classes. Invalidation operates on
// these prefixes via DeletePattern.
const (
	KeyPrefixList    = "licenses:list:"
	KeyPrefixLicense = "licenses:id:"
	KeyPrefixStats   = "licenses:stats"
)

// Entry represents a cached item with expiration.
type Entry struct {
	Data      interface{}
	ExpiresAt time.Time
}

// Cache is a thread-safe in-memory cache with per-entry TTL and
// prefix-pattern invalidation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	stats   Stats

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// Stats tracks cache performance counters.
type Stats struct {
	mu          sync.RWMutex
	Hits        int64
	Misses      int64
	Evictions   int64
	TotalKeys   int64
	LastCleanup time.Time
}

// StatsSnapshot is a copy of the counters safe to read without locks.
type StatsSnapshot struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Evictions   int64     `json:"evictions"`
	TotalKeys   int64     `json:"totalKeys"`
	HitRate     float64   `json:"hitRate"`
	LastCleanup time.Time `json:"lastCleanup"`
}

// New creates a cache with the given default TTL and starts a background
// cleanup goroutine that sweeps expired entries every 5 minutes.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries:     make(map[string]Entry),
		ttl:         ttl,
		stats:       Stats{LastCleanup: time.Now()},
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value by key. Expired entries are removed and counted as
// misses.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.recordMiss()
		c.recordEviction()
		return nil, false
	}

	c.recordHit()
	return entry.Data, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{
		Data:      value,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.stats.mu.Lock()
	c.stats.TotalKeys = int64(len(c.entries))
	c.stats.mu.Unlock()
}

// Delete removes a specific entry. Safe to call for absent keys.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	c.recordEviction()
}

// DeletePattern removes every entry whose key starts with the given prefix
// and returns the number of entries removed. This is the invalidation hook
// used by the persistence gateway: all list keys, a specific license key, or
// all stats keys go in one synchronous sweep before the write returns.
func (c *Cache) DeletePattern(prefix string) int {
	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.stats.mu.Lock()
		c.stats.Evictions += int64(removed)
		c.stats.TotalKeys -= int64(removed)
		c.stats.mu.Unlock()
	}
	return removed
}

// Clear removes all entries in one atomic swap.
func (c *Cache) Clear() {
	c.mu.Lock()
	evictions := int64(len(c.entries))
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	c.stats.mu.Lock()
	c.stats.Evictions += evictions
	c.stats.TotalKeys = 0
	c.stats.mu.Unlock()
}

// Snapshot returns a copy of the current statistics.
func (c *Cache) Snapshot() StatsSnapshot {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	snap := StatsSnapshot{
		Hits:        c.stats.Hits,
		Misses:      c.stats.Misses,
		Evictions:   c.stats.Evictions,
		TotalKeys:   c.stats.TotalKeys,
		LastCleanup: c.stats.LastCleanup,
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total) * 100.0
	}
	return snap
}

// Close stops the background cleanup goroutine.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	evictions := int64(0)
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			evictions++
		}
	}
	remaining := int64(len(c.entries))
	c.mu.Unlock()

	c.stats.mu.Lock()
	c.stats.Evictions += evictions
	c.stats.TotalKeys = remaining
	c.stats.LastCleanup = now
	c.stats.mu.Unlock()
}

func (c *Cache) recordHit() {
	c.stats.mu.Lock()
	c.stats.Hits++
	c.stats.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
}

func (c *Cache) recordEviction() {
	c.stats.mu.Lock()
	c.stats.Evictions++
	c.stats.mu.Unlock()
}

// ListKey builds a deterministic list cache key from a filter signature.
// The filter is serialized to JSON and hashed so that equivalent filters map
// to the same key regardless of construction order of the struct literal.
func ListKey(filter interface{}) string {
	data, err := json.Marshal(filter)
	if err != nil {
		return fmt.Sprintf("%s%v", KeyPrefixList, filter)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s%x", KeyPrefixList, hash[:16])
}

// LicenseKey builds the cache key for an individual license.
func LicenseKey(id int64) string {
	return fmt.Sprintf("%s%d", KeyPrefixLicense, id)
}
