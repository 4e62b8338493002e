package window

import (
	"sync"
	"time"

	"github.com/iamwavecut/modguard/internal/engine/keylock"
)

// Tolerance for network jitter on backdated event timestamps. Anything
// further in the past than this is counted at receipt time instead;
// events are never rejected for a bad timestamp.
const timestampTolerance = 5 * time.Second

// Counter is a sliding-window event counter keyed by entity. The window
// length is supplied by the caller on every operation, so one counter
// never mixes differently-windowed keys (flood and raid each own one).
type Counter struct {
	mu      sync.Mutex
	entries map[keylock.Key][]time.Time
}

func NewCounter() *Counter {
	return &Counter{entries: map[keylock.Key][]time.Time{}}
}

// Record appends an event and returns the count of events inside
// [now-window, now]. Entries older than the window are evicted lazily.
// Receipt order is authoritative: the stored timestamp is clamped to
// [previous entry, now] so the sequence stays non-decreasing and the
// front-scan eviction never strands a stale entry behind a fresh one.
func (c *Counter) Record(k keylock.Key, ts, now time.Time, window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.entries[k]
	if ts.IsZero() || ts.Before(now.Add(-timestampTolerance).Add(-window)) || ts.After(now) {
		ts = now
	}
	if len(entries) > 0 {
		if last := entries[len(entries)-1]; ts.Before(last) {
			ts = last
		}
	}

	entries = append(entries, ts)
	entries = evict(entries, now, window)
	c.entries[k] = entries
	return len(entries)
}

// Count returns the number of retained events inside the window without
// recording anything.
func (c *Counter) Count(k keylock.Key, now time.Time, window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := evict(c.entries[k], now, window)
	if len(entries) == 0 {
		delete(c.entries, k)
	} else {
		c.entries[k] = entries
	}
	return len(entries)
}

// Reset clears the key entirely. Detectors call this after a trigger so
// the same burst does not immediately re-trigger.
func (c *Counter) Reset(k keylock.Key) {
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

// Sweep drops keys whose entries all fell out of the window, bounding
// memory between triggers.
func (c *Counter) Sweep(now time.Time, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, entries := range c.entries {
		entries = evict(entries, now, window)
		if len(entries) == 0 {
			delete(c.entries, k)
			continue
		}
		c.entries[k] = entries
	}
}

func evict(entries []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(entries) && entries[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	kept := make([]time.Time, len(entries)-idx)
	copy(kept, entries[idx:])
	return kept
}
