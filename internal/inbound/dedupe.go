// Package inbound decides whether an inbound provider event reaches the
// coordinator: an in-memory dedupe layer absorbs websocket re-delivery
// bursts, and a persistent per-chat watermark rejects duplicates and
// stale out-of-order deliveries across restarts.
package inbound

import (
	"sync"
	"time"
)

const (
	// DedupeTTL bounds how long a message id is remembered in memory.
	DedupeTTL = 30 * time.Minute

	// DedupeMaxSize caps the in-memory id set; the oldest entry is
	// evicted at capacity.
	DedupeMaxSize = 1000

	// DedupeSweepEvery throttles the expired-entry sweep.
	DedupeSweepEvery = 5 * time.Minute
)

// Dedupe is a time-limited message-id set. It exists only to absorb the
// provider's websocket-reconnect re-delivery burst; the persistent ring
// in State handles everything longer-lived.
type Dedupe struct {
	mu        sync.Mutex
	seen      map[string]int64 // id -> last seen unix ms
	ttl       time.Duration
	maxSize   int
	sweepGap  time.Duration
	lastSweep int64
}

// DedupeOptions configures a Dedupe. Zero values take the package
// defaults.
type DedupeOptions struct {
	TTL        time.Duration
	MaxSize    int
	SweepEvery time.Duration
}

// NewDedupe creates a dedupe layer.
func NewDedupe(opts DedupeOptions) *Dedupe {
	if opts.TTL <= 0 {
		opts.TTL = DedupeTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DedupeMaxSize
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = DedupeSweepEvery
	}
	return &Dedupe{
		seen:     make(map[string]int64),
		ttl:      opts.TTL,
		maxSize:  opts.MaxSize,
		sweepGap: opts.SweepEvery,
	}
}

// Check reports whether id was seen within the TTL, recording it either
// way.
func (d *Dedupe) Check(id string) bool {
	return d.CheckAt(id, time.Now())
}

// CheckAt is Check with an explicit clock for deterministic tests.
func (d *Dedupe) CheckAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	nowMs := now.UnixMilli()
	d.maybeSweep(nowMs)

	if ts, ok := d.seen[id]; ok && nowMs-ts < d.ttl.Milliseconds() {
		d.seen[id] = nowMs
		return true
	}

	d.seen[id] = nowMs
	for len(d.seen) > d.maxSize {
		d.evictOldest()
	}
	return false
}

// Size returns the current number of remembered ids.
func (d *Dedupe) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedupe) maybeSweep(nowMs int64) {
	if nowMs-d.lastSweep < d.sweepGap.Milliseconds() {
		return
	}
	d.lastSweep = nowMs
	cutoff := nowMs - d.ttl.Milliseconds()
	for id, ts := range d.seen {
		if ts <= cutoff {
			delete(d.seen, id)
		}
	}
}

func (d *Dedupe) evictOldest() {
	var oldestID string
	oldestTs := int64(^uint64(0) >> 1)
	for id, ts := range d.seen {
		if ts < oldestTs {
			oldestTs = ts
			oldestID = id
		}
	}
	if oldestID == "" {
		return
	}
	delete(d.seen, oldestID)
}
