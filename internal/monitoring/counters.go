package monitoring

import (
	"sort"
	"sync"
)

// Counter names used across the fusion core. Kept here so the API layer and
// tests refer to one set of keys.
const (
	CounterEvidenceRejected  = "evidence_rejected"
	CounterEvidenceDropped   = "evidence_dropped_stale"
	CounterBufferOverflow    = "buffer_overflow_evicted"
	CounterBirthsRejected    = "births_rejected_capacity"
	CounterTentativeEvicted  = "tentative_evicted_capacity"
	CounterUpdateRegularized = "update_regularized"
	CounterUpdateSkipped     = "update_skipped_singular"
	CounterIngestMalformed   = "ingest_malformed"
	CounterIngestIOErrors    = "ingest_io_errors"
)

// Counters is a set of named monotonic counters for observability signals.
// All recoverable degradations in the core (dropped evidence, rejected
// births, regularized updates) surface here rather than as errors.
type Counters struct {
	mu sync.Mutex
	m  map[string]int64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{m: make(map[string]int64)}
}

// Add increments the named counter by delta. Safe for concurrent use and
// safe on a nil receiver so library code can count unconditionally.
func (c *Counters) Add(name string, delta int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.m[name] += delta
	c.mu.Unlock()
}

// Get returns the current value of the named counter.
func (c *Counters) Get(name string) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Names returns the sorted counter names currently present.
func (c *Counters) Names() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.m))
	for k := range c.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
