// Package syncbuf aligns asynchronously arriving evidence onto the fusion
// cycle's time base. It keeps one bounded, time-ordered ring per
// (modality, source) pair and, per cycle, selects at most one representative
// record from each ring under the configured alignment strategy.
//
// Each ring has exactly one writer (its ingestion adapter) and one reader
// (the cycle driver); a single mutex over the registry keeps Push cheap
// enough that adapters never stall the cycle.
package syncbuf

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Strategy selects how a cycle representative is chosen from a ring.
type Strategy string

const (
	// StrategyNearest picks the in-window record with minimum |Δt| to the
	// cycle time.
	StrategyNearest Strategy = "nearest"
	// StrategyLinear interpolates position between the two records
	// bracketing the cycle time, falling back to nearest when no bracket
	// exists. Covariance is combined conservatively: interpolation never
	// reports less uncertainty than the bracketing measurements.
	StrategyLinear Strategy = "linear"
)

// Params configures a Buffer.
type Params struct {
	Window     time.Duration // alignment window around the cycle time
	MaxLatency time.Duration // records older than this relative to the cycle are dropped
	Strategy   Strategy
	Capacity   int // ring entries per (modality, source)
}

// ParamsFromTuning builds Params from a loaded TuningConfig.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		Window:     cfg.GetSyncWindow(),
		MaxLatency: cfg.GetMaxLatency(),
		Strategy:   Strategy(cfg.GetAlignStrategy()),
		Capacity:   cfg.GetBufferCapacity(),
	}
}

// Frame is the ephemeral per-cycle output: the cycle timestamp and at most
// one record per (modality, source). Records are ordered by modality then
// source so downstream processing is reproducible. An empty frame is a
// valid state, not a failure.
type Frame struct {
	UnixNanos int64
	Records   []evidence.Record
}

type key struct {
	modality evidence.Modality
	source   string
}

// ring is a fixed-capacity, time-ordered buffer. When full, the oldest
// entry is evicted: the drop-on-overflow policy favors recency.
type ring struct {
	entries []evidence.Record
	cap     int
}

func (r *ring) push(rec evidence.Record) (evicted bool) {
	if len(r.entries) == r.cap {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:len(r.entries)-1]
		evicted = true
	}
	r.entries = append(r.entries, rec)
	// Adapters emit monotonically per source, but a reconnect can replay a
	// slightly older reading; bubble it back into time order.
	for i := len(r.entries) - 1; i > 0 && r.entries[i].UnixNanos < r.entries[i-1].UnixNanos; i-- {
		r.entries[i], r.entries[i-1] = r.entries[i-1], r.entries[i]
	}
	return evicted
}

// dropBefore removes entries strictly older than cutoff, returning the count.
func (r *ring) dropBefore(cutoff int64) int {
	n := 0
	for n < len(r.entries) && r.entries[n].UnixNanos < cutoff {
		n++
	}
	if n > 0 {
		r.entries = append(r.entries[:0], r.entries[n:]...)
	}
	return n
}

// Buffer is the synchronization buffer over all (modality, source) rings.
type Buffer struct {
	mu       sync.Mutex
	params   Params
	rings    map[key]*ring
	counters *monitoring.Counters
}

// NewBuffer creates a Buffer. counters may be nil; all accounting calls are
// nil-safe.
func NewBuffer(params Params, counters *monitoring.Counters) *Buffer {
	if params.Capacity < 1 {
		params.Capacity = 1
	}
	return &Buffer{
		params:   params,
		rings:    make(map[key]*ring),
		counters: counters,
	}
}

// Push validates and buffers one evidence record. Malformed records are
// rejected with a counter increment and an error for the adapter's
// diagnostics; they never abort a cycle.
func (b *Buffer) Push(rec evidence.Record) error {
	if err := evidence.Validate(&rec); err != nil {
		b.counters.Add(monitoring.CounterEvidenceRejected, 1)
		return err
	}

	k := key{modality: rec.Modality, source: rec.SourceID}

	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[k]
	if !ok {
		r = &ring{entries: make([]evidence.Record, 0, b.params.Capacity), cap: b.params.Capacity}
		b.rings[k] = r
	}
	if r.push(rec) {
		b.counters.Add(monitoring.CounterBufferOverflow, 1)
	}
	return nil
}

// Frame assembles the synchronized frame for cycle time t. Records older
// than MaxLatency relative to t are pruned and counted as drops. A modality
// with no eligible record is simply absent from the frame.
func (b *Buffer) Frame(unixNanos int64) Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := Frame{UnixNanos: unixNanos}

	keys := make([]key, 0, len(b.rings))
	for k := range b.rings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].modality != keys[j].modality {
			return keys[i].modality < keys[j].modality
		}
		return keys[i].source < keys[j].source
	})

	staleCutoff := unixNanos - b.params.MaxLatency.Nanoseconds()
	for _, k := range keys {
		r := b.rings[k]
		if dropped := r.dropBefore(staleCutoff); dropped > 0 {
			b.counters.Add(monitoring.CounterEvidenceDropped, int64(dropped))
		}
		if rec, ok := b.align(r, unixNanos); ok {
			frame.Records = append(frame.Records, rec)
		}
	}
	return frame
}

// PruneBefore removes all buffered evidence older than cutoff across every
// ring, returning the number of records removed. Used by the retention
// sweep; these removals are not counted as alignment drops.
func (b *Buffer) PruneBefore(unixNanos int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, r := range b.rings {
		total += r.dropBefore(unixNanos)
	}
	return total
}

// align selects one representative record from a ring for cycle time t, or
// reports that none is eligible.
func (b *Buffer) align(r *ring, t int64) (evidence.Record, bool) {
	if len(r.entries) == 0 {
		return evidence.Record{}, false
	}
	if b.params.Strategy == StrategyLinear {
		if rec, ok := b.interpolate(r, t); ok {
			return rec, true
		}
	}
	return b.nearest(r, t)
}

// nearest returns the record at or before t with minimum Δt, provided it
// falls within the alignment window.
func (b *Buffer) nearest(r *ring, t int64) (evidence.Record, bool) {
	window := b.params.Window.Nanoseconds()
	best := -1
	var bestDelta int64
	for i := range r.entries {
		ts := r.entries[i].UnixNanos
		if ts > t {
			break // entries are time-ordered; the rest lie ahead of the cycle
		}
		delta := t - ts
		if delta > window {
			continue
		}
		if best == -1 || delta <= bestDelta {
			best = i
			bestDelta = delta
		}
	}
	if best == -1 {
		return evidence.Record{}, false
	}
	return r.entries[best], true
}

// interpolate synthesizes a record at exactly t from the two entries
// bracketing it. Position is time-weighted; covariance diagonals take the
// larger of the two endpoints so interpolation never manufactures
// certainty. BLE records are never interpolated (no positional payload to
// blend); they fall through to nearest.
func (b *Buffer) interpolate(r *ring, t int64) (evidence.Record, bool) {
	window := b.params.Window.Nanoseconds()

	var before, after *evidence.Record
	for i := range r.entries {
		ts := r.entries[i].UnixNanos
		if ts <= t {
			before = &r.entries[i]
		}
		if ts >= t {
			after = &r.entries[i]
			break
		}
	}
	if before == nil || after == nil {
		return evidence.Record{}, false
	}
	if !before.HasPosition() {
		return evidence.Record{}, false
	}
	if t-before.UnixNanos > window || after.UnixNanos-t > window {
		return evidence.Record{}, false
	}
	if before.UnixNanos == after.UnixNanos {
		return *before, true
	}

	ratio := float32(t-before.UnixNanos) / float32(after.UnixNanos-before.UnixNanos)
	out := *before
	out.UnixNanos = t
	out.X = lerp(before.X, after.X, ratio)
	out.Y = lerp(before.Y, after.Y, ratio)
	out.Confidence = lerp(before.Confidence, after.Confidence, ratio)
	out.WiFiAnomaly = before.WiFiAnomaly || after.WiFiAnomaly
	for i := range out.Cov {
		out.Cov[i] = lerp(before.Cov[i], after.Cov[i], ratio)
	}
	// Conservative diagonal: never below either endpoint.
	if before.Cov[0] > out.Cov[0] {
		out.Cov[0] = before.Cov[0]
	}
	if after.Cov[0] > out.Cov[0] {
		out.Cov[0] = after.Cov[0]
	}
	if before.Cov[3] > out.Cov[3] {
		out.Cov[3] = before.Cov[3]
	}
	if after.Cov[3] > out.Cov[3] {
		out.Cov[3] = after.Cov[3]
	}
	return out, true
}

func lerp(a, c, ratio float32) float32 {
	return a + (c-a)*ratio
}
