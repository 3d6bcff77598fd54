// Package ingest contains the per-modality ingestion adapters. Each adapter
// runs as an independent producer goroutine, normalizes its source's payload
// into evidence records in the shared coordinate space, and pushes them into
// the synchronization buffer. Adapters suspend on their own I/O only; they
// never block a fusion cycle, and a failing source degrades to missing
// evidence rather than an aborted pipeline.
package ingest

import (
	"math"
	"time"

	"github.com/banshee-data/presence.report/internal/fusion/evidence"
)

// Sink receives normalized evidence records. *syncbuf.Buffer satisfies it;
// Push performs validation and all rejection accounting.
type Sink interface {
	Push(rec evidence.Record) error
}

// secondsToNanos converts a source timestamp in float seconds to unix
// nanoseconds. Whole seconds and the sub-second fraction convert
// separately: multiplying an epoch timestamp by 1e9 in one step loses
// sub-microsecond precision in float64.
func secondsToNanos(ts float64) int64 {
	sec := math.Trunc(ts)
	frac := ts - sec
	return int64(sec)*int64(time.Second) + int64(math.Round(frac*1e9))
}

// rssiConfidence maps an RSSI reading to a coarse confidence. Readings at
// -30 dBm or stronger saturate near one; -90 dBm or weaker bottoms out at a
// small floor so a detected emitter never counts for nothing.
func rssiConfidence(rssi float64) float32 {
	c := (rssi + 90) / 60
	if c < 0.05 {
		c = 0.05
	}
	if c > 0.95 {
		c = 0.95
	}
	if math.IsNaN(c) {
		c = 0.05
	}
	return float32(c)
}
