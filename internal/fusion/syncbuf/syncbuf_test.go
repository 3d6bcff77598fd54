package syncbuf

import (
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

func testParams() Params {
	return Params{
		Window:     250 * time.Millisecond,
		MaxLatency: 500 * time.Millisecond,
		Strategy:   StrategyNearest,
		Capacity:   4,
	}
}

func visionRec(source string, ts int64, x, y float32) evidence.Record {
	return evidence.Record{
		Modality:   evidence.ModalityVision,
		SourceID:   source,
		UnixNanos:  ts,
		Confidence: 0.9,
		X:          x,
		Y:          y,
		Cov:        [4]float32{0.25, 0, 0, 0.25},
	}
}

func TestFrameOneRepresentativePerSource(t *testing.T) {
	b := NewBuffer(testParams(), nil)

	base := int64(1_000_000_000)
	for i := int64(0); i < 3; i++ {
		if err := b.Push(visionRec("cam-1", base+i*50_000_000, float32(i), 0)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := b.Push(visionRec("cam-2", base+40_000_000, 9, 9)); err != nil {
		t.Fatalf("push: %v", err)
	}

	frame := b.Frame(base + 120_000_000)
	if len(frame.Records) != 2 {
		t.Fatalf("expected 2 records (one per source), got %d", len(frame.Records))
	}
	if frame.Records[0].SourceID != "cam-1" || frame.Records[1].SourceID != "cam-2" {
		t.Errorf("records not in deterministic source order: %s, %s",
			frame.Records[0].SourceID, frame.Records[1].SourceID)
	}
	// cam-1 at t=120ms: candidates at 0ms, 50ms, 100ms; 100ms is nearest.
	if frame.Records[0].X != 2 {
		t.Errorf("expected nearest cam-1 record (x=2), got x=%v", frame.Records[0].X)
	}
}

func TestFrameExcludesStaleEvidence(t *testing.T) {
	counters := monitoring.NewCounters()
	b := NewBuffer(testParams(), counters)

	base := int64(10_000_000_000)
	if err := b.Push(visionRec("cam-1", base, 1, 1)); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Cycle 600ms after the record: beyond max latency, record is dropped.
	frame := b.Frame(base + 600_000_000)
	if len(frame.Records) != 0 {
		t.Fatalf("expected empty frame, got %d records", len(frame.Records))
	}
	if got := counters.Get(monitoring.CounterEvidenceDropped); got != 1 {
		t.Errorf("expected 1 stale drop counted, got %d", got)
	}
}

func TestFrameExcludesOutOfWindowEvidence(t *testing.T) {
	b := NewBuffer(testParams(), nil)

	base := int64(10_000_000_000)
	if err := b.Push(visionRec("cam-1", base, 1, 1)); err != nil {
		t.Fatalf("push: %v", err)
	}

	// 300ms old: within max latency (kept buffered) but outside the 250ms
	// alignment window, so it is not selected.
	frame := b.Frame(base + 300_000_000)
	if len(frame.Records) != 0 {
		t.Fatalf("expected empty frame, got %d records", len(frame.Records))
	}
	// A later cycle closer to the record still finds it.
	frame = b.Frame(base + 200_000_000)
	if len(frame.Records) != 1 {
		t.Fatalf("expected record within window, got %d records", len(frame.Records))
	}
}

func TestPushRejectsMalformed(t *testing.T) {
	counters := monitoring.NewCounters()
	b := NewBuffer(testParams(), counters)

	bad := visionRec("cam-1", 0, 1, 1) // non-positive timestamp
	if err := b.Push(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if got := counters.Get(monitoring.CounterEvidenceRejected); got != 1 {
		t.Errorf("expected 1 rejection counted, got %d", got)
	}
	if n := len(b.Frame(1_000_000_000).Records); n != 0 {
		t.Errorf("rejected record must not be buffered, frame has %d", n)
	}
}

func TestRingOverflowEvictsOldest(t *testing.T) {
	counters := monitoring.NewCounters()
	params := testParams()
	params.Capacity = 2
	b := NewBuffer(params, counters)

	base := int64(1_000_000_000)
	for i := int64(0); i < 3; i++ {
		if err := b.Push(visionRec("cam-1", base+i*10_000_000, float32(i), 0)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if got := counters.Get(monitoring.CounterBufferOverflow); got != 1 {
		t.Errorf("expected 1 overflow eviction counted, got %d", got)
	}

	// Oldest (x=0) was evicted; a cycle at its timestamp finds x=1 nearest.
	frame := b.Frame(base + 10_000_000)
	if len(frame.Records) != 1 || frame.Records[0].X != 1 {
		t.Errorf("expected x=1 after eviction, got %+v", frame.Records)
	}
}

func TestPushReordersLateArrival(t *testing.T) {
	b := NewBuffer(testParams(), nil)

	base := int64(1_000_000_000)
	if err := b.Push(visionRec("cam-1", base+100_000_000, 2, 0)); err != nil {
		t.Fatalf("push: %v", err)
	}
	// Arrives after, but timestamped before.
	if err := b.Push(visionRec("cam-1", base+50_000_000, 1, 0)); err != nil {
		t.Fatalf("push: %v", err)
	}

	frame := b.Frame(base + 60_000_000)
	if len(frame.Records) != 1 || frame.Records[0].X != 1 {
		t.Errorf("expected the earlier-timestamped record (x=1), got %+v", frame.Records)
	}
}

func TestLinearInterpolation(t *testing.T) {
	params := testParams()
	params.Strategy = StrategyLinear
	b := NewBuffer(params, nil)

	base := int64(1_000_000_000)
	before := visionRec("cam-1", base, 0, 0)
	before.Cov = [4]float32{0.25, 0, 0, 0.25}
	after := visionRec("cam-1", base+100_000_000, 2, 4)
	after.Cov = [4]float32{1.0, 0, 0, 0.5}
	if err := b.Push(before); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := b.Push(after); err != nil {
		t.Fatalf("push: %v", err)
	}

	frame := b.Frame(base + 50_000_000)
	if len(frame.Records) != 1 {
		t.Fatalf("expected 1 interpolated record, got %d", len(frame.Records))
	}
	rec := frame.Records[0]
	if rec.X != 1 || rec.Y != 2 {
		t.Errorf("expected midpoint (1, 2), got (%v, %v)", rec.X, rec.Y)
	}
	if rec.UnixNanos != base+50_000_000 {
		t.Errorf("interpolated timestamp should equal cycle time, got %d", rec.UnixNanos)
	}
	// Diagonals take the larger endpoint: interpolation never shrinks
	// uncertainty below either measurement.
	if rec.Cov[0] != 1.0 {
		t.Errorf("expected xx variance 1.0, got %v", rec.Cov[0])
	}
	if rec.Cov[3] != 0.5 {
		t.Errorf("expected yy variance 0.5, got %v", rec.Cov[3])
	}
}

func TestLinearFallsBackToNearestWithoutBracket(t *testing.T) {
	params := testParams()
	params.Strategy = StrategyLinear
	b := NewBuffer(params, nil)

	base := int64(1_000_000_000)
	if err := b.Push(visionRec("cam-1", base, 3, 3)); err != nil {
		t.Fatalf("push: %v", err)
	}

	frame := b.Frame(base + 100_000_000)
	if len(frame.Records) != 1 || frame.Records[0].X != 3 {
		t.Errorf("expected nearest fallback (x=3), got %+v", frame.Records)
	}
}

func TestFrameDeterministic(t *testing.T) {
	build := func() *Buffer {
		b := NewBuffer(testParams(), nil)
		base := int64(5_000_000_000)
		recs := []evidence.Record{
			visionRec("cam-2", base+10_000_000, 5, 5),
			visionRec("cam-1", base+20_000_000, 1, 1),
			{Modality: evidence.ModalityMmWave, SourceID: "radar-1", UnixNanos: base + 30_000_000,
				Confidence: 0.8, X: 2, Y: 2, Cov: [4]float32{1, 0, 0, 1}},
			{Modality: evidence.ModalityBLE, SourceID: "ble-1", UnixNanos: base + 5_000_000,
				Confidence: 0.5, EmitterID: "aa:bb"},
		}
		for _, r := range recs {
			if err := b.Push(r); err != nil {
				t.Fatalf("push: %v", err)
			}
		}
		return b
	}

	t1 := int64(5_000_000_000) + 40_000_000
	f1 := build().Frame(t1)
	f2 := build().Frame(t1)
	if len(f1.Records) != len(f2.Records) {
		t.Fatalf("frame lengths differ: %d vs %d", len(f1.Records), len(f2.Records))
	}
	for i := range f1.Records {
		if f1.Records[i] != f2.Records[i] {
			t.Errorf("record %d differs between identical runs:\n%+v\n%+v", i, f1.Records[i], f2.Records[i])
		}
	}
	// Fixed modality ordering: ble < mmwave < vision lexicographically.
	want := []string{"ble-1", "radar-1", "cam-1", "cam-2"}
	for i, rec := range f1.Records {
		if rec.SourceID != want[i] {
			t.Errorf("record %d: expected source %s, got %s", i, want[i], rec.SourceID)
		}
	}
}

func TestPruneBefore(t *testing.T) {
	b := NewBuffer(testParams(), nil)
	base := int64(1_000_000_000)
	for i := int64(0); i < 3; i++ {
		if err := b.Push(visionRec("cam-1", base+i*10_000_000, float32(i), 0)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if n := b.PruneBefore(base + 15_000_000); n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	if n := b.PruneBefore(base + 15_000_000); n != 0 {
		t.Errorf("second prune should remove nothing, got %d", n)
	}
}
