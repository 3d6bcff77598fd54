package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/fusion/estimator"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/fusion/syncbuf"
	"github.com/banshee-data/presence.report/internal/fusion/tracks"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

type fakeStore struct {
	mu       sync.Mutex
	cycles   int
	sessions map[string]bool
	pruned   []time.Time
	err      error
}

func (f *fakeStore) PersistCycle(_ context.Context, sessionID string, _ syncbuf.Frame, _ []tracks.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string]bool)
	}
	f.cycles++
	f.sessions[sessionID] = true
	return f.err
}

func (f *fakeStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, cutoff)
	return 0, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	last   []tracks.Snapshot
	cycles int
}

func (f *fakePublisher) Publish(snaps []tracks.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = snaps
	f.cycles++
}

func newTestDriver(store PersistenceSink, pub Publisher, clock timeutil.Clock) (*Driver, *syncbuf.Buffer) {
	buffer := syncbuf.NewBuffer(syncbuf.Params{
		Window:     250 * time.Millisecond,
		MaxLatency: 500 * time.Millisecond,
		Strategy:   syncbuf.StrategyNearest,
		Capacity:   16,
	}, nil)
	manager := tracks.NewManager(tracks.Params{
		GatingDistanceSquared: 9.0,
		HitsToConfirm:         2,
		MaxMisses:             3,
		MaxTracks:             32,
		BirthConfidence:       0.35,
		BirthMergeRadius:      1.0,
		ConfidenceFloor:       0.05,
		FirstCycleDt:          0.1,
	}, estimator.New(estimator.Params{
		ProcessNoisePos:   0.1,
		ProcessNoiseVel:   0.5,
		MissCovInflation:  0.5,
		MaxCovarianceDiag: 50.0,
		MinCovarianceDiag: 0.01,
		ConfidenceDecay:   0.9,
	}, nil), nil)

	cfg := DriverConfig{
		Interval:          100 * time.Millisecond,
		SnapshotTTL:       time.Hour,
		RetentionInterval: time.Minute,
	}
	return NewDriver(cfg, buffer, manager, clock, store, pub), buffer
}

func TestRunCycleFlowsToSinks(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	d, buffer := newTestDriver(store, pub, clock)

	now := clock.Now()
	err := buffer.Push(evidence.Record{
		Modality:   evidence.ModalityVision,
		SourceID:   "cam-1",
		UnixNanos:  now.UnixNano(),
		Confidence: 0.9,
		X:          2, Y: 1,
		Cov: [4]float32{0.25, 0, 0, 0.25},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	snaps := d.RunCycle(context.Background(), now)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if store.cycles != 1 {
		t.Errorf("expected 1 persisted cycle, got %d", store.cycles)
	}
	if !store.sessions[d.SessionID()] {
		t.Errorf("persisted cycle missing session id %s", d.SessionID())
	}
	if pub.cycles != 1 || len(pub.last) != 1 {
		t.Errorf("expected publisher to receive the cycle, got %d calls", pub.cycles)
	}
}

func TestRunProcessesTicksUntilCancelled(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	d, _ := newTestDriver(store, pub, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Let Run register its ticker before driving it.
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		clock.Tick(100 * time.Millisecond)
	}
	// Ticks are delivered synchronously, so three cycles have started; give
	// the last one time to finish before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	pub.mu.Lock()
	cycles := pub.cycles
	pub.mu.Unlock()
	if cycles != 3 {
		t.Errorf("expected 3 cycles, got %d", cycles)
	}
}

func TestPersistErrorDoesNotAbortCycle(t *testing.T) {
	store := &fakeStore{err: context.DeadlineExceeded}
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	d, _ := newTestDriver(store, nil, clock)

	snaps := d.RunCycle(context.Background(), clock.Now())
	if snaps == nil {
		// An empty cycle returns an empty, non-nil-safe slice either way;
		// the point is RunCycle returned normally.
		t.Log("empty cycle")
	}
	if store.cycles != 1 {
		t.Errorf("expected the failing persist to have been attempted, got %d", store.cycles)
	}
}

func TestRetentionSweepRunsOnInterval(t *testing.T) {
	store := &fakeStore{}
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	d, _ := newTestDriver(store, nil, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	// Under a minute elapsed: no sweep.
	clock.Tick(100 * time.Millisecond)
	// Jump past the retention interval, then tick a cycle.
	clock.Advance(2 * time.Minute)
	clock.Tick(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.pruned) != 1 {
		t.Fatalf("expected exactly 1 retention sweep, got %d", len(store.pruned))
	}
	wantCutoff := clock.Now().Add(-time.Hour)
	if !store.pruned[0].Equal(wantCutoff) {
		t.Errorf("expected cutoff %v, got %v", wantCutoff, store.pruned[0])
	}
}
