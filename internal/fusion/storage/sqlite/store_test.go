package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/fusion/syncbuf"
	"github.com/banshee-data/presence.report/internal/fusion/tracks"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	require.NoError(t, err, "open store")
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleFrame(cycleNanos int64) syncbuf.Frame {
	return syncbuf.Frame{
		UnixNanos: cycleNanos,
		Records: []evidence.Record{
			{
				Modality:   evidence.ModalityVision,
				SourceID:   "cam-1",
				UnixNanos:  cycleNanos - 20_000_000,
				Confidence: 0.9,
				X:          2, Y: 1,
				Cov: [4]float32{0.25, 0, 0, 0.25},
			},
			{
				Modality:   evidence.ModalityBLE,
				SourceID:   "ble-1",
				UnixNanos:  cycleNanos - 10_000_000,
				Confidence: 0.5,
				EmitterID:  "aa:bb",
			},
		},
	}
}

func sampleSnapshot(cycleNanos int64) tracks.Snapshot {
	return tracks.Snapshot{
		TrackID:    "trk_1",
		UnixNanos:  cycleNanos,
		Status:     tracks.StatusConfirmed,
		X:          2.05, Y: 0.98,
		VX: 0.1, VY: -0.05,
		PosCov:     [4]float32{0.3, 0, 0, 0.3},
		Confidence: 0.92,
		Tier:       tracks.TierBlue,
		Modalities: []string{"vision", "ble"},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening an already migrated database must not fail.
	store, err = Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestPersistCycleAndQueryTrails(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cycle := time.Now().UnixNano()
	require.NoError(t, store.InsertSession(ctx, "session-1", cycle))
	require.NoError(t, store.PersistCycle(ctx, "session-1", sampleFrame(cycle), []tracks.Snapshot{sampleSnapshot(cycle)}))

	trails, err := store.RecentTrails(ctx, time.Unix(0, cycle-time.Second.Nanoseconds()), 100)
	require.NoError(t, err)
	require.Len(t, trails, 1)

	p := trails[0]
	assert.Equal(t, "trk_1", p.TrackID)
	assert.Equal(t, cycle, p.UnixNanos)
	assert.InDelta(t, 2.05, p.X, 1e-6)
	assert.InDelta(t, 0.98, p.Y, 1e-6)
	assert.Equal(t, "blue", p.Tier)
	assert.Equal(t, "confirmed", p.Status)

	count, err := store.SessionCycleCount(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPersistCycleEmptyIsNoop(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistCycle(ctx, "session-1", syncbuf.Frame{UnixNanos: 1}, nil))

	trails, err := store.RecentTrails(ctx, time.Unix(0, 0), 10)
	require.NoError(t, err)
	assert.Empty(t, trails)
}

func TestPruneBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UnixNano()
	require.NoError(t, store.InsertSession(ctx, "session-1", base))

	// Two cycles an hour apart.
	old := base
	recent := time.Now().UnixNano()
	require.NoError(t, store.PersistCycle(ctx, "session-1", sampleFrame(old), []tracks.Snapshot{sampleSnapshot(old)}))
	require.NoError(t, store.PersistCycle(ctx, "session-1", sampleFrame(recent), []tracks.Snapshot{sampleSnapshot(recent)}))

	// Prune everything older than 30 minutes: one snapshot row and two
	// provenance rows go.
	n, err := store.PruneBefore(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	trails, err := store.RecentTrails(ctx, time.Unix(0, 0), 100)
	require.NoError(t, err)
	require.Len(t, trails, 1)
	assert.Equal(t, recent, trails[0].UnixNanos)

	// Sessions survive retention.
	count, err := store.SessionCycleCount(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecentTrailsOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixNano()
	require.NoError(t, store.InsertSession(ctx, "session-1", base))
	for i := 2; i >= 0; i-- {
		cycle := base + int64(i)*100_000_000
		snap := sampleSnapshot(cycle)
		require.NoError(t, store.PersistCycle(ctx, "session-1", syncbuf.Frame{UnixNanos: cycle}, []tracks.Snapshot{snap}))
	}

	trails, err := store.RecentTrails(ctx, time.Unix(0, base), 100)
	require.NoError(t, err)
	require.Len(t, trails, 3)
	for i := 1; i < len(trails); i++ {
		assert.LessOrEqual(t, trails[i-1].UnixNanos, trails[i].UnixNanos, "trails must be oldest first")
	}
}
