// Package pipeline drives the fusion cycle: on every tick it freezes a
// synchronized frame from the buffer, runs the track manager against it,
// and hands the resulting snapshots to the configured sinks. The cycle
// itself performs no blocking I/O beyond the sink calls; adapters feed the
// buffer concurrently and never block a cycle.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/syncbuf"
	"github.com/banshee-data/presence.report/internal/fusion/tracks"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// PersistenceSink receives each cycle's output for durable storage. Errors
// are logged and the cycle continues; persistence never aborts fusion.
type PersistenceSink interface {
	PersistCycle(ctx context.Context, sessionID string, frame syncbuf.Frame, snaps []tracks.Snapshot) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher receives each cycle's snapshots for live consumers (API
// handlers, dashboards). Implementations must not block.
type Publisher interface {
	Publish(snaps []tracks.Snapshot)
}

// DriverConfig holds the cycle cadence and retention schedule.
type DriverConfig struct {
	Interval          time.Duration
	SnapshotTTL       time.Duration
	RetentionInterval time.Duration
}

// DriverConfigFromTuning builds a DriverConfig from a loaded TuningConfig.
func DriverConfigFromTuning(cfg *config.TuningConfig) DriverConfig {
	return DriverConfig{
		Interval:          cfg.GetCycleInterval(),
		SnapshotTTL:       cfg.GetSnapshotTTL(),
		RetentionInterval: cfg.GetRetentionInterval(),
	}
}

// Driver runs the periodic fusion cycle. One Driver serves one session;
// the session identifier groups all persisted cycles of one process run.
type Driver struct {
	cfg       DriverConfig
	buffer    *syncbuf.Buffer
	manager   *tracks.Manager
	clock     timeutil.Clock
	store     PersistenceSink // optional
	publisher Publisher       // optional
	sessionID string

	lastRetention time.Time
}

// NewDriver creates a Driver with a fresh session identifier. store and
// publisher may be nil.
func NewDriver(cfg DriverConfig, buffer *syncbuf.Buffer, manager *tracks.Manager, clock timeutil.Clock, store PersistenceSink, publisher Publisher) *Driver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Driver{
		cfg:       cfg,
		buffer:    buffer,
		manager:   manager,
		clock:     clock,
		store:     store,
		publisher: publisher,
		sessionID: uuid.New().String(),
	}
}

// SessionID returns the session identifier for this driver's run.
func (d *Driver) SessionID() string { return d.sessionID }

// SetPublisher installs the live snapshot consumer. Call before Run; the
// publisher often needs the session identifier, which only exists once the
// driver does.
func (d *Driver) SetPublisher(p Publisher) { d.publisher = p }

// Run executes cycles on the configured cadence until ctx is cancelled.
// Cancellation is observed between cycles, so an in-flight cycle always
// finishes and no partial track state is ever published or persisted.
func (d *Driver) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	opsf("cycle driver started: session=%s interval=%v", d.sessionID, d.cfg.Interval)
	d.lastRetention = d.clock.Now()

	for {
		select {
		case <-ctx.Done():
			opsf("cycle driver stopped: session=%s", d.sessionID)
			return nil
		case now := <-ticker.C():
			d.RunCycle(ctx, now)
		}
	}
}

// RunCycle executes exactly one fusion cycle at the given instant and
// returns its snapshots. Exposed for single-shot operation and tests.
func (d *Driver) RunCycle(ctx context.Context, now time.Time) []tracks.Snapshot {
	frame := d.buffer.Frame(now.UnixNano())
	snaps := d.manager.Update(frame)
	tracef("cycle t=%d evidence=%d snapshots=%d", frame.UnixNanos, len(frame.Records), len(snaps))

	if d.publisher != nil {
		d.publisher.Publish(snaps)
	}
	if d.store != nil {
		if err := d.store.PersistCycle(ctx, d.sessionID, frame, snaps); err != nil {
			opsf("persist cycle t=%d: %v", frame.UnixNanos, err)
		}
	}

	d.maybeRetention(ctx, now)
	return snaps
}

// maybeRetention runs the TTL sweep when the retention interval has
// elapsed. Buffer and store pruning share one cutoff.
func (d *Driver) maybeRetention(ctx context.Context, now time.Time) {
	if d.cfg.RetentionInterval <= 0 || now.Sub(d.lastRetention) < d.cfg.RetentionInterval {
		return
	}
	d.lastRetention = now

	cutoff := now.Add(-d.cfg.SnapshotTTL)
	if n := d.buffer.PruneBefore(cutoff.UnixNano()); n > 0 {
		diagf("retention: pruned %d buffered records before %s", n, cutoff.Format(time.RFC3339))
	}
	if d.store != nil {
		n, err := d.store.PruneBefore(ctx, cutoff)
		if err != nil {
			opsf("retention: prune store: %v", err)
			return
		}
		if n > 0 {
			diagf("retention: pruned %d persisted rows before %s", n, cutoff.Format(time.RFC3339))
		}
	}
}
