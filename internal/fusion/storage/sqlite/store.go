// Package sqlite persists fusion sessions, per-cycle track snapshots, and
// evidence provenance to a local SQLite database. The store is the durable
// audit trail for the pipeline; the fusion core itself never touches it.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/presence.report/internal/fusion/syncbuf"
	"github.com/banshee-data/presence.report/internal/fusion/tracks"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies the essential
// PRAGMAs, and runs any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp applies all pending migrations from the embedded set.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// Note: we don't close m because it would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSession records the start of a fusion session.
func (s *Store) InsertSession(ctx context.Context, sessionID string, startedUnixNanos int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_unix_nanos) VALUES (?, ?)`,
		sessionID, startedUnixNanos)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// PersistCycle writes one cycle's snapshots and the frame's evidence
// provenance in a single transaction, so a cycle is either fully recorded
// or absent.
func (s *Store) PersistCycle(ctx context.Context, sessionID string, frame syncbuf.Frame, snaps []tracks.Snapshot) error {
	if len(snaps) == 0 && len(frame.Records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle transaction: %w", err)
	}
	defer tx.Rollback()

	snapStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO track_snapshots (
			session_id, track_id, cycle_unix_nanos, status,
			x, y, vx, vy,
			cov_xx, cov_xy, cov_yx, cov_yy,
			confidence, alert_tier, modalities
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer snapStmt.Close()

	for _, snap := range snaps {
		_, err := snapStmt.ExecContext(ctx,
			sessionID, snap.TrackID, snap.UnixNanos, string(snap.Status),
			snap.X, snap.Y, snap.VX, snap.VY,
			snap.PosCov[0], snap.PosCov[1], snap.PosCov[2], snap.PosCov[3],
			snap.Confidence, string(snap.Tier), strings.Join(snap.Modalities, ","),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.TrackID, err)
		}
	}

	provStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO evidence_provenance (
			session_id, cycle_unix_nanos, modality, source_id,
			evidence_unix_nanos, confidence
		) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare provenance insert: %w", err)
	}
	defer provStmt.Close()

	for _, rec := range frame.Records {
		_, err := provStmt.ExecContext(ctx,
			sessionID, frame.UnixNanos, string(rec.Modality), rec.SourceID,
			rec.UnixNanos, rec.Confidence,
		)
		if err != nil {
			return fmt.Errorf("insert provenance %s/%s: %w", rec.Modality, rec.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle transaction: %w", err)
	}
	return nil
}

// PruneBefore removes snapshots and provenance rows from cycles older than
// cutoff, returning the number of rows deleted. Sessions are kept; they are
// small and useful for long-term auditing.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	nanos := cutoff.UnixNano()
	var total int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM track_snapshots WHERE cycle_unix_nanos < ?`, nanos)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM evidence_provenance WHERE cycle_unix_nanos < ?`, nanos)
	if err != nil {
		return total, fmt.Errorf("prune provenance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// TrailPoint is one persisted position of one track, for trail rendering
// and offline analysis.
type TrailPoint struct {
	TrackID    string
	UnixNanos  int64
	X, Y       float64
	Tier       string
	Status     string
	Confidence float64
}

// RecentTrails returns persisted snapshot positions at or after since,
// oldest first, capped at limit rows.
func (s *Store) RecentTrails(ctx context.Context, since time.Time, limit int) ([]TrailPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id, cycle_unix_nanos, x, y, alert_tier, status, confidence
		FROM track_snapshots
		WHERE cycle_unix_nanos >= ?
		ORDER BY cycle_unix_nanos ASC, track_id ASC
		LIMIT ?`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query trails: %w", err)
	}
	defer rows.Close()

	var out []TrailPoint
	for rows.Next() {
		var p TrailPoint
		if err := rows.Scan(&p.TrackID, &p.UnixNanos, &p.X, &p.Y, &p.Tier, &p.Status, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scan trail point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SessionCycleCount returns the number of distinct persisted cycles for a
// session.
func (s *Store) SessionCycleCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT cycle_unix_nanos)
		FROM track_snapshots WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session cycles: %w", err)
	}
	return n, nil
}
