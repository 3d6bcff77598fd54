// Package tracks owns the live track set: evidence-to-track association,
// the tentative/confirmed/stale/retired lifecycle, birth of new tracks from
// unassociated evidence, and per-cycle alert-tier derivation.
//
// The Manager is mutated only inside Update; the exported accessors return
// copies, so concurrent readers (API handlers, persistence) never observe a
// half-applied cycle.
package tracks

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/estimator"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/fusion/syncbuf"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Status is a track's lifecycle state.
type Status string

const (
	// StatusTentative marks a newborn track that has not yet accumulated
	// enough consecutive hits to be trusted.
	StatusTentative Status = "tentative"
	// StatusConfirmed marks an established track.
	StatusConfirmed Status = "confirmed"
	// StatusStale marks a confirmed track that missed its last association;
	// it returns to confirmed on the next hit.
	StatusStale Status = "stale"
	// StatusRetired marks a track leaving the live set. It appears in the
	// cycle output exactly once, in the cycle of retirement.
	StatusRetired Status = "retired"
)

// Params holds the track manager tuning.
type Params struct {
	GatingDistanceSquared float32
	HitsToConfirm         int
	MaxMisses             int
	MaxTracks             int
	BirthConfidence       float32
	BirthMergeRadius      float32
	ConfidenceFloor       float32
	FirstCycleDt          float32 // seconds, assumed for the first cycle
}

// ParamsFromTuning builds Params from a loaded TuningConfig.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		GatingDistanceSquared: float32(cfg.GetGatingDistanceSquared()),
		HitsToConfirm:         cfg.GetHitsToConfirm(),
		MaxMisses:             cfg.GetMaxMisses(),
		MaxTracks:             cfg.GetMaxTracks(),
		BirthConfidence:       float32(cfg.GetBirthConfidence()),
		BirthMergeRadius:      float32(cfg.GetBirthMergeRadius()),
		ConfidenceFloor:       float32(cfg.GetConfidenceFloor()),
		FirstCycleDt:          float32(cfg.GetFirstCycleDt().Seconds()),
	}
}

// Track is one live track. seq is the creation sequence number; it orders
// tracks for deterministic association tie-breaks and output.
type Track struct {
	ID               string
	seq              int64
	Status           Status
	Hits             int
	Misses           int
	CreatedUnixNanos int64
	State            estimator.State

	// Per-cycle scratch, reset at the top of Update.
	cycle evidence.Set
	tier  AlertTier
}

// Snapshot is the per-cycle external view of one track.
type Snapshot struct {
	TrackID    string     `json:"track_id"`
	UnixNanos  int64      `json:"unix_nanos"`
	Status     Status     `json:"status"`
	X          float32    `json:"x"`
	Y          float32    `json:"y"`
	VX         float32    `json:"vx"`
	VY         float32    `json:"vy"`
	PosCov     [4]float32 `json:"pos_cov"`
	Confidence float32    `json:"confidence"`
	Tier       AlertTier  `json:"alert_tier"`
	Modalities []string   `json:"modalities"`
}

// Manager owns the live track set. All mutation happens inside Update,
// which the cycle driver calls from a single goroutine.
type Manager struct {
	mu       sync.RWMutex
	params   Params
	est      *estimator.Estimator
	counters *monitoring.Counters

	tracks         []*Track // creation order
	nextSeq        int64
	lastCycleNanos int64
	latest         []Snapshot
}

// NewManager creates a Manager. counters may be nil.
func NewManager(params Params, est *estimator.Estimator, counters *monitoring.Counters) *Manager {
	return &Manager{
		params:   params,
		est:      est,
		counters: counters,
	}
}

// candidate is one gated (track, evidence) pair.
type candidate struct {
	dist2    float32
	trackIdx int
	evIdx    int
}

// Update runs one full cycle against a synchronized frame: predict, gate,
// associate, fuse, lifecycle, births, tier derivation. It returns the
// cycle's snapshots ordered by track identifier; tracks retired this cycle
// appear exactly once, with retired status.
func (m *Manager) Update(frame syncbuf.Frame) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := m.params.FirstCycleDt
	if m.lastCycleNanos > 0 {
		dt = float32(frame.UnixNanos-m.lastCycleNanos) / 1e9
	}
	if dt < 0 {
		dt = 0
	}

	for _, tr := range m.tracks {
		tr.cycle = evidence.Set{}
		m.est.Predict(&tr.State, dt)
	}

	var positional, proximity []evidence.Record
	for _, rec := range frame.Records {
		if rec.HasPosition() {
			positional = append(positional, rec)
		} else {
			proximity = append(proximity, rec)
		}
	}

	matched := m.associate(positional)

	evidenceUsed := make([]bool, len(positional))
	for _, evIdxs := range matched {
		for _, i := range evIdxs {
			evidenceUsed[i] = true
		}
	}

	for ti, tr := range m.tracks {
		if evIdxs := matched[ti]; len(evIdxs) > 0 {
			recs := make([]evidence.Record, 0, len(evIdxs))
			for _, i := range evIdxs {
				recs = append(recs, positional[i])
				tr.cycle.Add(&positional[i])
			}
			m.est.FuseFrame(&tr.State, recs, frame.UnixNanos)
			tr.Hits++
			tr.Misses = 0
			switch tr.Status {
			case StatusTentative:
				if tr.Hits >= m.params.HitsToConfirm {
					tr.Status = StatusConfirmed
				}
			case StatusStale:
				tr.Status = StatusConfirmed
			}
			continue
		}

		m.est.Coast(&tr.State, frame.UnixNanos)
		switch tr.Status {
		case StatusTentative:
			// One miss before promotion discards the track.
			tr.Status = StatusRetired
		case StatusConfirmed, StatusStale:
			tr.Misses++
			tr.Status = StatusStale
			if tr.Misses >= m.params.MaxMisses {
				tr.Status = StatusRetired
			}
		}
	}

	// Confidence-floor retirement applies regardless of hit/miss outcome.
	for _, tr := range m.tracks {
		if tr.Status != StatusRetired && tr.State.Confidence < m.params.ConfidenceFloor {
			tr.Status = StatusRetired
		}
	}

	m.birth(positional, evidenceUsed, frame.UnixNanos)

	// Proximity evidence corroborates every track's modality set but never
	// localizes one. Tracks retiring this cycle were live during it, so
	// their final report carries the contribution too.
	for _, tr := range m.tracks {
		for i := range proximity {
			tr.cycle.Add(&proximity[i])
		}
	}

	snapshots := make([]Snapshot, 0, len(m.tracks))
	live := m.tracks[:0]
	for _, tr := range m.tracks {
		tr.tier = DeriveAlertTier(tr.cycle)
		snapshots = append(snapshots, snapshotOf(tr, frame.UnixNanos))
		if tr.Status != StatusRetired {
			live = append(live, tr)
		}
	}
	m.tracks = live

	m.lastCycleNanos = frame.UnixNanos
	m.latest = snapshots
	return snapshots
}

// associate gates every (track, positional evidence) pair and resolves the
// survivors greedily by ascending distance. Ties break by lowest track
// sequence (which is also earliest creation), then by evidence order in the
// frame, so identical inputs always produce identical assignments. Each
// evidence record feeds at most one track; a track may absorb several
// records in one cycle, one per contributing source.
func (m *Manager) associate(positional []evidence.Record) map[int][]int {
	matched := make(map[int][]int)
	if len(m.tracks) == 0 || len(positional) == 0 {
		return matched
	}

	var pairs []candidate
	for ti, tr := range m.tracks {
		for ei := range positional {
			d2 := m.est.GatingDistanceSquared(&tr.State, &positional[ei])
			if d2 >= estimator.SingularDistanceRejection || d2 > m.params.GatingDistanceSquared {
				continue
			}
			pairs = append(pairs, candidate{dist2: d2, trackIdx: ti, evIdx: ei})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dist2 != pairs[j].dist2 {
			return pairs[i].dist2 < pairs[j].dist2
		}
		if pairs[i].trackIdx != pairs[j].trackIdx {
			return pairs[i].trackIdx < pairs[j].trackIdx
		}
		return pairs[i].evIdx < pairs[j].evIdx
	})

	evidenceUsed := make([]bool, len(positional))
	for _, p := range pairs {
		if evidenceUsed[p.evIdx] {
			continue
		}
		evidenceUsed[p.evIdx] = true
		matched[p.trackIdx] = append(matched[p.trackIdx], p.evIdx)
	}
	return matched
}

// birth spawns tentative tracks from unassociated positional evidence.
// Records within the merge radius of each other collapse into one birth
// candidate; the most certain member seeds the position and the members'
// confidences corroborate. Candidates below the birth confidence threshold
// are ignored. When the live set is at capacity, the lowest-confidence
// tentative track is evicted to make room; if none exists the birth is
// rejected and counted.
func (m *Manager) birth(positional []evidence.Record, used []bool, unixNanos int64) {
	for seedIdx := range positional {
		if used[seedIdx] {
			continue
		}
		seed := &positional[seedIdx]
		used[seedIdx] = true

		members := []int{seedIdx}
		for j := seedIdx + 1; j < len(positional); j++ {
			if used[j] {
				continue
			}
			dx := positional[j].X - seed.X
			dy := positional[j].Y - seed.Y
			if dx*dx+dy*dy <= m.params.BirthMergeRadius*m.params.BirthMergeRadius {
				used[j] = true
				members = append(members, j)
			}
		}

		best := seed
		confidence := float32(1)
		for _, i := range members {
			rec := &positional[i]
			confidence *= 1 - rec.Confidence
			if rec.CovTrace() < best.CovTrace() {
				best = rec
			}
		}
		confidence = 1 - confidence

		if confidence < m.params.BirthConfidence {
			continue
		}
		if !m.makeRoom() {
			m.counters.Add(monitoring.CounterBirthsRejected, 1)
			continue
		}

		m.nextSeq++
		tr := &Track{
			ID:               fmt.Sprintf("trk_%d", m.nextSeq),
			seq:              m.nextSeq,
			Status:           StatusTentative,
			Hits:             1,
			CreatedUnixNanos: unixNanos,
			State:            estimator.NewState(best.X, best.Y, confidence, unixNanos),
		}
		for _, i := range members {
			tr.cycle.Add(&positional[i])
		}
		m.tracks = append(m.tracks, tr)
	}
}

// makeRoom reports whether a new track may be added, evicting the
// lowest-confidence tentative track (youngest on ties) when the live set is
// at capacity.
func (m *Manager) makeRoom() bool {
	liveCount := 0
	for _, tr := range m.tracks {
		if tr.Status != StatusRetired {
			liveCount++
		}
	}
	if liveCount < m.params.MaxTracks {
		return true
	}

	victim := -1
	for i, tr := range m.tracks {
		if tr.Status != StatusTentative {
			continue
		}
		if victim == -1 ||
			tr.State.Confidence < m.tracks[victim].State.Confidence ||
			(tr.State.Confidence == m.tracks[victim].State.Confidence && tr.seq > m.tracks[victim].seq) {
			victim = i
		}
	}
	if victim == -1 {
		return false
	}
	m.tracks[victim].Status = StatusRetired
	m.counters.Add(monitoring.CounterTentativeEvicted, 1)
	return true
}

func snapshotOf(tr *Track, unixNanos int64) Snapshot {
	return Snapshot{
		TrackID:    tr.ID,
		UnixNanos:  unixNanos,
		Status:     tr.Status,
		X:          tr.State.X,
		Y:          tr.State.Y,
		VX:         tr.State.VX,
		VY:         tr.State.VY,
		PosCov:     tr.State.PosCov(),
		Confidence: tr.State.Confidence,
		Tier:       tr.tier,
		Modalities: tr.cycle.List(),
	}
}

// Latest returns a copy of the most recent cycle's snapshots.
func (m *Manager) Latest() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, len(m.latest))
	copy(out, m.latest)
	return out
}

// LiveCount returns the number of tracks currently in the live set.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}

// Speed returns a snapshot's speed in metres per second.
func (s *Snapshot) Speed() float64 {
	return math.Sqrt(float64(s.VX*s.VX + s.VY*s.VY))
}
