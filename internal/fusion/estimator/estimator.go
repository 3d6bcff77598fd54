// Package estimator implements the per-track constant-velocity Kalman
// filter over the state [x, y, vx, vy]. Measurements are position-only;
// each evidence record carries its own 2x2 measurement covariance, so one
// frame can apply several sequential updates with different noise levels.
package estimator

import (
	"math"
	"sort"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

const (
	// MinDeterminantThreshold rejects near-singular innovation covariance.
	MinDeterminantThreshold = 1e-6
	// SingularDistanceRejection is the sentinel gating distance for a
	// singular innovation covariance.
	SingularDistanceRejection = 1e9
	// regularizationEpsilon is added to the innovation covariance diagonal
	// when the first inversion attempt is singular.
	regularizationEpsilon = 1e-3
	// maxPredictDt clamps prediction gaps so F*P*F^T cannot balloon the
	// gating ellipse after a stall.
	maxPredictDt = 1.0
)

// Params holds the filter tuning.
type Params struct {
	ProcessNoisePos   float32 // dt-normalised position process noise
	ProcessNoiseVel   float32 // dt-normalised velocity process noise
	MissCovInflation  float32 // position variance added per predict-only cycle
	MaxCovarianceDiag float32
	MinCovarianceDiag float32
	ConfidenceDecay   float32 // multiplier applied on predict-only cycles
}

// ParamsFromTuning builds Params from a loaded TuningConfig.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		ProcessNoisePos:   float32(cfg.GetProcessNoisePos()),
		ProcessNoiseVel:   float32(cfg.GetProcessNoiseVel()),
		MissCovInflation:  float32(cfg.GetMissCovInflation()),
		MaxCovarianceDiag: float32(cfg.GetMaxCovarianceDiag()),
		MinCovarianceDiag: float32(cfg.GetMinCovarianceDiag()),
		ConfidenceDecay:   float32(cfg.GetConfidenceDecay()),
	}
}

// State is the filter state for one track. P is the 4x4 covariance in
// row-major order over [x, y, vx, vy].
type State struct {
	X, Y, VX, VY  float32
	P             [16]float32
	Confidence    float32
	LastUnixNanos int64
}

// initialCovariance is the birth covariance: loose on position, looser
// still relative to the measurement noise on velocity, which no modality
// observes directly.
var initialCovariance = [16]float32{
	10, 0, 0, 0,
	0, 10, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// NewState creates a birth state at the given position.
func NewState(x, y, confidence float32, unixNanos int64) State {
	return State{
		X:             x,
		Y:             y,
		P:             initialCovariance,
		Confidence:    confidence,
		LastUnixNanos: unixNanos,
	}
}

// PosCov returns the position block of P as a row-major 2x2.
func (s *State) PosCov() [4]float32 {
	return [4]float32{s.P[0], s.P[1], s.P[4], s.P[5]}
}

// CovTrace returns the trace of the position covariance block.
func (s *State) CovTrace() float32 {
	return s.P[0] + s.P[5]
}

// Estimator applies prediction and measurement updates to track states.
type Estimator struct {
	params   Params
	counters *monitoring.Counters
}

// New creates an Estimator. counters may be nil.
func New(params Params, counters *monitoring.Counters) *Estimator {
	return &Estimator{params: params, counters: counters}
}

// Predict advances the state by dt seconds under the constant-velocity
// model and grows the covariance by dt-scaled process noise.
//
// State transition for constant velocity:
//
//	F = [1  0  dt  0 ]
//	    [0  1  0   dt]
//	    [0  0  1   0 ]
//	    [0  0  0   1 ]
func (e *Estimator) Predict(s *State, dt float32) {
	if dt <= 0 {
		return
	}
	if dt > maxPredictDt {
		dt = maxPredictDt
	}

	prev := *s

	// x' = F * x
	s.X += s.VX * dt
	s.Y += s.VY * dt

	// P' = F * P * F^T + Q, computed directly.
	// F * P:
	// Row 0: P[0,j] + dt*P[2,j]
	// Row 1: P[1,j] + dt*P[3,j]
	// Rows 2, 3 unchanged.
	P := s.P
	var FP [16]float32
	for j := 0; j < 4; j++ {
		FP[0*4+j] = P[0*4+j] + dt*P[2*4+j]
		FP[1*4+j] = P[1*4+j] + dt*P[3*4+j]
		FP[2*4+j] = P[2*4+j]
		FP[3*4+j] = P[3*4+j]
	}
	// (F * P) * F^T:
	for i := 0; i < 4; i++ {
		s.P[i*4+0] = FP[i*4+0] + dt*FP[i*4+2]
		s.P[i*4+1] = FP[i*4+1] + dt*FP[i*4+3]
		s.P[i*4+2] = FP[i*4+2]
		s.P[i*4+3] = FP[i*4+3]
	}

	s.P[0*4+0] += e.params.ProcessNoisePos * dt
	s.P[1*4+1] += e.params.ProcessNoisePos * dt
	s.P[2*4+2] += e.params.ProcessNoiseVel * dt
	s.P[3*4+3] += e.params.ProcessNoiseVel * dt

	e.capDiagonal(s)

	if !isFiniteState(s) {
		*s = prev
	}
}

// GatingDistanceSquared returns the squared Mahalanobis distance between
// the predicted position and the record's measurement, using the innovation
// covariance S = P[0:2,0:2] + R. A singular S yields the rejection
// sentinel.
func (e *Estimator) GatingDistanceSquared(s *State, rec *evidence.Record) float32 {
	dx := rec.X - s.X
	dy := rec.Y - s.Y

	S00 := s.P[0*4+0] + rec.Cov[0]
	S01 := s.P[0*4+1] + rec.Cov[1]
	S10 := s.P[1*4+0] + rec.Cov[2]
	S11 := s.P[1*4+1] + rec.Cov[3]

	det := S00*S11 - S01*S10
	if det < MinDeterminantThreshold {
		return SingularDistanceRejection
	}

	invS00 := S11 / det
	invS01 := -S01 / det
	invS10 := -S10 / det
	invS11 := S00 / det

	return dx*dx*invS00 + dx*dy*(invS01+invS10) + dy*dy*invS11
}

// Update applies one position measurement to the state. When the innovation
// covariance is singular, the diagonal is regularized and the inversion
// retried once; if it is still singular the update is skipped and counted.
// Returns whether the measurement was applied.
func (e *Estimator) Update(s *State, rec *evidence.Record) bool {
	if !rec.HasPosition() {
		return false
	}

	prev := *s

	// Innovation y = z - H*x
	yX := rec.X - s.X
	yY := rec.Y - s.Y

	// Innovation covariance S = H * P * H^T + R
	S00 := s.P[0*4+0] + rec.Cov[0]
	S01 := s.P[0*4+1] + rec.Cov[1]
	S10 := s.P[1*4+0] + rec.Cov[2]
	S11 := s.P[1*4+1] + rec.Cov[3]

	det := S00*S11 - S01*S10
	if det < MinDeterminantThreshold {
		S00 += regularizationEpsilon
		S11 += regularizationEpsilon
		det = S00*S11 - S01*S10
		e.counters.Add(monitoring.CounterUpdateRegularized, 1)
	}
	if det < MinDeterminantThreshold {
		e.counters.Add(monitoring.CounterUpdateSkipped, 1)
		return false
	}

	invS00 := S11 / det
	invS01 := -S01 / det
	invS10 := -S10 / det
	invS11 := S00 / det

	// Kalman gain K = P * H^T * S^-1 (4x2).
	var K [8]float32
	for i := 0; i < 4; i++ {
		K[i*2+0] = s.P[i*4+0]*invS00 + s.P[i*4+1]*invS10
		K[i*2+1] = s.P[i*4+0]*invS01 + s.P[i*4+1]*invS11
	}

	// x' = x + K * y
	s.X += K[0*2+0]*yX + K[0*2+1]*yY
	s.Y += K[1*2+0]*yX + K[1*2+1]*yY
	s.VX += K[2*2+0]*yX + K[2*2+1]*yY
	s.VY += K[3*2+0]*yX + K[3*2+1]*yY

	// P' = (I - K*H) * P. With H extracting position,
	// (K*H)[i,j] = K[i,0] for j==0, K[i,1] for j==1, 0 otherwise.
	var IminusKH [16]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			identity := float32(0)
			if i == j {
				identity = 1
			}
			var kh float32
			if j == 0 {
				kh = K[i*2+0]
			} else if j == 1 {
				kh = K[i*2+1]
			}
			IminusKH[i*4+j] = identity - kh
		}
	}
	var newP [16]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += IminusKH[i*4+k] * s.P[k*4+j]
			}
			newP[i*4+j] = sum
		}
	}
	s.P = newP

	e.floorDiagonal(s)
	e.capDiagonal(s)

	if !isFiniteState(s) {
		*s = prev
		e.counters.Add(monitoring.CounterUpdateSkipped, 1)
		return false
	}

	s.LastUnixNanos = rec.UnixNanos
	return true
}

// FuseFrame applies one cycle's matched evidence to the state. Positional
// records are applied sequentially in descending covariance-trace order, so
// the most certain measurement has the final word. Confidence is
// corroborated across all matched records, positional or not. Returns the
// number of position updates applied.
func (e *Estimator) FuseFrame(s *State, matched []evidence.Record, cycleUnixNanos int64) int {
	positional := make([]evidence.Record, 0, len(matched))
	for i := range matched {
		if matched[i].HasPosition() {
			positional = append(positional, matched[i])
		}
	}
	sort.SliceStable(positional, func(i, j int) bool {
		return positional[i].CovTrace() > positional[j].CovTrace()
	})

	applied := 0
	for i := range positional {
		if e.Update(s, &positional[i]) {
			applied++
		}
	}

	// Independent-source corroboration: each record moves confidence toward
	// one, none can push it past.
	for i := range matched {
		s.Confidence = 1 - (1-s.Confidence)*(1-matched[i].Confidence)
	}
	if s.Confidence > 1 {
		s.Confidence = 1
	}
	s.LastUnixNanos = cycleUnixNanos
	return applied
}

// Coast marks a predict-only cycle: confidence decays and position
// uncertainty is inflated, capped at the configured maximum.
func (e *Estimator) Coast(s *State, cycleUnixNanos int64) {
	s.Confidence *= e.params.ConfidenceDecay
	s.P[0*4+0] += e.params.MissCovInflation
	s.P[1*4+1] += e.params.MissCovInflation
	e.capDiagonal(s)
	s.LastUnixNanos = cycleUnixNanos
}

func (e *Estimator) capDiagonal(s *State) {
	for i := 0; i < 4; i++ {
		if s.P[i*4+i] > e.params.MaxCovarianceDiag {
			s.P[i*4+i] = e.params.MaxCovarianceDiag
		}
	}
}

func (e *Estimator) floorDiagonal(s *State) {
	for i := 0; i < 4; i++ {
		if s.P[i*4+i] < e.params.MinCovarianceDiag {
			s.P[i*4+i] = e.params.MinCovarianceDiag
		}
	}
}

func isFiniteState(s *State) bool {
	vals := [4]float32{s.X, s.Y, s.VX, s.VY}
	for _, v := range vals {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	for _, v := range s.P {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
