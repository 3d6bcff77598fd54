// Package evidence defines the normalized observation record every
// ingestion adapter produces and the fusion core consumes. A record is a
// closed tagged variant over the four supported modalities; downstream
// packages switch on Modality exhaustively rather than reflecting on
// payload shapes.
package evidence

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Modality identifies the sensing channel an evidence record came from.
type Modality string

const (
	ModalityWiFi   Modality = "wifi"
	ModalityVision Modality = "vision"
	ModalityMmWave Modality = "mmwave"
	ModalityBLE    Modality = "ble"
)

// Positional reports whether records of this modality carry a position
// estimate. BLE is proximity-only: it can corroborate a track but never
// localize one.
func (m Modality) Positional() bool {
	switch m {
	case ModalityWiFi, ModalityVision, ModalityMmWave:
		return true
	case ModalityBLE:
		return false
	}
	return false
}

// Valid reports whether m is one of the four known modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityWiFi, ModalityVision, ModalityMmWave, ModalityBLE:
		return true
	}
	return false
}

// Record is one normalized observation. Positional modalities fill X, Y and
// Cov (2x2 row-major, shared coordinate space, metres); BLE fills EmitterID
// only. WiFiAnomaly marks a flagged Wi-Fi channel anomaly and is meaningful
// only on wifi records.
type Record struct {
	Modality   Modality
	SourceID   string
	UnixNanos  int64
	Confidence float32

	// Positional payload (wifi, vision, mmwave)
	X, Y float32
	Cov  [4]float32 // [xx, xy, yx, yy]

	// Modality-specific payload
	WiFiAnomaly bool   // wifi: flagged channel anomaly
	EmitterID   string // ble: hashed emitter identifier
}

// HasPosition reports whether this record contributes to the position update.
func (r *Record) HasPosition() bool {
	return r.Modality.Positional()
}

// CovTrace returns the trace of the measurement covariance, used to order
// sequential updates by certainty.
func (r *Record) CovTrace() float32 {
	return r.Cov[0] + r.Cov[3]
}

// minEigenvalueTolerance absorbs rounding in the symmetric eigendecomposition
// when deciding whether a covariance is positive semi-definite.
const minEigenvalueTolerance = -1e-9

// Validate checks a record at the synchronization boundary. Confidence is
// clamped to [0,1] in place; anything else out of range is an error and the
// record must be dropped (counted, never fatal).
func Validate(r *Record) error {
	if !r.Modality.Valid() {
		return fmt.Errorf("unknown modality %q", r.Modality)
	}
	if r.SourceID == "" {
		return fmt.Errorf("%s record with empty source id", r.Modality)
	}
	if r.UnixNanos <= 0 {
		return fmt.Errorf("%s/%s record with non-positive timestamp %d", r.Modality, r.SourceID, r.UnixNanos)
	}

	if math.IsNaN(float64(r.Confidence)) {
		return fmt.Errorf("%s/%s record with NaN confidence", r.Modality, r.SourceID)
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	} else if r.Confidence > 1 {
		r.Confidence = 1
	}

	if !r.HasPosition() {
		if r.Modality == ModalityBLE && r.EmitterID == "" {
			return fmt.Errorf("ble/%s record with empty emitter id", r.SourceID)
		}
		return nil
	}

	if !isFinite(r.X) || !isFinite(r.Y) {
		return fmt.Errorf("%s/%s record with non-finite position (%v, %v)", r.Modality, r.SourceID, r.X, r.Y)
	}
	for i, v := range r.Cov {
		if !isFinite(v) {
			return fmt.Errorf("%s/%s record with non-finite covariance element %d", r.Modality, r.SourceID, i)
		}
	}
	if !covPSD(r.Cov) {
		return fmt.Errorf("%s/%s record with non-PSD covariance %v", r.Modality, r.SourceID, r.Cov)
	}
	return nil
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// covPSD checks positive semi-definiteness of the 2x2 measurement
// covariance via its eigenvalues. The off-diagonal elements are symmetrized
// first; adapters occasionally emit slightly asymmetric matrices from
// float rounding.
func covPSD(cov [4]float32) bool {
	xy := (float64(cov[1]) + float64(cov[2])) / 2
	sym := mat.NewSymDense(2, []float64{
		float64(cov[0]), xy,
		xy, float64(cov[3]),
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return false
	}
	for _, v := range eig.Values(nil) {
		if v < minEigenvalueTolerance {
			return false
		}
	}
	return true
}

// Set records which modalities contributed to a track in one cycle, plus
// the anomaly corollary the alert tiers need. It is a value type; the zero
// Set is empty.
type Set struct {
	WiFi        bool
	Vision      bool
	MmWave      bool
	BLE         bool
	WiFiAnomaly bool
}

// Add marks the record's modality (and anomaly flag) as contributing.
func (s *Set) Add(r *Record) {
	switch r.Modality {
	case ModalityWiFi:
		s.WiFi = true
		if r.WiFiAnomaly {
			s.WiFiAnomaly = true
		}
	case ModalityVision:
		s.Vision = true
	case ModalityMmWave:
		s.MmWave = true
	case ModalityBLE:
		s.BLE = true
	}
}

// Empty reports whether no modality contributed.
func (s Set) Empty() bool {
	return !s.WiFi && !s.Vision && !s.MmWave && !s.BLE
}

// List returns the contributing modalities in a fixed order, suitable for
// provenance logging and deterministic output.
func (s Set) List() []string {
	out := make([]string, 0, 4)
	if s.WiFi {
		out = append(out, string(ModalityWiFi))
	}
	if s.Vision {
		out = append(out, string(ModalityVision))
	}
	if s.MmWave {
		out = append(out, string(ModalityMmWave))
	}
	if s.BLE {
		out = append(out, string(ModalityBLE))
	}
	return out
}
