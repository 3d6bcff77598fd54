package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig is the root configuration for the fusion pipeline. All
// fields are pointers so partial JSON configs are safe: omitted fields fall
// back to the defaults baked into the Get* accessors. The configuration is
// loaded once at startup and treated as immutable afterwards.
type TuningConfig struct {
	// Synchronization params
	SyncWindow     *string `json:"sync_window,omitempty"`      // duration string like "250ms"
	MaxLatency     *string `json:"max_latency,omitempty"`      // duration string like "500ms"
	AlignStrategy  *string `json:"align_strategy,omitempty"`   // "nearest" or "linear"
	BufferCapacity *int    `json:"buffer_capacity,omitempty"`  // ring entries per (modality, source)
	CycleInterval  *string `json:"cycle_interval,omitempty"`   // fusion tick period
	FirstCycleDt   *string `json:"first_cycle_dt,omitempty"`   // assumed dt for the first cycle

	// Estimator params
	ProcessNoisePos   *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel   *float64 `json:"process_noise_vel,omitempty"`
	MissCovInflation  *float64 `json:"miss_cov_inflation,omitempty"` // extra diag per consecutive missed cycle
	MaxCovarianceDiag *float64 `json:"max_covariance_diag,omitempty"`
	MinCovarianceDiag *float64 `json:"min_covariance_diag,omitempty"`
	ConfidenceDecay   *float64 `json:"confidence_decay,omitempty"` // multiplier on predict-only cycles

	// Track manager params
	GatingDistanceSquared *float64 `json:"gating_distance_squared,omitempty"`
	HitsToConfirm         *int     `json:"hits_to_confirm,omitempty"`
	MaxMisses             *int     `json:"max_misses,omitempty"`
	MaxTracks             *int     `json:"max_tracks,omitempty"`
	BirthConfidence       *float64 `json:"birth_confidence,omitempty"`
	BirthMergeRadius      *float64 `json:"birth_merge_radius_m,omitempty"`
	ConfidenceFloor       *float64 `json:"confidence_floor,omitempty"` // retire tracks that decay below this

	// Per-modality default measurement noise (σ², applied by adapters when a
	// source does not report its own covariance)
	MeasurementNoiseWiFi   *float64 `json:"measurement_noise_wifi,omitempty"`
	MeasurementNoiseVision *float64 `json:"measurement_noise_vision,omitempty"`
	MeasurementNoiseMmWave *float64 `json:"measurement_noise_mmwave,omitempty"`

	// Retention params
	SnapshotTTL       *string `json:"snapshot_ttl,omitempty"`
	RetentionInterval *string `json:"retention_interval,omitempty"`

	// Ingestion params
	WiFiExporterURL    *string `json:"wifi_exporter_url,omitempty"`
	VisionExporterURL  *string `json:"vision_exporter_url,omitempty"`
	WiFiPollInterval   *string `json:"wifi_poll_interval,omitempty"`
	VisionPollInterval *string `json:"vision_poll_interval,omitempty"`
	MmWavePort         *string `json:"mmwave_port,omitempty"`
	MmWaveBaud         *int    `json:"mmwave_baud,omitempty"`
	BLEFeedPath        *string `json:"ble_feed_path,omitempty"`

	// Calibration maps a source identifier (access point, camera, mmWave
	// sensor) to its position in the shared coordinate space, metres.
	Calibration map[string][2]float64 `json:"calibration,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields nil so every
// accessor serves its fallback default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must
// have a .json extension and stay under the max file size. Fields omitted
// from the JSON keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values that would misbehave at
// runtime. Only set fields are checked; nil fields always validate because
// the defaults are known good.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"sync_window":         c.SyncWindow,
		"max_latency":         c.MaxLatency,
		"cycle_interval":      c.CycleInterval,
		"first_cycle_dt":      c.FirstCycleDt,
		"snapshot_ttl":        c.SnapshotTTL,
		"retention_interval":  c.RetentionInterval,
		"wifi_poll_interval":  c.WiFiPollInterval,
		"vision_poll_interval": c.VisionPollInterval,
	}
	for name, v := range durations {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if c.AlignStrategy != nil {
		switch *c.AlignStrategy {
		case "nearest", "linear":
		default:
			return fmt.Errorf("align_strategy must be \"nearest\" or \"linear\", got %q", *c.AlignStrategy)
		}
	}

	positiveInts := map[string]*int{
		"buffer_capacity": c.BufferCapacity,
		"hits_to_confirm": c.HitsToConfirm,
		"max_misses":      c.MaxMisses,
		"max_tracks":      c.MaxTracks,
		"mmwave_baud":     c.MmWaveBaud,
	}
	for name, v := range positiveInts {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", name, *v)
		}
	}

	positiveFloats := map[string]*float64{
		"process_noise_pos":        c.ProcessNoisePos,
		"process_noise_vel":        c.ProcessNoiseVel,
		"max_covariance_diag":      c.MaxCovarianceDiag,
		"min_covariance_diag":      c.MinCovarianceDiag,
		"gating_distance_squared":  c.GatingDistanceSquared,
		"birth_merge_radius_m":     c.BirthMergeRadius,
		"measurement_noise_wifi":   c.MeasurementNoiseWiFi,
		"measurement_noise_vision": c.MeasurementNoiseVision,
		"measurement_noise_mmwave": c.MeasurementNoiseMmWave,
	}
	for name, v := range positiveFloats {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}

	unitFloats := map[string]*float64{
		"confidence_decay": c.ConfidenceDecay,
		"birth_confidence": c.BirthConfidence,
		"confidence_floor": c.ConfidenceFloor,
	}
	for name, v := range unitFloats {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be in [0,1], got %v", name, *v)
		}
	}

	if c.MissCovInflation != nil && *c.MissCovInflation < 0 {
		return fmt.Errorf("miss_cov_inflation must be >= 0, got %v", *c.MissCovInflation)
	}

	if c.MinCovarianceDiag != nil && c.MaxCovarianceDiag != nil && *c.MinCovarianceDiag >= *c.MaxCovarianceDiag {
		return fmt.Errorf("min_covariance_diag (%v) must be below max_covariance_diag (%v)",
			*c.MinCovarianceDiag, *c.MaxCovarianceDiag)
	}

	for source, pos := range c.Calibration {
		if source == "" {
			return fmt.Errorf("calibration entry with empty source id")
		}
		_ = pos
	}

	return nil
}

// getDuration parses a duration pointer with a fallback. Validate has
// already established that set fields parse.
func getDuration(v *string, fallback time.Duration) time.Duration {
	if v == nil {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

func getFloat(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func getInt(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func getString(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

// Synchronization accessors.

func (c *TuningConfig) GetSyncWindow() time.Duration { return getDuration(c.SyncWindow, 250*time.Millisecond) }
func (c *TuningConfig) GetMaxLatency() time.Duration { return getDuration(c.MaxLatency, 500*time.Millisecond) }
func (c *TuningConfig) GetAlignStrategy() string     { return getString(c.AlignStrategy, "nearest") }
func (c *TuningConfig) GetBufferCapacity() int       { return getInt(c.BufferCapacity, 64) }
func (c *TuningConfig) GetCycleInterval() time.Duration {
	return getDuration(c.CycleInterval, 100*time.Millisecond)
}
func (c *TuningConfig) GetFirstCycleDt() time.Duration {
	return getDuration(c.FirstCycleDt, 100*time.Millisecond)
}

// Estimator accessors.

func (c *TuningConfig) GetProcessNoisePos() float64   { return getFloat(c.ProcessNoisePos, 0.1) }
func (c *TuningConfig) GetProcessNoiseVel() float64   { return getFloat(c.ProcessNoiseVel, 0.5) }
func (c *TuningConfig) GetMissCovInflation() float64  { return getFloat(c.MissCovInflation, 0.5) }
func (c *TuningConfig) GetMaxCovarianceDiag() float64 { return getFloat(c.MaxCovarianceDiag, 50.0) }
func (c *TuningConfig) GetMinCovarianceDiag() float64 { return getFloat(c.MinCovarianceDiag, 0.01) }
func (c *TuningConfig) GetConfidenceDecay() float64   { return getFloat(c.ConfidenceDecay, 0.9) }

// Track manager accessors.

func (c *TuningConfig) GetGatingDistanceSquared() float64 {
	return getFloat(c.GatingDistanceSquared, 9.0)
}
func (c *TuningConfig) GetHitsToConfirm() int      { return getInt(c.HitsToConfirm, 2) }
func (c *TuningConfig) GetMaxMisses() int          { return getInt(c.MaxMisses, 3) }
func (c *TuningConfig) GetMaxTracks() int          { return getInt(c.MaxTracks, 32) }
func (c *TuningConfig) GetBirthConfidence() float64 { return getFloat(c.BirthConfidence, 0.35) }
func (c *TuningConfig) GetBirthMergeRadius() float64 {
	return getFloat(c.BirthMergeRadius, 1.0)
}
func (c *TuningConfig) GetConfidenceFloor() float64 { return getFloat(c.ConfidenceFloor, 0.05) }

// Measurement noise accessors.

func (c *TuningConfig) GetMeasurementNoiseWiFi() float64 {
	return getFloat(c.MeasurementNoiseWiFi, 4.0)
}
func (c *TuningConfig) GetMeasurementNoiseVision() float64 {
	return getFloat(c.MeasurementNoiseVision, 0.25)
}
func (c *TuningConfig) GetMeasurementNoiseMmWave() float64 {
	return getFloat(c.MeasurementNoiseMmWave, 1.0)
}

// Retention accessors.

func (c *TuningConfig) GetSnapshotTTL() time.Duration { return getDuration(c.SnapshotTTL, time.Hour) }
func (c *TuningConfig) GetRetentionInterval() time.Duration {
	return getDuration(c.RetentionInterval, time.Minute)
}

// Ingestion accessors.

func (c *TuningConfig) GetWiFiExporterURL() string   { return getString(c.WiFiExporterURL, "") }
func (c *TuningConfig) GetVisionExporterURL() string { return getString(c.VisionExporterURL, "") }
func (c *TuningConfig) GetWiFiPollInterval() time.Duration {
	return getDuration(c.WiFiPollInterval, 200*time.Millisecond)
}
func (c *TuningConfig) GetVisionPollInterval() time.Duration {
	return getDuration(c.VisionPollInterval, 200*time.Millisecond)
}
func (c *TuningConfig) GetMmWavePort() string  { return getString(c.MmWavePort, "") }
func (c *TuningConfig) GetMmWaveBaud() int     { return getInt(c.MmWaveBaud, 115200) }
func (c *TuningConfig) GetBLEFeedPath() string { return getString(c.BLEFeedPath, "") }

// GetCalibration returns the position for a source id and whether one is
// configured.
func (c *TuningConfig) GetCalibration(source string) ([2]float64, bool) {
	pos, ok := c.Calibration[source]
	return pos, ok
}
