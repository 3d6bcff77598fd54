package tracks

import "github.com/banshee-data/presence.report/internal/fusion/evidence"

// AlertTier summarizes which modalities corroborate a track in the current
// cycle. Tiers are mutually exclusive and carry no hysteresis: the tier is
// recomputed from scratch every cycle.
type AlertTier string

const (
	TierRed    AlertTier = "red"
	TierOrange AlertTier = "orange"
	TierYellow AlertTier = "yellow"
	TierBlue   AlertTier = "blue"
	TierNone   AlertTier = "none"
)

// DeriveAlertTier maps a cycle's contributing-modality set to its tier.
// Strict priority, first match wins:
//
//	red    - mmWave presence corroborated by a vision detection
//	orange - flagged Wi-Fi anomaly (with or without mmWave)
//	yellow - mmWave presence alone
//	blue   - BLE emitter with no higher trigger
//	none   - nothing alert-triggering
func DeriveAlertTier(s evidence.Set) AlertTier {
	switch {
	case s.MmWave && s.Vision:
		return TierRed
	case s.WiFiAnomaly:
		return TierOrange
	case s.MmWave:
		return TierYellow
	case s.BLE:
		return TierBlue
	}
	return TierNone
}
