package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// wifiMeasurement is one access point reading from the Wi-Fi exporter.
// Timestamps are float seconds since the unix epoch.
type wifiMeasurement struct {
	AccessPointID string  `json:"access_point_id"`
	Timestamp     float64 `json:"timestamp"`
	RSSI          float64 `json:"rssi"`
	Anomaly       bool    `json:"anomaly"`
}

type wifiPayload struct {
	Measurements []wifiMeasurement `json:"measurements"`
}

// WiFiAdapter polls a Wi-Fi signal exporter over HTTP. An access point has
// no bearing information, so the evidence position is the AP's calibrated
// location with the configured (large) measurement noise; the Kalman update
// weighs it accordingly.
type WiFiAdapter struct {
	url      string
	client   httputil.HTTPClient
	sink     Sink
	cfg      *config.TuningConfig
	clock    timeutil.Clock
	counters *monitoring.Counters

	// Sources occasionally replay readings after a reconnect; stale
	// timestamps per AP are dropped here, not in the buffer.
	lastTimestamp map[string]float64
}

// NewWiFiAdapter creates a WiFiAdapter polling the configured exporter URL.
func NewWiFiAdapter(cfg *config.TuningConfig, client httputil.HTTPClient, sink Sink, clock timeutil.Clock, counters *monitoring.Counters) *WiFiAdapter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &WiFiAdapter{
		url:           cfg.GetWiFiExporterURL(),
		client:        client,
		sink:          sink,
		cfg:           cfg,
		clock:         clock,
		counters:      counters,
		lastTimestamp: make(map[string]float64),
	}
}

// Run polls the exporter on the configured interval until ctx is cancelled.
// A failed poll is counted and retried on the next tick.
func (a *WiFiAdapter) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.cfg.GetWiFiPollInterval())
	defer ticker.Stop()

	monitoring.Logf("wifi adapter started: url=%s", a.url)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("wifi adapter stopped")
			return nil
		case <-ticker.C():
			if err := a.Poll(ctx); err != nil {
				a.counters.Add(monitoring.CounterIngestIOErrors, 1)
				monitoring.Logf("wifi poll failed: %v", err)
			}
		}
	}
}

// Poll fetches and ingests one exporter payload.
func (a *WiFiAdapter) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return fmt.Errorf("build wifi request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch wifi exporter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wifi exporter returned status %d", resp.StatusCode)
	}

	var payload wifiPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode wifi payload: %w", err)
	}

	noise := float32(a.cfg.GetMeasurementNoiseWiFi())
	for _, m := range payload.Measurements {
		if m.AccessPointID == "" {
			a.counters.Add(monitoring.CounterIngestMalformed, 1)
			continue
		}
		pos, ok := a.cfg.GetCalibration(m.AccessPointID)
		if !ok {
			a.counters.Add(monitoring.CounterIngestMalformed, 1)
			monitoring.Logf("wifi: unknown access point %q, update calibration", m.AccessPointID)
			continue
		}
		if last, seen := a.lastTimestamp[m.AccessPointID]; seen && m.Timestamp < last {
			a.counters.Add(monitoring.CounterIngestMalformed, 1)
			continue
		}
		a.lastTimestamp[m.AccessPointID] = m.Timestamp

		rec := evidence.Record{
			Modality:    evidence.ModalityWiFi,
			SourceID:    m.AccessPointID,
			UnixNanos:   secondsToNanos(m.Timestamp),
			Confidence:  rssiConfidence(m.RSSI),
			X:           float32(pos[0]),
			Y:           float32(pos[1]),
			Cov:         [4]float32{noise, 0, 0, noise},
			WiFiAnomaly: m.Anomaly,
		}
		if err := a.sink.Push(rec); err != nil {
			monitoring.Logf("wifi: rejected record from %s: %v", m.AccessPointID, err)
		}
	}
	return nil
}
