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

// visionDetection is one camera detection from the vision exporter, already
// projected into the shared coordinate space by the exporter's calibration.
type visionDetection struct {
	CameraID   string      `json:"camera_id"`
	Timestamp  float64     `json:"timestamp"`
	X          float64     `json:"x"`
	Y          float64     `json:"y"`
	Confidence float64     `json:"confidence"`
	Cov        *[4]float64 `json:"cov,omitempty"` // row-major 2x2; defaulted when absent
}

type visionPayload struct {
	Detections []visionDetection `json:"detections"`
}

// VisionAdapter polls a camera detection exporter over HTTP.
type VisionAdapter struct {
	url      string
	client   httputil.HTTPClient
	sink     Sink
	cfg      *config.TuningConfig
	clock    timeutil.Clock
	counters *monitoring.Counters

	lastTimestamp map[string]float64
}

// NewVisionAdapter creates a VisionAdapter polling the configured exporter URL.
func NewVisionAdapter(cfg *config.TuningConfig, client httputil.HTTPClient, sink Sink, clock timeutil.Clock, counters *monitoring.Counters) *VisionAdapter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &VisionAdapter{
		url:           cfg.GetVisionExporterURL(),
		client:        client,
		sink:          sink,
		cfg:           cfg,
		clock:         clock,
		counters:      counters,
		lastTimestamp: make(map[string]float64),
	}
}

// Run polls the exporter on the configured interval until ctx is cancelled.
func (a *VisionAdapter) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.cfg.GetVisionPollInterval())
	defer ticker.Stop()

	monitoring.Logf("vision adapter started: url=%s", a.url)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("vision adapter stopped")
			return nil
		case <-ticker.C():
			if err := a.Poll(ctx); err != nil {
				a.counters.Add(monitoring.CounterIngestIOErrors, 1)
				monitoring.Logf("vision poll failed: %v", err)
			}
		}
	}
}

// Poll fetches and ingests one exporter payload.
func (a *VisionAdapter) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return fmt.Errorf("build vision request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch vision exporter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision exporter returned status %d", resp.StatusCode)
	}

	var payload visionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode vision payload: %w", err)
	}

	defaultNoise := float32(a.cfg.GetMeasurementNoiseVision())
	for _, d := range payload.Detections {
		if d.CameraID == "" {
			a.counters.Add(monitoring.CounterIngestMalformed, 1)
			continue
		}
		if last, seen := a.lastTimestamp[d.CameraID]; seen && d.Timestamp < last {
			a.counters.Add(monitoring.CounterIngestMalformed, 1)
			continue
		}
		a.lastTimestamp[d.CameraID] = d.Timestamp

		cov := [4]float32{defaultNoise, 0, 0, defaultNoise}
		if d.Cov != nil {
			for i, v := range d.Cov {
				cov[i] = float32(v)
			}
		}
		rec := evidence.Record{
			Modality:   evidence.ModalityVision,
			SourceID:   d.CameraID,
			UnixNanos:  secondsToNanos(d.Timestamp),
			Confidence: float32(d.Confidence),
			X:          float32(d.X),
			Y:          float32(d.Y),
			Cov:        cov,
		}
		if err := a.sink.Push(rec); err != nil {
			monitoring.Logf("vision: rejected record from %s: %v", d.CameraID, err)
		}
	}
	return nil
}
