package ingest

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

func mmwaveTestConfig() *config.TuningConfig {
	return &config.TuningConfig{
		Calibration: map[string][2]float64{
			"radar-1": {5.0, 5.0},
		},
	}
}

// runAdapter drives the adapter over a canned feed until the feed is
// exhausted.
func runAdapter(t *testing.T, a *MmWaveAdapter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMmWaveIngestsLocatedEvent(t *testing.T) {
	feed := strings.NewReader(
		`{"sensor_id": "radar-1", "timestamp": 10.0, "confidence": 0.8, "event_type": "motion", "range_meters": 2.0, "angle_radians": 0.0}` + "\n")
	port := &MockPort{Data: feed, EventsChan: make(chan string)}
	sink := &captureSink{}
	a := NewMmWaveAdapter(mmwaveTestConfig(), port, sink, nil)

	runAdapter(t, a)

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Modality != evidence.ModalityMmWave || rec.SourceID != "radar-1" {
		t.Errorf("unexpected identity: %s/%s", rec.Modality, rec.SourceID)
	}
	// Sensor at (5, 5), range 2 at angle 0: subject at (7, 5).
	if math.Abs(float64(rec.X)-7.0) > 1e-6 || math.Abs(float64(rec.Y)-5.0) > 1e-6 {
		t.Errorf("expected position (7, 5), got (%v, %v)", rec.X, rec.Y)
	}
	if rec.Cov[0] != 1.0 {
		t.Errorf("expected default mmwave noise 1.0, got %v", rec.Cov[0])
	}
}

func TestMmWaveBarePresenceWidensNoise(t *testing.T) {
	feed := strings.NewReader(
		`{"sensor_id": "radar-1", "timestamp": 10.0, "confidence": 0.7, "event_type": "presence"}` + "\n")
	port := &MockPort{Data: feed, EventsChan: make(chan string)}
	sink := &captureSink{}
	a := NewMmWaveAdapter(mmwaveTestConfig(), port, sink, nil)

	runAdapter(t, a)

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.X != 5.0 || rec.Y != 5.0 {
		t.Errorf("bare presence must localize to the sensor position, got (%v, %v)", rec.X, rec.Y)
	}
	if rec.Cov[0] != 4.0 || rec.Cov[3] != 4.0 {
		t.Errorf("expected widened noise 4.0 for unlocated presence, got %v", rec.Cov)
	}
}

func TestMmWaveSkipsGarbageAndUnknownEvents(t *testing.T) {
	feed := strings.NewReader(strings.Join([]string{
		`boot: firmware v2.1`,
		`{"sensor_id": "radar-1", "timestamp": 10.0, "confidence": 0.7, "event_type": "selftest"}`,
		`{"sensor_id": "radar-9", "timestamp": 10.0, "confidence": 0.7, "event_type": "presence"}`,
		`{"sensor_id": "radar-1", "timestamp": 11.0, "confidence": 0.7, "event_type": "presence"}`,
	}, "\n") + "\n")
	port := &MockPort{Data: feed, EventsChan: make(chan string)}
	sink := &captureSink{}
	counters := monitoring.NewCounters()
	a := NewMmWaveAdapter(mmwaveTestConfig(), port, sink, counters)

	runAdapter(t, a)

	if got := len(sink.records()); got != 1 {
		t.Fatalf("expected only the valid presence event, got %d records", got)
	}
	// Garbage line, unknown event type, uncalibrated sensor.
	if got := counters.Get(monitoring.CounterIngestMalformed); got != 3 {
		t.Errorf("expected 3 malformed counted, got %d", got)
	}
}

func TestMmWaveDropsOutOfOrderTimestamps(t *testing.T) {
	feed := strings.NewReader(strings.Join([]string{
		`{"sensor_id": "radar-1", "timestamp": 10.0, "confidence": 0.7, "event_type": "presence"}`,
		`{"sensor_id": "radar-1", "timestamp": 9.0, "confidence": 0.7, "event_type": "presence"}`,
	}, "\n") + "\n")
	port := &MockPort{Data: feed, EventsChan: make(chan string)}
	sink := &captureSink{}
	counters := monitoring.NewCounters()
	a := NewMmWaveAdapter(mmwaveTestConfig(), port, sink, counters)

	runAdapter(t, a)

	if got := len(sink.records()); got != 1 {
		t.Errorf("expected the replayed event dropped, got %d records", got)
	}
	if got := counters.Get(monitoring.CounterIngestMalformed); got != 1 {
		t.Errorf("expected 1 malformed counted, got %d", got)
	}
}
