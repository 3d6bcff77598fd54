package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// bleAdvertisement is one JSON line from the BLE scanner feed. Either
// device_id or hashed_identifier must be set; hashed identifiers are
// preferred so raw addresses never enter the pipeline.
type bleAdvertisement struct {
	Timestamp        float64 `json:"timestamp"`
	RSSI             float64 `json:"rssi"`
	DeviceID         string  `json:"device_id,omitempty"`
	HashedIdentifier string  `json:"hashed_identifier,omitempty"`
}

// BLEAdapter consumes a line-oriented advertisement feed (a scanner process
// writing to a pipe or socket). BLE evidence is position-less: it carries
// only the emitter identity and a proximity confidence.
type BLEAdapter struct {
	scannerID string
	feed      io.Reader
	sink      Sink
	counters  *monitoring.Counters

	lastTimestamp map[string]float64
}

// NewBLEAdapter creates an adapter reading advertisements from feed.
// scannerID names this scanner as the evidence source.
func NewBLEAdapter(scannerID string, feed io.Reader, sink Sink, counters *monitoring.Counters) *BLEAdapter {
	return &BLEAdapter{
		scannerID:     scannerID,
		feed:          feed,
		sink:          sink,
		counters:      counters,
		lastTimestamp: make(map[string]float64),
	}
}

// Run reads the feed line by line until it ends or ctx is cancelled.
func (a *BLEAdapter) Run(ctx context.Context) error {
	monitoring.Logf("ble adapter started: scanner=%s", a.scannerID)
	scan := bufio.NewScanner(a.feed)
	for scan.Scan() {
		select {
		case <-ctx.Done():
			monitoring.Logf("ble adapter stopped")
			return nil
		default:
		}
		a.ingestLine(scan.Text())
	}
	if err := scan.Err(); err != nil {
		a.counters.Add(monitoring.CounterIngestIOErrors, 1)
		monitoring.Logf("ble feed read failed: %v", err)
		return err
	}
	monitoring.Logf("ble feed ended: scanner=%s", a.scannerID)
	return nil
}

func (a *BLEAdapter) ingestLine(line string) {
	if line == "" {
		return
	}
	var adv bleAdvertisement
	if err := json.Unmarshal([]byte(line), &adv); err != nil {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		return
	}
	emitter := adv.HashedIdentifier
	if emitter == "" {
		emitter = adv.DeviceID
	}
	if emitter == "" {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		return
	}
	if last, seen := a.lastTimestamp[emitter]; seen && adv.Timestamp < last {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		return
	}
	a.lastTimestamp[emitter] = adv.Timestamp

	rec := evidence.Record{
		Modality:   evidence.ModalityBLE,
		SourceID:   a.scannerID,
		UnixNanos:  secondsToNanos(adv.Timestamp),
		Confidence: rssiConfidence(adv.RSSI),
		EmitterID:  emitter,
	}
	if err := a.sink.Push(rec); err != nil {
		monitoring.Logf("ble: rejected record from %s: %v", emitter, err)
	}
}
