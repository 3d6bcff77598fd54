package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math"

	"go.bug.st/serial"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/fusion/evidence"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Port abstracts the mmWave sensor's line-oriented serial feed.
type Port interface {
	Events() <-chan string
	Monitor(ctx context.Context) error
	Close() error
}

// MockPort serves lines from an io.Reader, for tests and replay.
type MockPort struct {
	Data       io.Reader
	EventsChan chan string
}

func (m *MockPort) Events() <-chan string {
	return m.EventsChan
}

func (m *MockPort) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.Data)
	for scan.Scan() {
		select {
		case m.EventsChan <- scan.Text():
		case <-ctx.Done():
			return nil
		}
	}
	close(m.EventsChan)
	return scan.Err()
}

func (m *MockPort) Close() error {
	return nil
}

// SerialPort reads the sensor over UART/USB.
type SerialPort struct {
	serial.Port
	events chan string
}

// OpenSerialPort opens the named serial port at the given baud rate, 8N1.
func OpenSerialPort(portName string, baud int) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	return &SerialPort{Port: port, events: make(chan string)}, nil
}

// Events returns the channel of raw lines read from the sensor.
func (p *SerialPort) Events() <-chan string {
	return p.events
}

// Monitor reads lines from the serial port until ctx is cancelled or the
// port errors.
func (p *SerialPort) Monitor(ctx context.Context) error {
	defer p.Close()
	scan := bufio.NewScanner(p.Port)
	for scan.Scan() {
		select {
		case p.events <- scan.Text():
		case <-ctx.Done():
			return nil
		}
	}
	return scan.Err()
}

// mmwaveEvent is one JSON line from the sensor firmware. Timestamps are
// float seconds. Range and angle are optional: a bare presence event has
// neither and localizes only to the sensor's own position.
type mmwaveEvent struct {
	SensorID     string   `json:"sensor_id"`
	Timestamp    float64  `json:"timestamp"`
	Confidence   float64  `json:"confidence"`
	EventType    string   `json:"event_type"`
	RangeMeters  *float64 `json:"range_meters,omitempty"`
	AngleRadians *float64 `json:"angle_radians,omitempty"`
}

// unlocatedNoiseFactor widens the covariance of presence events that carry
// no range/angle: the subject is somewhere in the sensor's field, not at
// the sensor.
const unlocatedNoiseFactor = 4

// MmWaveAdapter consumes presence/motion events from a mmWave sensor port.
type MmWaveAdapter struct {
	port     Port
	sink     Sink
	cfg      *config.TuningConfig
	counters *monitoring.Counters

	lastTimestamp map[string]float64
}

// NewMmWaveAdapter creates an adapter reading from the given port.
func NewMmWaveAdapter(cfg *config.TuningConfig, port Port, sink Sink, counters *monitoring.Counters) *MmWaveAdapter {
	return &MmWaveAdapter{
		port:          port,
		sink:          sink,
		cfg:           cfg,
		counters:      counters,
		lastTimestamp: make(map[string]float64),
	}
}

// Run starts the port monitor and ingests events until ctx is cancelled or
// the port closes.
func (a *MmWaveAdapter) Run(ctx context.Context) error {
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- a.port.Monitor(ctx) }()

	monitoring.Logf("mmwave adapter started")
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("mmwave adapter stopped")
			return nil
		case err := <-monitorErr:
			if err != nil {
				a.counters.Add(monitoring.CounterIngestIOErrors, 1)
				monitoring.Logf("mmwave port monitor failed: %v", err)
			}
			return err
		case line, ok := <-a.port.Events():
			if !ok {
				monitoring.Logf("mmwave event stream closed")
				return nil
			}
			a.ingestLine(line)
		}
	}
}

// ingestLine parses one sensor line and pushes the resulting record.
// Malformed lines are counted and skipped; sensor chatter that is not JSON
// is normal during boot.
func (a *MmWaveAdapter) ingestLine(line string) {
	var ev mmwaveEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		return
	}
	if ev.SensorID == "" || ev.EventType == "" {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		return
	}
	switch ev.EventType {
	case "presence", "motion":
	default:
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		monitoring.Logf("mmwave: unknown event type %q from %s", ev.EventType, ev.SensorID)
		return
	}
	if last, seen := a.lastTimestamp[ev.SensorID]; seen && ev.Timestamp < last {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		return
	}
	a.lastTimestamp[ev.SensorID] = ev.Timestamp

	pos, ok := a.cfg.GetCalibration(ev.SensorID)
	if !ok {
		a.counters.Add(monitoring.CounterIngestMalformed, 1)
		monitoring.Logf("mmwave: unknown sensor %q, update calibration", ev.SensorID)
		return
	}

	noise := float32(a.cfg.GetMeasurementNoiseMmWave())
	x := float32(pos[0])
	y := float32(pos[1])
	if ev.RangeMeters != nil && ev.AngleRadians != nil {
		x += float32(*ev.RangeMeters * math.Cos(*ev.AngleRadians))
		y += float32(*ev.RangeMeters * math.Sin(*ev.AngleRadians))
	} else {
		noise *= unlocatedNoiseFactor
	}

	rec := evidence.Record{
		Modality:   evidence.ModalityMmWave,
		SourceID:   ev.SensorID,
		UnixNanos:  secondsToNanos(ev.Timestamp),
		Confidence: float32(ev.Confidence),
		X:          x,
		Y:          y,
		Cov:        [4]float32{noise, 0, 0, noise},
	}
	if err := a.sink.Push(rec); err != nil {
		monitoring.Logf("mmwave: rejected record from %s: %v", ev.SensorID, err)
	}
}
