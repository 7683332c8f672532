// Package sensors defines the telemetry source consumed by the cycle
// controller. Chip drivers live behind the Sensor interface; a sensor that
// fails to initialize or read simply leaves its fields absent.
package sensors

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
)

// Measurements is one cycle's worth of readings. A nil field means the
// reading is unavailable and is omitted from the telemetry payload.
// Field order matches the published key order.
type Measurements struct {
	BatteryVoltage  *float64 `json:"batt_voltage,omitempty"`
	BatteryPercent  *float64 `json:"batt_percent,omitempty"`
	AmbientTempF    *float64 `json:"ext_temp,omitempty"`
	AmbientHumidity *float64 `json:"ext_hum,omitempty"`
	SignalStrength  *int     `json:"rssi,omitempty"`
	FlueTempF       *float64 `json:"chimney_temp,omitempty"`
}

// Reading wraps a raw value. NaN and infinities mean "no reading".
func Reading(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Payload encodes the present readings as a flat JSON object.
func (m Measurements) Payload() ([]byte, error) {
	return json.Marshal(m)
}

// Present returns the number of available readings.
func (m Measurements) Present() int {
	n := 0
	for _, p := range []*float64{m.BatteryVoltage, m.BatteryPercent, m.AmbientTempF, m.AmbientHumidity, m.FlueTempF} {
		if p != nil {
			n++
		}
	}
	if m.SignalStrength != nil {
		n++
	}
	return n
}

// Source produces measurements on demand.
type Source interface {
	ReadMeasurements(ctx context.Context) Measurements
}

// Sensor is a single chip or sensor hub. Read fills only the fields the
// sensor owns and leaves the rest untouched.
type Sensor interface {
	Name() string
	Init(ctx context.Context) error
	Read(ctx context.Context, m *Measurements) error
}

// Set aggregates sensors into a Source. Sensors that fail Init are
// skipped for the rest of the process.
type Set struct {
	sensors []Sensor
	ready   []Sensor
	logger  *slog.Logger
}

// NewSet creates a Set over the given sensors.
func NewSet(logger *slog.Logger, sensors ...Sensor) *Set {
	return &Set{
		sensors: sensors,
		logger:  logger.With("component", "sensors"),
	}
}

// Init initializes every sensor and returns how many are usable.
// Failures are logged, never returned.
func (s *Set) Init(ctx context.Context) int {
	s.ready = s.ready[:0]
	for _, sn := range s.sensors {
		if err := sn.Init(ctx); err != nil {
			s.logger.Warn("sensor not available", "sensor", sn.Name(), "err", err)
			continue
		}
		s.logger.Info("sensor initialized", "sensor", sn.Name())
		s.ready = append(s.ready, sn)
	}
	return len(s.ready)
}

// ReadMeasurements reads all initialized sensors into a fresh value.
func (s *Set) ReadMeasurements(ctx context.Context) Measurements {
	var m Measurements
	for _, sn := range s.ready {
		// A failed read may have written some fields; keep a scratch copy
		// so a half-read sensor contributes nothing.
		scratch := m
		if err := sn.Read(ctx, &scratch); err != nil {
			s.logger.Warn("sensor read failed", "sensor", sn.Name(), "err", err)
			continue
		}
		m = scratch
	}
	return m
}
