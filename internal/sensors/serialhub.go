//go:build !no_serial

package sensors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialHub reads the battery gauge, the SHT3x and the flue thermocouple
// through a sensor co-processor on a UART. The hub answers a "READ" line
// with one line of key=value pairs, for example:
//
//	batt_v=3.92 batt_pct=81.5 temp_f=41.2 hum=63.0 flue_f=nan
//
// "nan", "err" or a missing key mean the reading is unavailable.
type SerialHub struct {
	portName    string
	mode        *serial.Mode
	readTimeout time.Duration
	logger      *slog.Logger

	// open is replaced in tests.
	open func() (io.ReadWriteCloser, error)
	port io.ReadWriteCloser
}

const (
	hubRequest        = "READ\n"
	hubMaxLine        = 256
	defaultHubTimeout = 2 * time.Second
)

var errHubTimeout = errors.New("serial hub: read timeout")

// NewSerialHub creates a hub driver for the given port. The port is opened
// by Init.
func NewSerialHub(portName string, baudRate int, readTimeout time.Duration, logger *slog.Logger) *SerialHub {
	if readTimeout <= 0 {
		readTimeout = defaultHubTimeout
	}
	h := &SerialHub{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		readTimeout: readTimeout,
		logger:      logger.With("component", "serialhub"),
	}
	h.open = h.openSerial
	return h
}

func (h *SerialHub) openSerial() (io.ReadWriteCloser, error) {
	port, err := serial.Open(h.portName, h.mode)
	if err != nil {
		return nil, fmt.Errorf("serial hub: open %s: %w", h.portName, err)
	}
	// Short per-call timeout; readLine enforces the overall deadline.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial hub: set read timeout: %w", err)
	}
	_ = port.ResetInputBuffer()
	return port, nil
}

func (h *SerialHub) Name() string { return "serialhub:" + h.portName }

// Init opens the port and performs one read so a missing hub is
// reported during initialization rather than on every cycle.
func (h *SerialHub) Init(ctx context.Context) error {
	if h.port != nil {
		return nil
	}
	port, err := h.open()
	if err != nil {
		return err
	}
	h.port = port
	if _, err := h.query(ctx); err != nil {
		h.Close()
		return fmt.Errorf("serial hub: first read: %w", err)
	}
	return nil
}

// Read queries the hub and fills battery, ambient and flue readings.
func (h *SerialHub) Read(ctx context.Context, m *Measurements) error {
	if h.port == nil {
		return fmt.Errorf("serial hub: not initialized")
	}
	line, err := h.query(ctx)
	if err != nil {
		return err
	}
	return parseHubLine(line, m)
}

// Close releases the port.
func (h *SerialHub) Close() error {
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}

func (h *SerialHub) query(ctx context.Context) (string, error) {
	if _, err := io.WriteString(h.port, hubRequest); err != nil {
		return "", fmt.Errorf("serial hub: write: %w", err)
	}
	deadline := time.Now().Add(h.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	line, err := h.readLine(ctx, deadline)
	if err != nil {
		return "", err
	}
	h.logger.Debug("hub line", "line", line)
	return line, nil
}

// readLine collects bytes until '\n'. The serial driver returns (0, nil)
// when its per-call timeout expires, so the overall deadline is checked
// between reads.
func (h *SerialHub) readLine(ctx context.Context, deadline time.Time) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errHubTimeout
		}
		n, err := h.port.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				return strings.TrimSpace(sb.String()), nil
			}
			sb.WriteByte(b)
		}
		if sb.Len() > hubMaxLine {
			return "", fmt.Errorf("serial hub: line exceeds %d bytes", hubMaxLine)
		}
		if err != nil {
			return "", fmt.Errorf("serial hub: read: %w", err)
		}
	}
}

func parseHubLine(line string, m *Measurements) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("serial hub: empty response")
	}
	for _, f := range fields {
		key, raw, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("serial hub: malformed field %q", f)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			// "nan" parses; "err" and friends are treated the same way.
			v = math.NaN()
		}
		switch key {
		case "batt_v":
			if v < 2.0 {
				v = math.NaN()
			}
			m.BatteryVoltage = Reading(v)
		case "batt_pct":
			m.BatteryPercent = Reading(clamp(v, 0, 100))
		case "temp_f":
			m.AmbientTempF = Reading(v)
		case "hum":
			if v < 0 {
				v = math.NaN()
			}
			m.AmbientHumidity = Reading(v)
		case "flue_f":
			m.FlueTempF = Reading(v)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
