//go:build !no_serial

package main

import (
	"log/slog"

	"chimney-node/internal/sensors"
)

func initSensors(cfg *Config, t timings, logger *slog.Logger) (*sensors.Set, func()) {
	if !cfg.Sensors.Serial.Enabled {
		logger.Info("no sensors configured, telemetry carries rssi only")
		return sensors.NewSet(logger), func() {}
	}
	hub := sensors.NewSerialHub(cfg.Sensors.Serial.Port, cfg.Sensors.Serial.Baud, t.serialTimeout, logger)
	return sensors.NewSet(logger, hub), func() {
		if err := hub.Close(); err != nil {
			logger.Warn("close sensor hub", "err", err)
		}
	}
}
