package power

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// WakeTimer arms a one-shot wake-up after d.
type WakeTimer interface {
	Arm(d time.Duration) error
}

// DefaultWakeAlarmPath is the RTC wake alarm of the first RTC.
const DefaultWakeAlarmPath = "/sys/class/rtc/rtc0/wakealarm"

// RTCWakeTimer arms the RTC alarm through sysfs.
type RTCWakeTimer struct {
	path   string
	logger *slog.Logger
}

func NewRTCWakeTimer(path string, logger *slog.Logger) *RTCWakeTimer {
	if path == "" {
		path = DefaultWakeAlarmPath
	}
	return &RTCWakeTimer{path: path, logger: logger.With("component", "power")}
}

// Arm clears any pending alarm and sets a new one d from now, rounded up to
// whole seconds.
func (t *RTCWakeTimer) Arm(d time.Duration) error {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	// The kernel refuses a new alarm while one is pending.
	if err := os.WriteFile(t.path, []byte("0"), 0); err != nil {
		return fmt.Errorf("clear wake alarm: %w", err)
	}
	if err := os.WriteFile(t.path, []byte("+"+strconv.FormatInt(secs, 10)), 0); err != nil {
		return fmt.Errorf("arm wake alarm: %w", err)
	}
	t.logger.Info("wake alarm armed", "seconds", secs)
	return nil
}
