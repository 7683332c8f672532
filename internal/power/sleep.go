package power

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"chimney-node/internal/clock"
)

// SleepPolicy ends a cycle. It reports whether the controller should run
// another cycle in this process.
type SleepPolicy interface {
	Sleep(ctx context.Context, d time.Duration) (resume bool, err error)
}

// Disconnecter closes the broker session.
type Disconnecter interface {
	Disconnect()
}

// KeepAlive is the part of the broker session DelaySleep services.
type KeepAlive interface {
	Poll() int
	ReconnectIfNeeded(ctx context.Context, now time.Time, minInterval time.Duration) bool
}

// DeepSleep arms the wake timer, closes the session and enters the
// low-power state. The process is expected to exit afterwards; the next
// cycle starts from a fresh process.
type DeepSleep struct {
	timer   WakeTimer
	session Disconnecter
	// Enter puts the system into the low-power state. Nil means the
	// process simply exits and the supervisor starts it at wake-up.
	Enter  func(ctx context.Context) error
	logger *slog.Logger
}

func NewDeepSleep(timer WakeTimer, session Disconnecter, logger *slog.Logger) *DeepSleep {
	return &DeepSleep{timer: timer, session: session, logger: logger.With("component", "power")}
}

func (s *DeepSleep) Sleep(ctx context.Context, d time.Duration) (bool, error) {
	s.logger.Info("entering deep sleep", "duration", d)
	armErr := s.timer.Arm(d)
	if armErr != nil {
		s.logger.Error("wake timer not armed", "err", armErr)
	}
	s.session.Disconnect()
	if armErr != nil {
		return false, armErr
	}
	if s.Enter != nil {
		if err := s.Enter(ctx); err != nil {
			return false, fmt.Errorf("enter low power: %w", err)
		}
	}
	return false, nil
}

// DefaultPowerStatePath selects the system sleep state.
const DefaultPowerStatePath = "/sys/power/state"

// SuspendToRAM returns an Enter function that writes "mem" to path. The
// write returns after the system resumes.
func SuspendToRAM(path string) func(ctx context.Context) error {
	if path == "" {
		path = DefaultPowerStatePath
	}
	return func(context.Context) error {
		return os.WriteFile(path, []byte("mem"), 0)
	}
}

// DelaySleep keeps the session serviced for the sleep duration and then
// resumes. Used by the always-powered variant.
type DelaySleep struct {
	session      KeepAlive
	clock        clock.Clock
	pollInterval time.Duration
	retryFloor   time.Duration
	logger       *slog.Logger
}

func NewDelaySleep(session KeepAlive, clk clock.Clock, pollInterval, retryFloor time.Duration, logger *slog.Logger) *DelaySleep {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &DelaySleep{
		session:      session,
		clock:        clk,
		pollInterval: pollInterval,
		retryFloor:   retryFloor,
		logger:       logger.With("component", "power"),
	}
}

func (s *DelaySleep) Sleep(ctx context.Context, d time.Duration) (bool, error) {
	s.logger.Debug("delay sleep", "duration", d)
	deadline := s.clock.Now().Add(d)
	for {
		s.session.Poll()
		now := s.clock.Now()
		s.session.ReconnectIfNeeded(ctx, now, s.retryFloor)

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return true, nil
		}
		if err := s.clock.Sleep(ctx, min(remaining, s.pollInterval)); err != nil {
			return false, err
		}
	}
}
