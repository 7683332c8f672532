package clock

import (
	"context"
	"time"
)

// Manual is a Clock whose time only moves when Sleep or Advance is called.
// Sleep returns immediately after advancing, which makes every bounded
// wait in the node deterministic under test.
type Manual struct {
	now    time.Time
	slept  time.Duration
	OnTick func(now time.Time)
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Advance(d)
	return nil
}

// Advance moves the clock forward and runs OnTick.
func (m *Manual) Advance(d time.Duration) {
	m.now = m.now.Add(d)
	m.slept += d
	if m.OnTick != nil {
		m.OnTick(m.now)
	}
}

// Slept returns the total time advanced so far.
func (m *Manual) Slept() time.Duration { return m.slept }
