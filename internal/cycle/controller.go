// Package cycle sequences one wake cycle of the node: sensors, network,
// broker, attribute handshake, then either a firmware update or telemetry,
// and finally the sleep policy.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chimney-node/internal/attributes"
	"chimney-node/internal/clock"
	"chimney-node/internal/device"
	"chimney-node/internal/link"
	"chimney-node/internal/mqtt"
	"chimney-node/internal/ota"
	"chimney-node/internal/power"
	"chimney-node/internal/sensors"
	"chimney-node/internal/store"
)

// Session is the broker session as the controller uses it.
type Session interface {
	SetHandler(h mqtt.Handler)
	Connect(ctx context.Context, id device.Identity) error
	IsConnected() bool
	ReconnectIfNeeded(ctx context.Context, now time.Time, minInterval time.Duration) bool
	PublishAttributes(ctx context.Context, v any) error
	PublishTelemetry(ctx context.Context, payload []byte) error
	SignalStrength() (rssi int, ok bool)
}

// Handshaker runs the attribute handshake. It receives the session's
// inbound messages.
type Handshaker interface {
	mqtt.Handler
	Run(ctx context.Context) (attributes.Response, error)
}

// Updater applies a firmware update. It only returns when the update did
// not restart the node.
type Updater interface {
	Run(ctx context.Context, m ota.Manifest) error
}

// Sensors initializes and reads the telemetry sensors.
type Sensors interface {
	Init(ctx context.Context) int
	sensors.Source
}

// Recorder keeps local cycle history.
type Recorder interface {
	IncrementBootCount() (uint64, error)
	SaveCycle(rec *store.CycleRecord) error
}

// Config holds cycle timing and identity.
type Config struct {
	Identity    device.Identity
	Credentials link.Credentials

	NetworkTimeout time.Duration
	// SettleDelay lets sensors stabilize after power-up.
	SettleDelay    time.Duration
	SleepDuration  time.Duration
	ReconnectFloor time.Duration
}

const (
	DefaultNetworkTimeout = 20 * time.Second
	DefaultSettleDelay    = 2 * time.Second
	DefaultSleepDuration  = 30 * time.Minute
	DefaultReconnectFloor = 5 * time.Second
)

// Deps are the controller's collaborators. Recorder may be nil.
type Deps struct {
	Link      link.Link
	Session   Session
	Handshake Handshaker
	Updater   Updater
	Sensors   Sensors
	Sleep     power.SleepPolicy
	Recorder  Recorder
	Clock     clock.Clock
}

// Controller owns the session and runs cycles on the calling goroutine.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	sensorsReady bool
	brokerOnce   bool

	booted    bool
	bootCount uint64
	cycles    int
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.SleepDuration <= 0 {
		cfg.SleepDuration = DefaultSleepDuration
	}
	if cfg.ReconnectFloor <= 0 {
		cfg.ReconnectFloor = DefaultReconnectFloor
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Controller{cfg: cfg, deps: deps, logger: logger.With("component", "cycle")}
}

// Run executes cycles until the sleep policy ends the loop or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		cc := c.RunCycle(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		resume, err := c.deps.Sleep.Sleep(ctx, c.cfg.SleepDuration)
		if err != nil {
			return fmt.Errorf("sleep after cycle %s: %w", cc.ID, err)
		}
		if !resume {
			return nil
		}
	}
}

// RunCycle runs one cycle up to Sleeping and returns its context. The sleep
// itself is left to the caller.
func (c *Controller) RunCycle(ctx context.Context) *CycleContext {
	c.cycles++
	cc := &CycleContext{ID: uuid.NewString(), Sequence: c.cycles, StartedAt: c.deps.Clock.Now()}
	logger := c.logger.With("cycle", cc.ID)
	cc.BootCount = c.countBoot(logger)
	logger.Info("cycle start", "boot", cc.BootCount, "seq", cc.Sequence, "version", c.cfg.Identity.FirmwareVersion)

	cc.enter(Init)
	if !c.sensorsReady {
		ok := c.deps.Sensors.Init(ctx)
		logger.Info("sensors initialized", "ready", ok)
		if c.cfg.SettleDelay > 0 {
			if err := c.deps.Clock.Sleep(ctx, c.cfg.SettleDelay); err != nil {
				return c.finish(ctx, cc, logger, OutcomeCancelled)
			}
		}
		c.sensorsReady = true
	}
	cc.enter(SensorsReady)

	if err := c.connectNetwork(ctx); err != nil {
		cc.NetworkErr = err
		logger.Error("network connect failed", "err", err)
		return c.finish(ctx, cc, logger, OutcomeNetworkFailed)
	}
	cc.enter(NetworkUp)

	if err := c.connectBroker(ctx); err != nil {
		cc.BrokerErr = err
		logger.Error("broker connect failed", "err", err)
		return c.finish(ctx, cc, logger, OutcomeBrokerFailed)
	}
	cc.enter(BrokerUp)

	cc.enter(Handshaking)
	resp, err := c.deps.Handshake.Run(ctx)
	switch {
	case errors.Is(err, attributes.ErrHandshakeTimeout):
		cc.HandshakeErr = err
		logger.Warn("no shared attributes before deadline")
	case err != nil:
		cc.HandshakeErr = err
		logger.Warn("attribute handshake failed", "err", err)
	default:
		cc.Attributes = &resp
		cc.UpdateDue = ota.UpdateDue(resp, c.cfg.Identity.FirmwareVersion)
	}

	if cc.UpdateDue {
		cc.enter(Updating)
		m := ota.ManifestFrom(resp)
		logger.Info("firmware update due", "running", c.cfg.Identity.FirmwareVersion, "target", m.Version)
		if err := c.deps.Updater.Run(ctx, m); err != nil {
			cc.UpdateErr = err
			logger.Error("firmware update failed", "err", err)
		} else {
			return c.finish(ctx, cc, logger, OutcomeUpdated)
		}
	} else if cc.Attributes != nil {
		logger.Info("firmware up to date", "version", c.cfg.Identity.FirmwareVersion)
	}

	cc.enter(Publishing)
	if err := c.publish(ctx, cc); err != nil {
		cc.PublishErr = err
		logger.Error("publish failed", "err", err)
		return c.finish(ctx, cc, logger, OutcomePublishFailed)
	}
	logger.Info("telemetry published", "readings", cc.Measurements.Present())
	return c.finish(ctx, cc, logger, OutcomePublished)
}

func (c *Controller) connectNetwork(ctx context.Context) error {
	if c.deps.Link.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NetworkTimeout)
	defer cancel()
	return c.deps.Link.Connect(ctx, c.cfg.Credentials)
}

// connectBroker opens the session on the first cycle. Later cycles reuse a
// live session and otherwise reconnect no faster than the retry floor.
func (c *Controller) connectBroker(ctx context.Context) error {
	s := c.deps.Session
	if s.IsConnected() {
		return nil
	}
	if c.brokerOnce {
		s.ReconnectIfNeeded(ctx, c.deps.Clock.Now(), c.cfg.ReconnectFloor)
		if !s.IsConnected() {
			return &mqtt.BrokerError{Kind: mqtt.Unreachable, Err: mqtt.ErrNotConnected}
		}
		return nil
	}
	s.SetHandler(c.deps.Handshake)
	if err := s.Connect(ctx, c.cfg.Identity); err != nil {
		return err
	}
	c.brokerOnce = true
	return nil
}

// countBoot bumps the persisted boot counter on the first cycle of the
// process and returns the value for every later one.
func (c *Controller) countBoot(logger *slog.Logger) uint64 {
	if c.booted || c.deps.Recorder == nil {
		return c.bootCount
	}
	c.booted = true
	n, err := c.deps.Recorder.IncrementBootCount()
	if err != nil {
		logger.Warn("boot counter not updated", "err", err)
		return 0
	}
	c.bootCount = n
	return n
}

// publish sends this boot's IDLE firmware state, then the telemetry.
func (c *Controller) publish(ctx context.Context, cc *CycleContext) error {
	s := c.deps.Session
	report := mqtt.AttributeReport{
		FirmwareTitle:   c.cfg.Identity.FirmwareTitle,
		FirmwareVersion: c.cfg.Identity.FirmwareVersion,
		State:           mqtt.StateIdle,
	}
	if err := s.PublishAttributes(ctx, report); err != nil {
		c.logger.Warn("fw_state report failed", "cycle", cc.ID, "err", err)
	}

	m := c.deps.Sensors.ReadMeasurements(ctx)
	if rssi, ok := s.SignalStrength(); ok {
		m.SignalStrength = &rssi
	}
	cc.Measurements = m

	payload, err := m.Payload()
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	cc.Telemetry = payload
	return s.PublishTelemetry(ctx, payload)
}

func (c *Controller) finish(ctx context.Context, cc *CycleContext, logger *slog.Logger, outcome Outcome) *CycleContext {
	if ctx.Err() != nil {
		outcome = OutcomeCancelled
	}
	cc.Outcome = outcome
	cc.enter(Sleeping)
	finished := c.deps.Clock.Now()
	logger.Info("cycle done", "outcome", outcome, "elapsed", finished.Sub(cc.StartedAt))

	if c.deps.Recorder == nil {
		return cc
	}
	rec := &store.CycleRecord{
		ID:         cc.ID,
		BootCount:  cc.BootCount,
		Sequence:   cc.Sequence,
		StartedAt:  cc.StartedAt,
		FinishedAt: finished,
		FinalState: cc.Path[len(cc.Path)-2].String(),
		Outcome:    string(outcome),
		Telemetry:  string(cc.Telemetry),
	}
	if err := cc.Err(); err != nil {
		rec.Error = err.Error()
	}
	if err := c.deps.Recorder.SaveCycle(rec); err != nil {
		logger.Warn("cycle not recorded", "err", err)
	}
	return cc
}
