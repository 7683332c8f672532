package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"chimney-node/internal/attributes"
	"chimney-node/internal/clock"
	"chimney-node/internal/cycle"
	"chimney-node/internal/device"
	"chimney-node/internal/firmware"
	"chimney-node/internal/link"
	"chimney-node/internal/mqtt"
	"chimney-node/internal/ota"
	"chimney-node/internal/power"
	"chimney-node/internal/store"
)

// version and firmwareTitle are set at build time via
// -ldflags "-X main.version=... -X main.firmwareTitle=..."
var (
	version       = "dev"
	firmwareTitle = "chimney-node"
)

type Config struct {
	Device struct {
		Token    string `yaml:"token"`
		ClientID string `yaml:"client_id"`
	} `yaml:"device"`
	Broker struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		TLS            bool   `yaml:"tls"`
		HTTPHost       string `yaml:"http_host"`
		ConnectTimeout string `yaml:"connect_timeout"`
		OpTimeout      string `yaml:"op_timeout"`
		KeepAlive      string `yaml:"keep_alive"`
	} `yaml:"broker"`
	Network struct {
		Interface  string `yaml:"interface"`
		SSID       string `yaml:"ssid"`
		Passphrase string `yaml:"passphrase"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"network"`
	Cycle struct {
		Mode              string `yaml:"mode"` // "sleep" or "continuous"
		Sleep             string `yaml:"sleep"`
		SettleDelay       string `yaml:"settle_delay"`
		ReconnectInterval string `yaml:"reconnect_interval"`
		HandshakeTimeout  string `yaml:"handshake_timeout"`
		PollInterval      string `yaml:"poll_interval"`
		WakeAlarm         string `yaml:"wake_alarm"`
		Suspend           bool   `yaml:"suspend"`
		PowerState        string `yaml:"power_state"`
	} `yaml:"cycle"`
	OTA struct {
		SlotDir            string `yaml:"slot_dir"`
		ReadTimeout        string `yaml:"read_timeout"`
		HeadroomBytes      uint64 `yaml:"headroom_bytes"`
		CAFile             string `yaml:"ca_file"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"ota"`
	Sensors struct {
		Serial struct {
			Enabled bool   `yaml:"enabled"`
			Port    string `yaml:"port"`
			Baud    int    `yaml:"baud"`
			Timeout string `yaml:"timeout"`
		} `yaml:"serial"`
	} `yaml:"sensors"`
	Store struct {
		Path    string `yaml:"path"`
		History int    `yaml:"history"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// timings holds the parsed duration settings.
type timings struct {
	connect, op, keepAlive     time.Duration
	network                    time.Duration
	sleep, settle, reconnect   time.Duration
	handshake, poll            time.Duration
	readTimeout, serialTimeout time.Duration
}

func (c *Config) timings() (timings, error) {
	var t timings
	var errs []error
	parse := func(dst *time.Duration, field, value string) {
		d, err := time.ParseDuration(value)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		case d < 0:
			errs = append(errs, fmt.Errorf("%s must not be negative", field))
		default:
			*dst = d
		}
	}
	parse(&t.connect, "broker.connect_timeout", c.Broker.ConnectTimeout)
	parse(&t.op, "broker.op_timeout", c.Broker.OpTimeout)
	parse(&t.keepAlive, "broker.keep_alive", c.Broker.KeepAlive)
	parse(&t.network, "network.timeout", c.Network.Timeout)
	parse(&t.sleep, "cycle.sleep", c.Cycle.Sleep)
	parse(&t.settle, "cycle.settle_delay", c.Cycle.SettleDelay)
	parse(&t.reconnect, "cycle.reconnect_interval", c.Cycle.ReconnectInterval)
	parse(&t.handshake, "cycle.handshake_timeout", c.Cycle.HandshakeTimeout)
	parse(&t.poll, "cycle.poll_interval", c.Cycle.PollInterval)
	parse(&t.readTimeout, "ota.read_timeout", c.OTA.ReadTimeout)
	parse(&t.serialTimeout, "sensors.serial.timeout", c.Sensors.Serial.Timeout)
	return t, errors.Join(errs...)
}

func (c *Config) validate() error {
	if c.Device.Token == "" {
		return fmt.Errorf("device.token is required")
	}
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be 1-65535, got %d", c.Broker.Port)
	}
	switch c.Cycle.Mode {
	case "sleep", "continuous":
	default:
		return fmt.Errorf("cycle.mode must be sleep or continuous, got %q", c.Cycle.Mode)
	}
	if c.Sensors.Serial.Enabled && c.Sensors.Serial.Port == "" {
		return fmt.Errorf("sensors.serial.port is required when the serial hub is enabled")
	}
	t, err := c.timings()
	if err != nil {
		return err
	}
	if t.sleep == 0 {
		return fmt.Errorf("cycle.sleep must be positive")
	}
	if t.handshake == 0 || t.poll == 0 {
		return fmt.Errorf("cycle.handshake_timeout and cycle.poll_interval must be positive")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	t, _ := cfg.timings()

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("chimney-node starting", "title", firmwareTitle, "version", version, "mode", cfg.Cycle.Mode)

	if err := run(cfg, t, logger); err != nil {
		logger.Error("node stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, t timings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := device.Identity{
		FirmwareTitle:   firmwareTitle,
		FirmwareVersion: version,
		Token:           cfg.Device.Token,
	}
	endpoint := device.Endpoint{
		MQTTHost: cfg.Broker.Host,
		MQTTPort: cfg.Broker.Port,
		HTTPHost: cfg.Broker.HTTPHost,
	}

	// Open store
	bolt, err := store.NewBoltStore(cfg.Store.Path, cfg.Store.History)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	var db store.Store = bolt
	defer db.Close()

	restarter := power.NewExecRestarter(db, logger)
	if rec, err := db.GetBootRecord(); err == nil {
		logger.Info("boot record", "slot", rec.Slot, "version", rec.Version, "committed_at", rec.CommittedAt)
	}
	// A supervisor restarts the installed binary; move on to the committed
	// image so an applied update is not downloaded again.
	if err := restarter.BootCommitted(); err != nil {
		logger.Warn("committed image not started", "err", err)
	}
	logHistory(db, logger)

	clk := clock.System{}
	netLink := link.NewNetworkManager(cfg.Network.Interface, logger)

	session := mqtt.NewSession(mqtt.Config{
		Host:           endpoint.MQTTHost,
		Port:           endpoint.MQTTPort,
		TLS:            cfg.Broker.TLS,
		ClientID:       cfg.Device.ClientID,
		ConnectTimeout: t.connect,
		OpTimeout:      t.op,
		KeepAlive:      t.keepAlive,
	}, netLink, logger)
	defer session.Disconnect()

	handshake := attributes.New(session, clk, attributes.Config{
		Timeout:      t.handshake,
		PollInterval: t.poll,
	}, logger)

	roots, err := loadRootCAs(cfg.OTA.CAFile)
	if err != nil {
		return err
	}
	fetcher, err := ota.NewHTTPFetcher(ota.FetcherConfig{
		RootCAs:            roots,
		InsecureSkipVerify: cfg.OTA.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	slots, err := firmware.NewSlotStorage(cfg.OTA.SlotDir, db, cfg.OTA.HeadroomBytes, logger)
	if err != nil {
		return err
	}
	updater := ota.NewUpdater(ota.Config{
		HTTPHost:    endpoint.HTTPHost,
		ReadTimeout: t.readTimeout,
	}, identity, session, fetcher, slots, restarter, logger)

	// Serial sensor hub (no-op when built with no_serial tag).
	sensorSet, closeSensors := initSensors(cfg, t, logger)
	defer closeSensors()

	var sleep power.SleepPolicy
	if cfg.Cycle.Mode == "continuous" {
		sleep = power.NewDelaySleep(session, clk, t.poll, t.reconnect, logger)
	} else {
		deep := power.NewDeepSleep(power.NewRTCWakeTimer(cfg.Cycle.WakeAlarm, logger), session, logger)
		if cfg.Cycle.Suspend {
			deep.Enter = power.SuspendToRAM(cfg.Cycle.PowerState)
		}
		sleep = deep
	}

	ctrl := cycle.New(cycle.Config{
		Identity: identity,
		Credentials: link.Credentials{
			SSID:       cfg.Network.SSID,
			Passphrase: cfg.Network.Passphrase,
		},
		NetworkTimeout: t.network,
		SettleDelay:    t.settle,
		SleepDuration:  t.sleep,
		ReconnectFloor: t.reconnect,
	}, cycle.Deps{
		Link:      netLink,
		Session:   session,
		Handshake: handshake,
		Updater:   updater,
		Sensors:   sensorSet,
		Sleep:     sleep,
		Recorder:  db,
		Clock:     clk,
	}, logger)

	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s: no certificates found", path)
	}
	return pool, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 1883
		if cfg.Broker.TLS {
			cfg.Broker.Port = 8883
		}
	}
	if cfg.Broker.HTTPHost == "" {
		cfg.Broker.HTTPHost = cfg.Broker.Host
	}
	if cfg.Broker.ConnectTimeout == "" {
		cfg.Broker.ConnectTimeout = "10s"
	}
	if cfg.Broker.OpTimeout == "" {
		cfg.Broker.OpTimeout = "5s"
	}
	if cfg.Broker.KeepAlive == "" {
		cfg.Broker.KeepAlive = "30s"
	}
	if cfg.Device.ClientID == "" {
		cfg.Device.ClientID = "chimney-node"
	}
	if cfg.Network.Interface == "" {
		cfg.Network.Interface = "wlan0"
	}
	if cfg.Network.Timeout == "" {
		cfg.Network.Timeout = "20s"
	}
	if cfg.Cycle.Mode == "" {
		cfg.Cycle.Mode = "sleep"
	}
	if cfg.Cycle.Sleep == "" {
		cfg.Cycle.Sleep = "30m"
	}
	if cfg.Cycle.SettleDelay == "" {
		cfg.Cycle.SettleDelay = "2s"
	}
	if cfg.Cycle.ReconnectInterval == "" {
		cfg.Cycle.ReconnectInterval = "5s"
	}
	if cfg.Cycle.HandshakeTimeout == "" {
		cfg.Cycle.HandshakeTimeout = "5s"
	}
	if cfg.Cycle.PollInterval == "" {
		cfg.Cycle.PollInterval = "100ms"
	}
	if cfg.OTA.SlotDir == "" {
		cfg.OTA.SlotDir = "firmware"
	}
	if cfg.OTA.ReadTimeout == "" {
		cfg.OTA.ReadTimeout = "30s"
	}
	if cfg.Sensors.Serial.Baud == 0 {
		cfg.Sensors.Serial.Baud = 115200
	}
	if cfg.Sensors.Serial.Timeout == "" {
		cfg.Sensors.Serial.Timeout = "2s"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "chimney-node.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// historyWindow is how many recent cycles the startup summary covers.
const historyWindow = 10

// logHistory summarizes the previous cycles recorded on this node.
func logHistory(db store.Store, logger *slog.Logger) (failed int) {
	last, err := db.LastCycle()
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		logger.Warn("cycle history unreadable", "err", err)
		return 0
	}
	recent, err := db.ListCycles(historyWindow)
	if err != nil {
		logger.Warn("cycle history unreadable", "err", err)
		return 0
	}
	for _, rec := range recent {
		if rec.Outcome != string(cycle.OutcomePublished) && rec.Outcome != string(cycle.OutcomeUpdated) {
			failed++
		}
	}
	logger.Info("previous cycle",
		"boot", last.BootCount,
		"outcome", last.Outcome,
		"err", last.Error,
		"finished_at", last.FinishedAt,
		"recent_failed", failed,
		"recent", len(recent),
	)
	return failed
}
