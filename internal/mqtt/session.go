package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"chimney-node/internal/device"
)

// Config holds MQTT session configuration.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string

	ConnectTimeout time.Duration
	// OpTimeout bounds each publish and subscribe acknowledgement.
	OpTimeout time.Duration
	KeepAlive time.Duration
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultOpTimeout      = 5 * time.Second
	defaultKeepAlive      = 30 * time.Second
	qos                   = 1
)

// Handler receives inbound messages. It is invoked only from Poll, on the
// goroutine that owns the session.
type Handler interface {
	HandleMessage(topic string, payload []byte)
}

// SignalSource reports link quality for the session. ok is false when no
// reading is available.
type SignalSource interface {
	SignalStrength() (rssi int, ok bool)
}

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

type inbound struct {
	topic   string
	payload []byte
}

// Session owns the broker connection of the node. All methods except the
// paho callbacks must be called from a single goroutine; the callbacks only
// append to the inbox, which Poll drains.
type Session struct {
	cfg       Config
	signal    SignalSource
	logger    *slog.Logger
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	client      pahomqtt.Client
	state       State
	handler     Handler
	identity    device.Identity
	hasIdentity bool

	attempted   bool
	lastAttempt time.Time

	mu    sync.Mutex
	inbox []inbound
	lost  bool
	// gen identifies the live client. Callbacks from older clients are
	// dropped.
	gen uint64
}

// NewSession creates a disconnected session. signal may be nil.
func NewSession(cfg Config, signal SignalSource, logger *slog.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &Session{
		cfg:       cfg,
		signal:    signal,
		logger:    logger.With("component", "mqtt"),
		newClient: pahomqtt.NewClient,
	}
}

// SetHandler registers the inbound message handler. It must be called
// before Connect so no message can arrive without a handler.
func (s *Session) SetHandler(h Handler) {
	s.handler = h
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Connect opens the session with the device token as the only credential
// and subscribes to the attribute response and shared attribute topics.
// Both subscriptions are acknowledged before Connect returns.
func (s *Session) Connect(ctx context.Context, id device.Identity) error {
	if s.handler == nil {
		return ErrNoHandler
	}
	s.identity = id
	s.hasIdentity = true
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	s.closeClient(0)
	s.state = Connecting
	gen := s.nextGeneration()
	enqueue := s.enqueueFor(gen)

	opts := pahomqtt.NewClientOptions().
		AddBroker(s.brokerURL()).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.identity.Token).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetKeepAlive(s.cfg.KeepAlive).
		SetDefaultPublishHandler(enqueue).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			s.logger.Warn("MQTT connection lost", "err", err)
			s.lost = true
		})
	if s.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := s.newClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, s.cfg.ConnectTimeout); err != nil {
		s.abandon(client)
		return &BrokerError{Kind: Unreachable, Err: err}
	}
	if err := token.Error(); err != nil {
		s.abandon(client)
		code := connectReturnCode(token)
		if code != 0 {
			return &BrokerError{Kind: Rejected, Code: code, Err: err}
		}
		return &BrokerError{Kind: Unreachable, Err: err}
	}

	s.client = client
	s.mu.Lock()
	s.lost = false
	s.mu.Unlock()

	for _, topic := range []string{AttributeResponseTopic, SharedAttributesTopic} {
		if err := s.subscribe(ctx, topic, enqueue); err != nil {
			s.closeClient(250)
			s.state = Disconnected
			return err
		}
	}

	s.state = Connected
	s.logger.Info("MQTT connected", "broker", s.brokerURL())
	return nil
}

func connectReturnCode(token pahomqtt.Token) byte {
	if ct, ok := token.(*pahomqtt.ConnectToken); ok {
		return ct.ReturnCode()
	}
	return 0
}

func (s *Session) brokerURL() string {
	scheme := "tcp"
	if s.cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
}

// Subscribe subscribes to an additional topic filter and waits for SUBACK.
func (s *Session) Subscribe(ctx context.Context, topic string) error {
	if !s.IsConnected() {
		return &BrokerError{Kind: SubscribeFailed, Topic: topic, Err: ErrNotConnected}
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.subscribe(ctx, topic, s.enqueueFor(gen))
}

func (s *Session) subscribe(ctx context.Context, topic string, cb pahomqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, qos, cb)
	if err := waitToken(ctx, token, s.cfg.OpTimeout); err != nil {
		return &BrokerError{Kind: SubscribeFailed, Topic: topic, Err: err}
	}
	if err := token.Error(); err != nil {
		return &BrokerError{Kind: SubscribeFailed, Topic: topic, Err: err}
	}
	s.logger.Debug("subscribed", "topic", topic)
	return nil
}

// Publish sends payload to topic and waits for the broker to acknowledge it.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.IsConnected() {
		return &BrokerError{Kind: PublishFailed, Topic: topic, Err: ErrNotConnected}
	}
	s.logger.Debug("publish", "topic", topic, "payload", string(payload))
	token := s.client.Publish(topic, qos, false, payload)
	if err := waitToken(ctx, token, s.cfg.OpTimeout); err != nil {
		return &BrokerError{Kind: PublishFailed, Topic: topic, Err: err}
	}
	if err := token.Error(); err != nil {
		return &BrokerError{Kind: PublishFailed, Topic: topic, Err: err}
	}
	return nil
}

// enqueueFor returns the message callback of client generation gen. It
// runs on paho's goroutines.
func (s *Session) enqueueFor(gen uint64) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return
		}
		s.inbox = append(s.inbox, inbound{topic: msg.Topic(), payload: payload})
	}
}

func (s *Session) nextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.gen
}

// abandon tears down a client whose connect did not complete. paho may
// still be dialing, so it is told to stop even if not yet open.
func (s *Session) abandon(client pahomqtt.Client) {
	s.nextGeneration()
	client.Disconnect(0)
	s.state = Disconnected
}

// Poll delivers queued inbound messages to the handler and notices a lost
// connection. It never blocks and returns the number of messages delivered.
func (s *Session) Poll() int {
	s.mu.Lock()
	msgs := s.inbox
	s.inbox = nil
	lost := s.lost
	s.lost = false
	s.mu.Unlock()

	if lost && s.state == Connected {
		s.state = Disconnected
		s.logger.Info("session disconnected")
	}
	for _, m := range msgs {
		s.logger.Debug("message arrived", "topic", m.topic, "bytes", len(m.payload))
		if s.handler != nil {
			s.handler.HandleMessage(m.topic, m.payload)
		}
	}
	return len(msgs)
}

// IsConnected reports whether the session is usable.
func (s *Session) IsConnected() bool {
	return s.state == Connected && s.client != nil && s.client.IsConnectionOpen()
}

// SignalStrength returns the link RSSI. ok is false when the session is
// down or the link has no reading.
func (s *Session) SignalStrength() (int, bool) {
	if !s.IsConnected() || s.signal == nil {
		return 0, false
	}
	return s.signal.SignalStrength()
}

// ReconnectIfNeeded makes at most one connect attempt when the session is
// down and at least minInterval has passed since the previous attempt made
// here. It reports whether an attempt was made. Connect must have been
// called once before so the identity is known.
func (s *Session) ReconnectIfNeeded(ctx context.Context, now time.Time, minInterval time.Duration) bool {
	if s.IsConnected() || !s.hasIdentity || s.handler == nil {
		return false
	}
	if s.attempted && now.Sub(s.lastAttempt) < minInterval {
		return false
	}
	s.attempted = true
	s.lastAttempt = now

	s.logger.Info("attempting MQTT reconnect")
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.connect(ctx); err != nil {
		s.logger.Warn("MQTT reconnect failed", "err", err, "retry_in", minInterval)
	}
	return true
}

// Disconnect closes the session and drops undelivered messages.
func (s *Session) Disconnect() {
	s.closeClient(250)
	s.state = Disconnected
	s.mu.Lock()
	s.inbox = nil
	s.lost = false
	s.mu.Unlock()
	s.logger.Info("MQTT disconnected")
}

func (s *Session) closeClient(quiesce uint) {
	if s.client == nil {
		return
	}
	s.nextGeneration()
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(quiesce)
	}
	s.client = nil
}

// waitToken waits for token completion, bounded by timeout and ctx.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return nil
	case <-timer.C:
		return errTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
