package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"chimney-node/internal/device"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- paho fakes ---

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// hangingToken never completes.
func hangingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool                       { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return false }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload string
}

type fakeClient struct {
	opts       *pahomqtt.ClientOptions
	connectErr error
	hang       bool
	subErr     map[string]error
	pubErr     error
	open       bool

	subs        map[string]pahomqtt.MessageHandler
	published   []published
	disconnects int
}

func (c *fakeClient) IsConnected() bool      { return c.open }
func (c *fakeClient) IsConnectionOpen() bool { return c.open }

func (c *fakeClient) Connect() pahomqtt.Token {
	if c.hang {
		return hangingToken()
	}
	if c.connectErr != nil {
		return doneToken(c.connectErr)
	}
	c.open = true
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.open = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	if c.pubErr != nil {
		return doneToken(c.pubErr)
	}
	c.published = append(c.published, published{topic: topic, payload: string(payload.([]byte))})
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	if err := c.subErr[topic]; err != nil {
		return doneToken(err)
	}
	if c.subs == nil {
		c.subs = make(map[string]pahomqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token { return doneToken(nil) }

func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// deliver simulates an inbound message on a paho goroutine.
func (c *fakeClient) deliver(filter, topic, payload string) {
	c.subs[filter](c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

type staticSignal int

func (s staticSignal) SignalStrength() (int, bool) { return int(s), true }

type recordingHandler struct {
	topics   []string
	payloads []string
}

func (h *recordingHandler) HandleMessage(topic string, payload []byte) {
	h.topics = append(h.topics, topic)
	h.payloads = append(h.payloads, string(payload))
}

var testIdentity = device.Identity{FirmwareTitle: "Test Firmware", FirmwareVersion: "1.1.6", Token: "tok123"}

func newTestSession(clients ...*fakeClient) *Session {
	s := NewSession(Config{Host: "broker.local", Port: 1883, ClientID: "node-1", ConnectTimeout: 50 * time.Millisecond, OpTimeout: 50 * time.Millisecond}, staticSignal(-60), newTestLogger())
	n := 0
	s.newClient = func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		c := clients[n]
		if n < len(clients)-1 {
			n++
		}
		c.opts = opts
		return c
	}
	return s
}

// --- tests ---

func TestConnectRequiresHandler(t *testing.T) {
	s := newTestSession(&fakeClient{})
	if err := s.Connect(context.Background(), testIdentity); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestConnectUsesTokenAndSubscribes(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})

	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}
	if !s.IsConnected() || s.State() != Connected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if fc.opts.Username != "tok123" {
		t.Errorf("username = %q, want device token", fc.opts.Username)
	}
	if fc.opts.Password != "" {
		t.Errorf("password = %q, want empty", fc.opts.Password)
	}
	if fc.opts.AutoReconnect {
		t.Error("paho auto-reconnect must be disabled")
	}
	if got := fc.opts.Servers[0].String(); got != "tcp://broker.local:1883" {
		t.Errorf("broker = %q", got)
	}
	for _, topic := range []string{AttributeResponseTopic, SharedAttributesTopic} {
		if _, ok := fc.subs[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}
	if got, ok := s.SignalStrength(); !ok || got != -60 {
		t.Errorf("SignalStrength() = %d, %v, want -60, true", got, ok)
	}
}

func TestConnectFailures(t *testing.T) {
	t.Run("no connack", func(t *testing.T) {
		s := newTestSession(&fakeClient{hang: true})
		s.SetHandler(&recordingHandler{})
		err := s.Connect(context.Background(), testIdentity)
		if !IsKind(err, Unreachable) {
			t.Fatalf("err = %v, want unreachable", err)
		}
		if s.State() != Disconnected {
			t.Errorf("state = %v", s.State())
		}
	})

	t.Run("dial error", func(t *testing.T) {
		s := newTestSession(&fakeClient{connectErr: errors.New("connection refused")})
		s.SetHandler(&recordingHandler{})
		if err := s.Connect(context.Background(), testIdentity); !IsKind(err, Unreachable) {
			t.Fatalf("err = %v, want unreachable", err)
		}
	})

	t.Run("subscribe refused", func(t *testing.T) {
		fc := &fakeClient{subErr: map[string]error{SharedAttributesTopic: errors.New("not authorized")}}
		s := newTestSession(fc)
		s.SetHandler(&recordingHandler{})
		err := s.Connect(context.Background(), testIdentity)
		if !IsKind(err, SubscribeFailed) {
			t.Fatalf("err = %v, want subscribe failed", err)
		}
		if s.IsConnected() {
			t.Error("session should not be connected")
		}
		if fc.open {
			t.Error("client should be disconnected after failed subscribe")
		}
	})
}

func TestSignalStrengthUnavailableWhenDisconnected(t *testing.T) {
	s := newTestSession(&fakeClient{})
	if got, ok := s.SignalStrength(); ok {
		t.Errorf("SignalStrength() = %d, true, want unavailable", got)
	}
}

func TestStaleClientCallbacksIgnored(t *testing.T) {
	stale := &fakeClient{hang: true}
	live := &fakeClient{}
	s := newTestSession(stale, live)
	h := &recordingHandler{}
	s.SetHandler(h)

	if err := s.Connect(context.Background(), testIdentity); !IsKind(err, Unreachable) {
		t.Fatalf("first connect err = %v, want unreachable", err)
	}
	if stale.disconnects != 1 {
		t.Fatalf("timed out client disconnects = %d, want 1", stale.disconnects)
	}
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}

	// The abandoned client finishes its handshake late, then drops.
	stale.opts.DefaultPublishHandler(stale, &fakeMessage{topic: SharedAttributesTopic, payload: []byte(`{"fw_version":"9.9.9"}`)})
	stale.opts.OnConnectionLost(stale, errors.New("EOF"))

	if n := s.Poll(); n != 0 {
		t.Errorf("Poll() delivered %d messages from the stale client", n)
	}
	if !s.IsConnected() {
		t.Error("stale connection loss tore down the live session")
	}
	if len(h.topics) != 0 {
		t.Errorf("handler saw %v", h.topics)
	}

	live.deliver(SharedAttributesTopic, SharedAttributesTopic, `{"fw_version":"1.1.8"}`)
	if n := s.Poll(); n != 1 {
		t.Errorf("Poll() = %d, want 1 from the live client", n)
	}
}

func TestRejectedConnectDisconnectsClient(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("not authorized")}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err == nil {
		t.Fatal("expected error")
	}
	if fc.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", fc.disconnects)
	}
}

func TestPollDeliversSynchronously(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	h := &recordingHandler{}
	s.SetHandler(h)
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}

	fc.deliver(AttributeResponseTopic, "v1/devices/me/attributes/response/1", `{"shared":{"fw_version":"1.1.7"}}`)
	fc.deliver(SharedAttributesTopic, SharedAttributesTopic, `{"fw_version":"1.1.8"}`)

	if len(h.topics) != 0 {
		t.Fatal("handler ran before Poll")
	}
	if n := s.Poll(); n != 2 {
		t.Fatalf("Poll() = %d, want 2", n)
	}
	if h.topics[0] != "v1/devices/me/attributes/response/1" || h.topics[1] != SharedAttributesTopic {
		t.Errorf("topics = %v", h.topics)
	}
	if n := s.Poll(); n != 0 {
		t.Errorf("second Poll() = %d, want 0", n)
	}
}

func TestPollNoticesLostConnection(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}

	fc.open = false
	fc.opts.OnConnectionLost(fc, errors.New("EOF"))
	s.Poll()

	if s.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after loss")
	}
}

func TestPublishNotConnected(t *testing.T) {
	s := newTestSession(&fakeClient{})
	err := s.Publish(context.Background(), TelemetryTopic, []byte(`{}`))
	if !IsKind(err, PublishFailed) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want publish failed / not connected", err)
	}
}

func TestPublishError(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}
	fc.pubErr = errors.New("broken pipe")
	if err := s.PublishTelemetry(context.Background(), []byte(`{"rssi":-60}`)); !IsKind(err, PublishFailed) {
		t.Fatalf("err = %v, want publish failed", err)
	}
}

func TestReportStateIsIdempotent(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.ReportState(context.Background(), StateFailed, "Incomplete write"); err != nil {
			t.Fatal(err)
		}
	}
	if len(fc.published) != 2 {
		t.Fatalf("published %d, want 2", len(fc.published))
	}
	if fc.published[0] != fc.published[1] {
		t.Errorf("payloads differ: %q vs %q", fc.published[0].payload, fc.published[1].payload)
	}
	want := `{"fw_state":"FAILED","fw_error":"Incomplete write"}`
	if fc.published[0].payload != want || fc.published[0].topic != AttributesTopic {
		t.Errorf("published = %+v, want %s on %s", fc.published[0], want, AttributesTopic)
	}

	if err := s.ReportState(context.Background(), StateDownloading, ""); err != nil {
		t.Fatal(err)
	}
	if got := fc.published[2].payload; got != `{"fw_state":"DOWNLOADING"}` {
		t.Errorf("payload = %s", got)
	}
}

func TestRequestSharedAttributes(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestSharedAttributes(context.Background(), FirmwareSharedKeys); err != nil {
		t.Fatal(err)
	}
	got := fc.published[0]
	if got.topic != AttributeRequestTopic || got.payload != `{"sharedKeys":"fw_version,fw_title"}` {
		t.Errorf("published = %+v", got)
	}
}

func TestReconnectIfNeededRateLimited(t *testing.T) {
	first := &fakeClient{}
	down := &fakeClient{connectErr: errors.New("connection refused")}
	s := newTestSession(first, down)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}

	// Drop the connection.
	first.open = false
	first.opts.OnConnectionLost(first, errors.New("EOF"))
	s.Poll()

	base := time.Unix(1000, 0)
	if !s.ReconnectIfNeeded(context.Background(), base, 5*time.Second) {
		t.Fatal("first call should attempt")
	}
	if s.ReconnectIfNeeded(context.Background(), base.Add(4999*time.Millisecond), 5*time.Second) {
		t.Error("second call inside the interval attempted a reconnect")
	}
	if !s.ReconnectIfNeeded(context.Background(), base.Add(5*time.Second), 5*time.Second) {
		t.Error("call after the interval should attempt")
	}
}

func TestReconnectIfNeededWhenConnected(t *testing.T) {
	s := newTestSession(&fakeClient{})
	s.SetHandler(&recordingHandler{})
	if s.ReconnectIfNeeded(context.Background(), time.Now(), time.Second) {
		t.Error("no identity yet; should not attempt")
	}
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}
	if s.ReconnectIfNeeded(context.Background(), time.Now(), 0) {
		t.Error("connected session should not reconnect")
	}
}

func TestReconnectRestoresSession(t *testing.T) {
	first := &fakeClient{}
	second := &fakeClient{}
	s := newTestSession(first, second)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}
	first.open = false
	first.opts.OnConnectionLost(first, errors.New("EOF"))
	s.Poll()

	if !s.ReconnectIfNeeded(context.Background(), time.Now(), time.Second) {
		t.Fatal("expected attempt")
	}
	if !s.IsConnected() {
		t.Fatal("session should be connected again")
	}
	if second.opts.Username != "tok123" {
		t.Errorf("reconnect username = %q", second.opts.Username)
	}
}

func TestDisconnect(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSession(fc)
	s.SetHandler(&recordingHandler{})
	if err := s.Connect(context.Background(), testIdentity); err != nil {
		t.Fatal(err)
	}
	fc.deliver(SharedAttributesTopic, SharedAttributesTopic, `{}`)
	s.Disconnect()

	if fc.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", fc.disconnects)
	}
	if s.State() != Disconnected {
		t.Errorf("state = %v", s.State())
	}
	if n := s.Poll(); n != 0 {
		t.Errorf("Poll() after disconnect delivered %d messages", n)
	}
}

func TestIsAttributeResponse(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{"v1/devices/me/attributes/response/1", true},
		{"v1/devices/me/attributes/response/42", true},
		{"v1/devices/me/attributes/response/", false},
		{"v1/devices/me/attributes", false},
		{"v1/devices/me/telemetry", false},
	}
	for _, tt := range tests {
		if got := IsAttributeResponse(tt.topic); got != tt.want {
			t.Errorf("IsAttributeResponse(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}
