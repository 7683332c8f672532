package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"chimney-node/internal/attributes"
	"chimney-node/internal/clock"
	"chimney-node/internal/device"
	"chimney-node/internal/link"
	"chimney-node/internal/mqtt"
	"chimney-node/internal/ota"
	"chimney-node/internal/sensors"
	"chimney-node/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func strPtr(s string) *string { return &s }
func fPtr(v float64) *float64 { return &v }

// --- fakes ---

type fakeLink struct {
	connected bool
	err       error
	connects  int
}

func (l *fakeLink) Connect(ctx context.Context, _ link.Credentials) error {
	l.connects++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("link connect without deadline")
	}
	if l.err != nil {
		return l.err
	}
	l.connected = true
	return nil
}

func (l *fakeLink) Connected() bool { return l.connected }

func (l *fakeLink) SignalStrength() (int, bool) { return -61, l.connected }

type published struct {
	topic   string
	payload string
}

type fakeSession struct {
	handler    mqtt.Handler
	connected  bool
	connectErr error
	connects   int
	reconnects int
	// reconnectOK decides whether ReconnectIfNeeded restores the session.
	reconnectOK bool
	// wired links have no radio reading.
	wired bool
	log   []published

	handlerSetBeforeConnect bool
}

func (s *fakeSession) SetHandler(h mqtt.Handler) { s.handler = h }

func (s *fakeSession) Connect(context.Context, device.Identity) error {
	s.connects++
	s.handlerSetBeforeConnect = s.handler != nil
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) IsConnected() bool { return s.connected }

func (s *fakeSession) ReconnectIfNeeded(context.Context, time.Time, time.Duration) bool {
	s.reconnects++
	s.connected = s.reconnectOK
	return true
}

func (s *fakeSession) PublishAttributes(_ context.Context, v any) error {
	if !s.connected {
		return mqtt.ErrNotConnected
	}
	b, _ := json.Marshal(v)
	s.log = append(s.log, published{mqtt.AttributesTopic, string(b)})
	return nil
}

func (s *fakeSession) PublishTelemetry(_ context.Context, payload []byte) error {
	if !s.connected {
		return mqtt.ErrNotConnected
	}
	s.log = append(s.log, published{mqtt.TelemetryTopic, string(payload)})
	return nil
}

func (s *fakeSession) SignalStrength() (int, bool) {
	if !s.connected || s.wired {
		return 0, false
	}
	return -61, true
}

type fakeHandshake struct {
	resp attributes.Response
	err  error
	runs int
}

func (h *fakeHandshake) HandleMessage(string, []byte) {}

func (h *fakeHandshake) Run(context.Context) (attributes.Response, error) {
	h.runs++
	return h.resp, h.err
}

type fakeUpdater struct {
	err       error
	manifests []ota.Manifest
}

func (u *fakeUpdater) Run(_ context.Context, m ota.Manifest) error {
	u.manifests = append(u.manifests, m)
	return u.err
}

type fakeSensors struct {
	m     sensors.Measurements
	inits int
	reads int
}

func (s *fakeSensors) Init(context.Context) int { s.inits++; return 1 }

func (s *fakeSensors) ReadMeasurements(context.Context) sensors.Measurements {
	s.reads++
	return s.m
}

type fakeSleep struct {
	resumes []bool
	calls   int
	err     error
}

func (s *fakeSleep) Sleep(context.Context, time.Duration) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	if s.calls <= len(s.resumes) {
		return s.resumes[s.calls-1], nil
	}
	return false, nil
}

type memRecorder struct {
	boots  uint64
	cycles []*store.CycleRecord
}

func (r *memRecorder) IncrementBootCount() (uint64, error) {
	r.boots++
	return r.boots, nil
}

func (r *memRecorder) SaveCycle(rec *store.CycleRecord) error {
	r.cycles = append(r.cycles, rec)
	return nil
}

type harness struct {
	link      *fakeLink
	session   *fakeSession
	handshake *fakeHandshake
	updater   *fakeUpdater
	sensors   *fakeSensors
	sleep     *fakeSleep
	recorder  *memRecorder
	clock     *clock.Manual
	ctrl      *Controller
}

func newHarness() *harness {
	h := &harness{
		link:      &fakeLink{},
		session:   &fakeSession{},
		handshake: &fakeHandshake{err: attributes.ErrHandshakeTimeout},
		updater:   &fakeUpdater{},
		sensors:   &fakeSensors{m: sensors.Measurements{BatteryVoltage: fPtr(3.9), FlueTempF: fPtr(250)}},
		sleep:     &fakeSleep{},
		recorder:  &memRecorder{},
		clock:     clock.NewManual(time.Unix(1700000000, 0)),
	}
	cfg := Config{
		Identity:    device.Identity{FirmwareTitle: "Test Firmware", FirmwareVersion: "1.1.6", Token: "TOKEN"},
		SettleDelay: 2 * time.Second,
	}
	h.ctrl = New(cfg, Deps{
		Link:      h.link,
		Session:   h.session,
		Handshake: h.handshake,
		Updater:   h.updater,
		Sensors:   h.sensors,
		Sleep:     h.sleep,
		Recorder:  h.recorder,
		Clock:     h.clock,
	}, newTestLogger())
	return h
}

func TestCycleNoUpdatePublishes(t *testing.T) {
	h := newHarness()
	h.handshake.err = nil
	h.handshake.resp = attributes.Response{FirmwareTitle: strPtr("Test Firmware"), FirmwareVersion: strPtr("1.1.6")}

	cc := h.ctrl.RunCycle(context.Background())

	wantPath := []State{Init, SensorsReady, NetworkUp, BrokerUp, Handshaking, Publishing, Sleeping}
	if !reflect.DeepEqual(cc.Path, wantPath) {
		t.Errorf("path = %v, want %v", cc.Path, wantPath)
	}
	if cc.Outcome != OutcomePublished || cc.Err() != nil {
		t.Errorf("outcome = %s err = %v", cc.Outcome, cc.Err())
	}
	if len(h.updater.manifests) != 0 {
		t.Error("updater called for current version")
	}
	if !h.session.handlerSetBeforeConnect {
		t.Error("handler must be registered before connect")
	}
	want := []published{
		{mqtt.AttributesTopic, `{"fw_title":"Test Firmware","fw_version":"1.1.6","fw_state":"IDLE"}`},
		{mqtt.TelemetryTopic, `{"batt_voltage":3.9,"rssi":-61,"chimney_temp":250}`},
	}
	if !reflect.DeepEqual(h.session.log, want) {
		t.Errorf("published = %v, want %v", h.session.log, want)
	}
	if h.clock.Slept() != 2*time.Second {
		t.Errorf("settle delay = %v", h.clock.Slept())
	}
}

func TestCycleHandshakeTimeoutPublishes(t *testing.T) {
	h := newHarness()

	cc := h.ctrl.RunCycle(context.Background())

	if !errors.Is(cc.HandshakeErr, attributes.ErrHandshakeTimeout) {
		t.Errorf("handshake err = %v", cc.HandshakeErr)
	}
	for _, s := range cc.Path {
		if s == Updating {
			t.Fatal("timeout must never lead to Updating")
		}
	}
	if cc.State != Sleeping || cc.Outcome != OutcomePublished {
		t.Errorf("state = %s outcome = %s", cc.State, cc.Outcome)
	}
	if len(h.updater.manifests) != 0 {
		t.Error("updater called")
	}
}

func TestCycleUpdateDue(t *testing.T) {
	h := newHarness()
	h.handshake.err = nil
	h.handshake.resp = attributes.Response{FirmwareTitle: strPtr("Test Firmware"), FirmwareVersion: strPtr("1.1.7")}

	cc := h.ctrl.RunCycle(context.Background())

	if len(h.updater.manifests) != 1 {
		t.Fatalf("updater runs = %d", len(h.updater.manifests))
	}
	if m := h.updater.manifests[0]; m.Title != "Test Firmware" || m.Version != "1.1.7" {
		t.Errorf("manifest = %+v", m)
	}
	if cc.Outcome != OutcomeUpdated {
		t.Errorf("outcome = %s", cc.Outcome)
	}
	if len(h.session.log) != 0 {
		t.Errorf("published during update: %v", h.session.log)
	}
}

func TestCycleFailedUpdateFallsThroughToPublishing(t *testing.T) {
	h := newHarness()
	h.handshake.err = nil
	h.handshake.resp = attributes.Response{FirmwareVersion: strPtr("1.1.7")}
	h.updater.err = &ota.UpdateError{Kind: ota.IncompleteWrite, Reason: ota.ReasonIncomplete}

	cc := h.ctrl.RunCycle(context.Background())

	wantPath := []State{Init, SensorsReady, NetworkUp, BrokerUp, Handshaking, Updating, Publishing, Sleeping}
	if !reflect.DeepEqual(cc.Path, wantPath) {
		t.Errorf("path = %v", cc.Path)
	}
	if !ota.IsKind(cc.UpdateErr, ota.IncompleteWrite) {
		t.Errorf("update err = %v", cc.UpdateErr)
	}
	if len(h.session.log) != 2 || h.session.log[1].topic != mqtt.TelemetryTopic {
		t.Errorf("published = %v", h.session.log)
	}
}

func TestCycleNetworkFailureSkipsToSleeping(t *testing.T) {
	h := newHarness()
	h.link.err = link.ErrNetworkTimeout

	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sleep.calls != 1 {
		t.Errorf("sleep calls = %d, want 1", h.sleep.calls)
	}
	if h.session.connects != 0 || h.handshake.runs != 0 || len(h.session.log) != 0 {
		t.Error("cycle continued past network failure")
	}
	rec := h.recorder.cycles[0]
	if rec.Outcome != string(OutcomeNetworkFailed) || rec.FinalState != "sensors_ready" {
		t.Errorf("record = %+v", rec)
	}
}

func TestCycleBrokerFailureSkipsToSleeping(t *testing.T) {
	h := newHarness()
	h.session.connectErr = &mqtt.BrokerError{Kind: mqtt.Rejected, Code: 5}

	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sleep.calls != 1 {
		t.Errorf("sleep calls = %d, want 1", h.sleep.calls)
	}
	if h.handshake.runs != 0 {
		t.Error("handshake ran without a session")
	}
	rec := h.recorder.cycles[0]
	if rec.Outcome != string(OutcomeBrokerFailed) || rec.Error == "" {
		t.Errorf("record = %+v", rec)
	}

	cc := h.ctrl.RunCycle(context.Background())
	if !mqtt.IsKind(cc.BrokerErr, mqtt.Rejected) {
		t.Errorf("broker err = %v", cc.BrokerErr)
	}
}

func TestCycleOmitsAbsentReadings(t *testing.T) {
	h := newHarness()
	h.sensors.m = sensors.Measurements{AmbientTempF: fPtr(0)}

	cc := h.ctrl.RunCycle(context.Background())

	if got := string(cc.Telemetry); got != `{"ext_temp":0,"rssi":-61}` {
		t.Errorf("telemetry = %s", got)
	}
}

func TestCycleOmitsRssiWithoutReading(t *testing.T) {
	h := newHarness()
	h.session.wired = true

	cc := h.ctrl.RunCycle(context.Background())

	if got := string(cc.Telemetry); got != `{"batt_voltage":3.9,"chimney_temp":250}` {
		t.Errorf("telemetry = %s", got)
	}
	if cc.Measurements.SignalStrength != nil {
		t.Errorf("rssi = %d, want absent", *cc.Measurements.SignalStrength)
	}
}

func TestBootCountPersistsAcrossControllers(t *testing.T) {
	h := newHarness()
	h.ctrl.RunCycle(context.Background())
	h.ctrl.RunCycle(context.Background())

	// A new process over the same store.
	next := New(h.ctrl.cfg, h.ctrl.deps, newTestLogger())
	cc := next.RunCycle(context.Background())

	if cc.BootCount != 2 || cc.Sequence != 1 {
		t.Errorf("boot = %d seq = %d, want 2, 1", cc.BootCount, cc.Sequence)
	}
}

func TestContinuousCyclesReuseSession(t *testing.T) {
	h := newHarness()
	h.sleep.resumes = []bool{true, true}

	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sleep.calls != 3 {
		t.Fatalf("cycles = %d, want 3", h.sleep.calls)
	}
	if h.sensors.inits != 1 || h.sensors.reads != 3 {
		t.Errorf("sensor inits = %d reads = %d", h.sensors.inits, h.sensors.reads)
	}
	if h.link.connects != 1 || h.session.connects != 1 {
		t.Errorf("link connects = %d session connects = %d", h.link.connects, h.session.connects)
	}
	if len(h.recorder.cycles) != 3 {
		t.Fatalf("records = %d", len(h.recorder.cycles))
	}
	if h.recorder.boots != 1 {
		t.Errorf("boot counter bumped %d times, want once per process", h.recorder.boots)
	}
	for i, rec := range h.recorder.cycles {
		if rec.BootCount != 1 || rec.Sequence != i+1 {
			t.Errorf("record %d: boot = %d seq = %d, want 1, %d", i, rec.BootCount, rec.Sequence, i+1)
		}
	}
	ids := map[string]bool{}
	for _, rec := range h.recorder.cycles {
		ids[rec.ID] = true
	}
	if len(ids) != 3 {
		t.Error("cycle ids not unique")
	}
}

func TestContinuousCycleReconnectsLostSession(t *testing.T) {
	h := newHarness()
	h.ctrl.RunCycle(context.Background())

	h.session.connected = false
	cc := h.ctrl.RunCycle(context.Background())
	if h.session.reconnects != 1 || h.session.connects != 1 {
		t.Errorf("reconnects = %d connects = %d", h.session.reconnects, h.session.connects)
	}
	if cc.Outcome != OutcomeBrokerFailed {
		t.Errorf("outcome = %s", cc.Outcome)
	}

	h.session.reconnectOK = true
	cc = h.ctrl.RunCycle(context.Background())
	if cc.Outcome != OutcomePublished {
		t.Errorf("outcome after reconnect = %s", cc.Outcome)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.ctrl.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if h.sleep.calls != 0 {
		t.Error("slept after cancel")
	}
}

func TestRunReturnsSleepError(t *testing.T) {
	h := newHarness()
	h.sleep.err = errors.New("no rtc")

	if err := h.ctrl.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
