// Package attributes implements the bounded shared-attribute handshake the
// node runs after connecting: ask the broker which firmware it should be
// running and wait a fixed time for the answer.
package attributes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chimney-node/internal/clock"
	"chimney-node/internal/mqtt"
)

// ErrHandshakeTimeout means no usable response arrived before the deadline.
// Callers treat it as "no update information".
var ErrHandshakeTimeout = errors.New("attributes: no response before deadline")

// Response carries the desired firmware identity. A nil version means the
// broker had nothing actionable.
type Response struct {
	FirmwareTitle   *string
	FirmwareVersion *string
}

// Session is the part of the transport session the handshake drives.
type Session interface {
	Poll() int
	RequestSharedAttributes(ctx context.Context, keys string) error
}

// Config bounds the handshake.
type Config struct {
	// Timeout is measured from the moment the request is published.
	Timeout time.Duration
	// PollInterval is the delay between polls. One interval is also
	// allowed after connect before the request goes out.
	PollInterval time.Duration
}

const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Handshake implements mqtt.Handler for the attribute topics. Only the
// first usable response inside a Run window is kept. Pushes that arrive
// outside a window are held and returned by the next Run.
type Handshake struct {
	cfg     Config
	session Session
	clock   clock.Clock
	logger  *slog.Logger

	waiting bool
	result  *Response
	pending *Response
}

// New creates a handshake bound to session.
func New(session Session, clk clock.Clock, cfg Config, logger *slog.Logger) *Handshake {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Handshake{
		cfg:     cfg,
		session: session,
		clock:   clk,
		logger:  logger.With("component", "attributes"),
	}
}

// HandleMessage receives attribute responses and shared attribute pushes.
func (h *Handshake) HandleMessage(topic string, payload []byte) {
	response := mqtt.IsAttributeResponse(topic)
	push := mqtt.IsSharedAttributePush(topic)
	if !response && !push {
		return
	}
	resp, ok := parseResponse(payload)
	if !ok {
		h.logger.Debug("ignoring attribute message without fw_version", "topic", topic)
		return
	}
	switch {
	case h.waiting && h.result == nil:
		h.result = &resp
		h.logger.Info("received firmware info", "title", deref(resp.FirmwareTitle), "version", deref(resp.FirmwareVersion))
	case h.waiting:
		h.logger.Debug("ignoring additional attribute message", "topic", topic)
	case push:
		h.pending = &resp
		h.logger.Info("shared attributes pushed", "version", deref(resp.FirmwareVersion))
	}
}

// Run requests the firmware shared attributes and waits for the answer.
// It returns ErrHandshakeTimeout if nothing usable arrives in time.
func (h *Handshake) Run(ctx context.Context) (Response, error) {
	if h.pending != nil {
		resp := *h.pending
		h.pending = nil
		return resp, nil
	}

	h.result = nil
	h.waiting = true
	defer func() { h.waiting = false }()

	// SUBACKs are in, but give the broker one interval; it may push the
	// current shared attributes on connect.
	if err := h.clock.Sleep(ctx, h.cfg.PollInterval); err != nil {
		return Response{}, err
	}
	h.session.Poll()
	if h.result != nil {
		return *h.result, nil
	}

	if err := h.session.RequestSharedAttributes(ctx, mqtt.FirmwareSharedKeys); err != nil {
		return Response{}, fmt.Errorf("attributes: request: %w", err)
	}
	h.logger.Debug("attribute request sent", "timeout", h.cfg.Timeout)

	start := h.clock.Now()
	for {
		h.session.Poll()
		if h.result != nil {
			return *h.result, nil
		}
		if h.clock.Now().Sub(start) >= h.cfg.Timeout {
			return Response{}, ErrHandshakeTimeout
		}
		if err := h.clock.Sleep(ctx, h.cfg.PollInterval); err != nil {
			return Response{}, err
		}
	}
}

type firmwareKeys struct {
	Version *string `json:"fw_version"`
	Title   *string `json:"fw_title"`
}

// Responses wrap the keys in "shared"; pushes may send them flat.
type attributePayload struct {
	Shared *firmwareKeys `json:"shared"`
	firmwareKeys
}

func parseResponse(payload []byte) (Response, bool) {
	var p attributePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Response{}, false
	}
	keys := p.firmwareKeys
	if p.Shared != nil && p.Shared.Version != nil {
		keys = *p.Shared
	}
	if keys.Version == nil {
		return Response{}, false
	}
	return Response{FirmwareTitle: keys.Title, FirmwareVersion: keys.Version}, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
