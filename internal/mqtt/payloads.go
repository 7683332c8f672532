package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// FirmwareState is the fw_state client attribute.
type FirmwareState string

const (
	StateDownloading FirmwareState = "DOWNLOADING"
	StateDownloaded  FirmwareState = "DOWNLOADED"
	StateUpdating    FirmwareState = "UPDATING"
	StateFailed      FirmwareState = "FAILED"
	StateIdle        FirmwareState = "IDLE"
)

// AttributeReport is published on AttributesTopic. Title and version are
// only set on the per-boot IDLE report.
type AttributeReport struct {
	FirmwareTitle   string        `json:"fw_title,omitempty"`
	FirmwareVersion string        `json:"fw_version,omitempty"`
	State           FirmwareState `json:"fw_state"`
	Error           string        `json:"fw_error,omitempty"`
}

// AttributeRequest asks the broker for shared attribute values.
type AttributeRequest struct {
	SharedKeys string `json:"sharedKeys"`
}

// FirmwareSharedKeys names the shared attributes describing the desired
// firmware.
const FirmwareSharedKeys = "fw_version,fw_title"

// ReportState publishes fw_state with an optional error reason. The payload
// depends only on its arguments.
func (s *Session) ReportState(ctx context.Context, state FirmwareState, reason string) error {
	return s.PublishAttributes(ctx, AttributeReport{State: state, Error: reason})
}

// PublishAttributes publishes v as client attributes.
func (s *Session) PublishAttributes(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: encode attributes: %w", err)
	}
	return s.Publish(ctx, AttributesTopic, payload)
}

// PublishTelemetry publishes a pre-encoded telemetry object.
func (s *Session) PublishTelemetry(ctx context.Context, payload []byte) error {
	return s.Publish(ctx, TelemetryTopic, payload)
}

// RequestSharedAttributes publishes an attribute request for keys.
func (s *Session) RequestSharedAttributes(ctx context.Context, keys string) error {
	payload, err := json.Marshal(AttributeRequest{SharedKeys: keys})
	if err != nil {
		return fmt.Errorf("mqtt: encode attribute request: %w", err)
	}
	return s.Publish(ctx, AttributeRequestTopic, payload)
}
