package mqtt

import "strings"

// Device API topics. The broker identifies the device from the session
// credentials, so every topic is rooted at "me".
const (
	TelemetryTopic         = "v1/devices/me/telemetry"
	AttributesTopic        = "v1/devices/me/attributes"
	AttributeRequestTopic  = "v1/devices/me/attributes/request/1"
	AttributeResponseTopic = "v1/devices/me/attributes/response/+"
	SharedAttributesTopic  = "v1/devices/me/attributes"

	attributeResponsePrefix = "v1/devices/me/attributes/response/"
)

// IsAttributeResponse reports whether topic carries a reply to an
// attribute request. Replies carry the request id as the last segment.
func IsAttributeResponse(topic string) bool {
	return strings.HasPrefix(topic, attributeResponsePrefix) && len(topic) > len(attributeResponsePrefix)
}

// IsSharedAttributePush reports whether topic carries a broker-initiated
// shared attribute update.
func IsSharedAttributePush(topic string) bool {
	return topic == SharedAttributesTopic
}
