// Package device holds the process-wide identity of the node and the
// broker it reports to. Both are fixed for the lifetime of the process.
package device

// Identity identifies the running firmware and authenticates the node.
// The token is the only broker credential; there is no password.
type Identity struct {
	FirmwareTitle   string
	FirmwareVersion string
	Token           string
}

// Endpoint is where the node connects: MQTT for the session and HTTP(S)
// for firmware image downloads.
type Endpoint struct {
	MQTTHost string
	MQTTPort int
	HTTPHost string
}
