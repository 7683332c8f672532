// Package link brings up the node's network link before the broker session
// is opened and reports its signal strength.
package link

import (
	"context"
	"errors"
)

var (
	// ErrNetworkTimeout is returned when the link is not up before the deadline.
	ErrNetworkTimeout = errors.New("network: link connect timed out")
	// ErrAuthFailed is returned when the link layer rejects the credentials.
	ErrAuthFailed = errors.New("network: credentials rejected")
)

// Credentials for the access point. An empty SSID means a wired or
// pre-associated link that only has to come up.
type Credentials struct {
	SSID       string
	Passphrase string
}

// Link is the network half of the transport session.
type Link interface {
	// Connect blocks until the link is up or ctx expires.
	Connect(ctx context.Context, creds Credentials) error
	Connected() bool
	// SignalStrength returns the RSSI in dBm. ok is false when the link is
	// down or has no radio reading, as on a wired interface.
	SignalStrength() (rssi int, ok bool)
}
