package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is returned by Connect when no Handler was registered.
	ErrNoHandler = errors.New("mqtt: no message handler registered")
	// ErrNotConnected is wrapped by publish and subscribe failures on a
	// session that is not connected.
	ErrNotConnected = errors.New("mqtt: not connected")
	errTimeout      = errors.New("timed out")
)

// ErrorKind classifies a BrokerError.
type ErrorKind int

const (
	// Rejected means the broker refused the CONNECT; Code holds the
	// CONNACK return code.
	Rejected ErrorKind = iota + 1
	// Unreachable means no CONNACK arrived (dial failure or timeout).
	Unreachable
	PublishFailed
	SubscribeFailed
)

func (k ErrorKind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	case PublishFailed:
		return "publish failed"
	case SubscribeFailed:
		return "subscribe failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BrokerError is returned by Session operations.
type BrokerError struct {
	Kind  ErrorKind
	Code  byte
	Topic string
	Err   error
}

func (e *BrokerError) Error() string {
	switch {
	case e.Kind == Rejected:
		return fmt.Sprintf("mqtt: connect rejected, rc=%d: %v", e.Code, e.Err)
	case e.Topic != "":
		return fmt.Sprintf("mqtt: %s on %s: %v", e.Kind, e.Topic, e.Err)
	default:
		return fmt.Sprintf("mqtt: %s: %v", e.Kind, e.Err)
	}
}

func (e *BrokerError) Unwrap() error { return e.Err }

// IsKind reports whether err is a BrokerError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Kind == kind
}
