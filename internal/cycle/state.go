package cycle

import (
	"time"

	"chimney-node/internal/attributes"
	"chimney-node/internal/sensors"
)

// State is a Controller state. A cycle moves forward only:
// Init, SensorsReady, NetworkUp, BrokerUp, Handshaking, then Updating or
// Publishing, and always ends in Sleeping.
type State int

const (
	Init State = iota
	SensorsReady
	NetworkUp
	BrokerUp
	Handshaking
	Updating
	Publishing
	Sleeping
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case SensorsReady:
		return "sensors_ready"
	case NetworkUp:
		return "network_up"
	case BrokerUp:
		return "broker_up"
	case Handshaking:
		return "handshaking"
	case Updating:
		return "updating"
	case Publishing:
		return "publishing"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Outcome summarizes how a cycle ended.
type Outcome string

const (
	OutcomePublished     Outcome = "published"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeNetworkFailed Outcome = "network_failed"
	OutcomeBrokerFailed  Outcome = "broker_failed"
	OutcomeUpdated       Outcome = "updated"
	OutcomeCancelled     Outcome = "cancelled"
)

// CycleContext is the state of one cycle. It is created by the controller
// at the start of each cycle and never shared between cycles.
type CycleContext struct {
	ID        string
	BootCount uint64
	Sequence  int // cycle number within this boot, from 1
	StartedAt time.Time

	State State
	// Path lists every state entered, in order.
	Path []State

	Attributes   *attributes.Response
	UpdateDue    bool
	Measurements sensors.Measurements
	Telemetry    []byte
	Outcome      Outcome

	NetworkErr   error
	BrokerErr    error
	HandshakeErr error
	UpdateErr    error
	PublishErr   error
}

func (cc *CycleContext) enter(s State) {
	cc.State = s
	cc.Path = append(cc.Path, s)
}

// Err returns the first error that cut the cycle short or degraded it.
func (cc *CycleContext) Err() error {
	for _, err := range []error{cc.NetworkErr, cc.BrokerErr, cc.UpdateErr, cc.PublishErr, cc.HandshakeErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
