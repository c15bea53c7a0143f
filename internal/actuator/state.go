package actuator

import "fmt"

// State is the connection lifecycle of a Controller.
//
//	Disconnected -> Connecting -> Connected -> Closing -> Closed
//	Connecting -> Disconnected   (failed attempt, retried)
//	Connecting -> Failed         (attempts exhausted, terminal)
//	Connected -> Disconnected    (write fault, reconnect before next command)
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the controller can no longer drive the device.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}
