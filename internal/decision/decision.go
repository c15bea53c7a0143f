// Package decision turns a noisy stream of per-frame classifications into one
// debounced actuator command per fixed time window.
package decision

import (
	"fmt"
	"strings"
)

// Decision is the binary outcome of classifying a single frame.
type Decision int

const (
	Normal Decision = iota
	Abnormal
)

func (d Decision) String() string {
	switch d {
	case Normal:
		return "normal"
	case Abnormal:
		return "abnormal"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Other returns the opposite decision.
func (d Decision) Other() Decision {
	if d == Abnormal {
		return Normal
	}
	return Abnormal
}

// ParseDecision parses "normal" or "abnormal" (case-insensitive).
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return Normal, nil
	case "abnormal":
		return Abnormal, nil
	default:
		return Normal, fmt.Errorf("unknown decision %q: expected normal or abnormal", s)
	}
}

// Command is the only output of a closed window. Off is the safe state.
type Command int

const (
	Off Command = iota
	On
)

func (c Command) String() string {
	switch c {
	case Off:
		return "OFF"
	case On:
		return "ON"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Wire returns the bytes written to the actuator for c.
func (c Command) Wire() []byte {
	return []byte(c.String() + "\n")
}

// ParseCommand parses "ON" or "OFF" (case-insensitive, surrounding space
// and trailing newline ignored).
func ParseCommand(s string) (Command, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return On, nil
	case "OFF":
		return Off, nil
	default:
		return Off, fmt.Errorf("unknown command %q: expected ON or OFF", s)
	}
}
