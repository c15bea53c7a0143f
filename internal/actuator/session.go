package actuator

import (
	"time"

	"github.com/banshee-data/pear-sorter/internal/decision"
)

// Session is the observable record of one controller lifetime. Counters only
// move when a command was fully written to the device.
type Session struct {
	ID              string    `json:"id"`
	Port            string    `json:"port"`
	StartedAt       time.Time `json:"started_at"`
	LastCommandTime time.Time `json:"last_command_time,omitzero"`
	OnCount         uint64    `json:"on_count"`
	OffCount        uint64    `json:"off_count"`
	Failures        uint64    `json:"failures"`
	Coalesced       uint64    `json:"coalesced"`
	Reconnects      uint64    `json:"reconnects"`
}

// Status is a point-in-time view of a Controller.
type Status struct {
	State   State   `json:"state"`
	Pulsing bool    `json:"pulsing"`
	Session Session `json:"session"`
}

// EventKind classifies controller events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventApplied      EventKind = "applied"
	EventWriteFailed  EventKind = "write_failed"
	EventCoalesced    EventKind = "coalesced"
	EventConnectFail  EventKind = "connect_failed"
	EventShutdown     EventKind = "shutdown"
)

// Event is delivered to observers after every state change or command
// outcome.
type Event struct {
	Time      time.Time        `json:"time"`
	SessionID string           `json:"session_id"`
	Kind      EventKind        `json:"kind"`
	Command   decision.Command `json:"-"`
	// CommandName is Command rendered for storage and transport. Empty for
	// events that do not concern a command.
	CommandName string `json:"command,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Observer receives controller events. Observers run on the controller's
// goroutine and must not block.
type Observer func(Event)
