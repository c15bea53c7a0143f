package decision

import "time"

// Window tallies decisions that arrived since Start.
type Window struct {
	Start    time.Time
	Normal   int
	Abnormal int
	// Last is the timestamp of the most recent decision, zero if none.
	Last time.Time
}

// Add counts d in the window.
func (w *Window) Add(d Decision, at time.Time) {
	if d == Abnormal {
		w.Abnormal++
	} else {
		w.Normal++
	}
	if at.After(w.Last) {
		w.Last = at
	}
}

// Total is the number of decisions counted.
func (w Window) Total() int {
	return w.Normal + w.Abnormal
}

// Count returns the tally for d.
func (w Window) Count(d Decision) int {
	if d == Abnormal {
		return w.Abnormal
	}
	return w.Normal
}

// Vote is the majority rule: On iff the trigger class strictly outnumbers
// the other class. Ties and empty windows yield Off.
func (w Window) Vote(trigger Decision) Command {
	if w.Count(trigger) > w.Count(trigger.Other()) {
		return On
	}
	return Off
}

// Result describes a closed window and the command it produced.
type Result struct {
	Start    time.Time
	End      time.Time
	Normal   int
	Abnormal int
	Command  Command
	// Final is set for the partial window flushed on shutdown.
	Final bool
}
