// Package journal provides an optional SQLite journal of classification
// decisions made by the keyboard monitor.
package journal

import (
	"time"

	"kbdmon/internal/keysym"
	"kbdmon/internal/monitor"
)

// Entry is one classified key event.
type Entry struct {
	ID          int64
	TimestampNs int64
	// Keysym is NoSymbol unless key recording is enabled.
	Keysym  keysym.Key
	Release bool
	Action  monitor.Action
	State   keysym.Mask
	Keycode uint16
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.Unix(0, e.TimestampNs)
}

// EntryFromResult builds an entry for the decision on (key, release).
func EntryFromResult(at time.Time, key keysym.Key, release bool, res monitor.Result) Entry {
	e := Entry{
		TimestampNs: at.UnixNano(),
		Keysym:      key,
		Release:     release,
		Action:      res.Action,
	}
	if res.ReachesAT() {
		e.State = res.Event.State
		e.Keycode = res.Event.Keycode
	}
	return e
}
