package actionlog

import "errors"

// ErrFrozen is returned when a stopped recording is modified.
var ErrFrozen = errors.New("actionlog: log is frozen")

// Log is the ordered sequence a recorder appends to. It is not safe for
// concurrent use; the recorder serializes access under its own lock.
type Log struct {
	actions []Action
	frozen  bool
}

// New returns an empty, writable log.
func New() *Log {
	return &Log{}
}

// FromActions wraps already-decoded actions in a frozen log.
func FromActions(actions []Action) *Log {
	cp := make([]Action, len(actions))
	copy(cp, actions)
	return &Log{actions: cp, frozen: true}
}

// Append adds a to the end of the log and returns its index.
func (l *Log) Append(a Action) (int, error) {
	if l.frozen {
		return -1, ErrFrozen
	}
	l.actions = append(l.actions, a)
	return len(l.actions) - 1, nil
}

// Retract removes the entry at index i, shifting later entries down. It
// reports false when i is out of range.
func (l *Log) Retract(i int) (Action, bool, error) {
	if l.frozen {
		return Action{}, false, ErrFrozen
	}
	if i < 0 || i >= len(l.actions) {
		return Action{}, false, nil
	}
	a := l.actions[i]
	l.actions = append(l.actions[:i], l.actions[i+1:]...)
	return a, true, nil
}

// Freeze makes the log read-only. Freezing twice is harmless.
func (l *Log) Freeze() { l.frozen = true }

func (l *Log) Frozen() bool { return l.frozen }

func (l *Log) Len() int { return len(l.actions) }

// At returns the entry at index i.
func (l *Log) At(i int) Action { return l.actions[i] }

// Actions returns a copy of the entries in order.
func (l *Log) Actions() []Action {
	out := make([]Action, len(l.actions))
	copy(out, l.actions)
	return out
}
