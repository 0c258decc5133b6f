// Package diag is the operator-visible diagnostic channel. Every replay
// skip, navigation timeout and screenshot retry becomes an Event that is
// logged, journaled and fanned out to live subscribers.
package diag

import "time"

// Kind classifies an event.
type Kind string

const (
	RecordingStarted  Kind = "recording_started"
	RecordingStopped  Kind = "recording_stopped"
	ReplayStarted     Kind = "replay_started"
	ReplayCompleted   Kind = "replay_completed"
	StepDone          Kind = "step_done"
	StepSkipped       Kind = "step_skipped"
	NavigationTimeout Kind = "navigation_timeout"
	ScreenshotRetry   Kind = "screenshot_retry"
	ScreenshotSaved   Kind = "screenshot_saved"
	ScreenshotDropped Kind = "screenshot_dropped"
)

// Degraded reports whether the kind marks a contained failure.
func (k Kind) Degraded() bool {
	switch k {
	case StepSkipped, NavigationTimeout, ScreenshotRetry, ScreenshotDropped:
		return true
	}
	return false
}

// Event is one diagnostic record.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     Kind      `json:"kind"`
	RunID    string    `json:"run_id,omitempty"`
	Step     int       `json:"step,omitempty"`
	Action   string    `json:"action,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Target   string    `json:"target,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
}

// Reporter accepts diagnostic events. Implementations must not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})

// Multi reports to every non-nil reporter in order.
func Multi(reporters ...Reporter) Reporter {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return ReporterFunc(func(e Event) {
		for _, r := range rs {
			r.Report(e)
		}
	})
}
