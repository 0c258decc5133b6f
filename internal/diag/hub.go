package diag

import (
	"context"
	"log/slog"
	"time"
)

// Hub is the process-wide Reporter: it stamps each event, logs it, appends
// it to the journal and publishes it to live subscribers.
type Hub struct {
	logger  *slog.Logger
	journal *Journal
	broker  *Broker
	now     func() time.Time
}

// NewHub wires the sinks. journal and broker may be nil.
func NewHub(logger *slog.Logger, journal *Journal, broker *Broker) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, journal: journal, broker: broker, now: time.Now}
}

// Broker returns the live fan-out, or nil.
func (h *Hub) Broker() *Broker { return h.broker }

func (h *Hub) Report(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = h.now()
	}
	level := slog.LevelInfo
	switch {
	case evt.Kind.Degraded():
		level = slog.LevelWarn
	case evt.Kind == StepDone || evt.Kind == ScreenshotSaved:
		level = slog.LevelDebug
	}
	attrs := []any{"kind", string(evt.Kind)}
	if evt.RunID != "" {
		attrs = append(attrs, "run_id", evt.RunID)
	}
	if evt.Step > 0 {
		attrs = append(attrs, "step", evt.Step)
	}
	if evt.Action != "" {
		attrs = append(attrs, "action", evt.Action)
	}
	if evt.Attempt > 0 {
		attrs = append(attrs, "attempt", evt.Attempt)
	}
	if evt.Target != "" {
		attrs = append(attrs, "target", evt.Target)
	}
	if evt.Artifact != "" {
		attrs = append(attrs, "artifact", evt.Artifact)
	}
	if evt.Error != "" {
		attrs = append(attrs, "error", evt.Error)
	}
	msg := "diag " + string(evt.Kind)
	if evt.Message != "" {
		msg = evt.Message
	}
	h.logger.Log(context.Background(), level, msg, attrs...)

	if h.journal != nil {
		h.journal.Report(evt)
	}
	if h.broker != nil {
		h.broker.Publish(evt)
	}
}
