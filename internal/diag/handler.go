package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Filter narrows a subscription. The zero value accepts everything.
type Filter struct {
	Kinds map[Kind]bool
	RunID string
}

// FilterFromQuery reads ?kinds=a,b and ?run=<id>.
func FilterFromQuery(r *http.Request) Filter {
	var f Filter
	q := r.URL.Query()
	if v := q.Get("kinds"); v != "" {
		f.Kinds = make(map[Kind]bool)
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds[Kind(k)] = true
			}
		}
	}
	f.RunID = strings.TrimSpace(q.Get("run"))
	return f
}

// Match reports whether evt passes the filter.
func (f Filter) Match(evt Event) bool {
	if f.Kinds != nil && !f.Kinds[evt.Kind] {
		return false
	}
	if f.RunID != "" && evt.RunID != f.RunID {
		return false
	}
	return true
}

// SSEHandler streams events as server-sent events, one JSON object per
// message with the kind as the SSE event name.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		filter := FilterFromQuery(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)
		slog.Debug("diag sse client attached", "subscriber", id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if !filter.Match(evt) {
					continue
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
				flusher.Flush()
			}
		}
	}
}
