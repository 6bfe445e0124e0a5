package panel

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/cmdengine/internal/streaming"
)

// handleSSEGlobal streams events to the client via Server-Sent Events.
// Optional run_id, command and type (comma separated) query parameters
// narrow the stream.
func (s *PanelServer) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streaming.EventFilter{
		RunID:   q.Get("run_id"),
		Command: q.Get("command"),
	}
	if types := q.Get("type"); types != "" {
		filter.Types = strings.Split(types, ",")
	}
	s.serveSSE(w, r, filter)
}

// handleSSERun streams events for a single run.
func (s *PanelServer) handleSSERun(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{RunID: r.PathValue("id")})
}

// sseKeepAlive is the interval of comment frames sent on an idle stream.
var sseKeepAlive = 15 * time.Second

// serveSSE relays hub events matching filter until the client leaves or the
// hub closes the subscription.
func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, event); err != nil {
				s.deps.Logger.Debug("SSE event dropped", "type", event.Type, "error", err)
				continue
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, event streaming.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
