package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meridianhq/advisor/internal/events"
)

// handleEventsStream pushes every bus event to the client as SSE. An
// optional ?types=TradeExecuted,SyncCompleted filter narrows the feed.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = map[events.EventType]bool{}
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Bus dispatch is synchronous; buffer so a slow client cannot stall
	// the emitter. Overflow drops the event for this subscriber only.
	feed := make(chan *events.Event, 64)
	s.bus.SubscribeAll(func(ev *events.Event) {
		if allowed != nil && !allowed[ev.Type] {
			return
		}
		select {
		case feed <- ev:
		default:
		}
	})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-feed:
			data, err := json.Marshal(map[string]interface{}{
				"type":      ev.Type,
				"module":    ev.Module,
				"timestamp": ev.Timestamp.Format(time.RFC3339),
				"data":      ev.Data,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
