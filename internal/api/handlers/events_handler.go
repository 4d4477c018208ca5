package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/core/events"
)

// EventsHandler streams bus events as Server-Sent Events.
type EventsHandler struct {
	bus       *events.Bus
	log       *logrus.Entry
	keepAlive time.Duration
}

func NewEventsHandler(bus *events.Bus, log *logrus.Entry) *EventsHandler {
	return &EventsHandler{bus: bus, log: log, keepAlive: 15 * time.Second}
}

// Stream serves GET /events?session_id=...&document_id=...; both filters
// are optional and combine with AND.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	topic := r.URL.Query().Get("session_id")
	docID := r.URL.Query().Get("document_id")
	sub, cancel := h.bus.Subscribe(func(e events.Event) bool {
		return (topic == "" || e.Topic == topic) && (docID == "" || e.DocumentID == docID)
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tick := time.NewTicker(h.keepAlive)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.log.WithError(err).Warn("event encode failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
