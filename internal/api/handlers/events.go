// Server-sent events endpoint for live job progress.
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/slidemanager/slidemanager/internal/infra/eventbus"
)

// EventsHandler serves GET /jobs/{id}/events.
type EventsHandler struct {
	registry *Registry
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(registry *Registry) *EventsHandler {
	return &EventsHandler{registry: registry}
}

// Stream subscribes the client to the job's event stream. The first frame is
// a hello carrying the job id and the last published sequence number, so the
// client can detect gaps after reconnecting; live events follow until the
// client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	backend, _, err := h.registry.ByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "no such job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
			"response writer does not support streaming")
		return
	}

	// The daemon binds to loopback; a permissive origin lets local tools
	// (viewers, notebooks) attach without a proxy.
	if origin := r.Header.Get("Origin"); isLocalOrigin(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before reading last_seq so no event published in between is
	// lost to this client.
	sub := backend.Bus.Subscribe(jobID)
	defer sub.Close()

	fmt.Fprintf(w, "event: hello\ndata: {\"job_id\":%q,\"last_seq\":%d}\n\n",
		jobID, backend.Bus.LastSeq(jobID))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if _, err := fmt.Fprint(w, eventbus.FormatSSE(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func isLocalOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	return strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1")
}
