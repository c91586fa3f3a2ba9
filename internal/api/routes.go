// Route registration and go-chi router setup for the control API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slidemanager/slidemanager/internal/api/handlers"
	"github.com/slidemanager/slidemanager/internal/version"
)

// NewRouter creates and configures the chi router over the registered
// backends. The API is a local control surface: no auth layer, the listener
// is expected to bind to loopback.
func NewRouter(registry *handlers.Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check, used by supervisors and readiness probes.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","version":"` + version.Version + `"}`)) //nolint:errcheck
	})

	jobsHandler := handlers.NewJobsHandler(registry)
	eventsHandler := handlers.NewEventsHandler(registry)
	searchHandler := handlers.NewSearchHandler(registry)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/index", jobsHandler.Create)        // POST /jobs/index
		r.Get("/{id}", jobsHandler.Status)          // GET /jobs/{id}
		r.Post("/{id}/pause", jobsHandler.Pause)    // POST /jobs/{id}/pause
		r.Post("/{id}/resume", jobsHandler.Resume)  // POST /jobs/{id}/resume
		r.Post("/{id}/cancel", jobsHandler.Cancel)  // POST /jobs/{id}/cancel
		r.Get("/{id}/events", eventsHandler.Stream) // GET /jobs/{id}/events (SSE)
	})

	r.Get("/search", searchHandler.Search) // GET /search?q=...

	return r
}
