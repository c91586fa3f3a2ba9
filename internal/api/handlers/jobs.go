// HTTP handlers for the job lifecycle: create, pause, resume, cancel and
// status polling.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slidemanager/slidemanager/internal/domain/index"
)

// JobsHandler serves /jobs.
type JobsHandler struct {
	registry *Registry
}

// NewJobsHandler creates a JobsHandler.
func NewJobsHandler(registry *Registry) *JobsHandler {
	return &JobsHandler{registry: registry}
}

// createJobRequest is the JSON body for POST /jobs/index. Options is kept
// raw so that the caller can override individual fields; anything absent
// keeps its default.
type createJobRequest struct {
	LibraryRoot string          `json:"library_root"`
	Recursive   *bool           `json:"recursive,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
}

// createJobResponse is the JSON body returned on job creation.
type createJobResponse struct {
	JobID string `json:"job_id"`
}

// okResponse acknowledges an idempotent control action.
type okResponse struct {
	OK bool `json:"ok"`
}

// Create handles POST /jobs/index.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.LibraryRoot == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "library_root is required")
		return
	}

	backend, ok := h.registry.ByRoot(req.LibraryRoot)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "ROOT_NOT_ALLOWED",
			"library_root is not a configured library root")
		return
	}

	opts := index.DefaultJobOptions()
	if len(req.Options) > 0 {
		if err := json.Unmarshal(req.Options, &opts); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid options")
			return
		}
	}
	recursive := backend.Recursive
	if req.Recursive != nil {
		recursive = *req.Recursive
	}

	jobID, err := backend.Manager.CreateJob(r.Context(), backend.Root, recursive, opts)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "JOB_CREATE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: jobID})
}

// Status handles GET /jobs/{id}.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	_, report, err := h.registry.ByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "no such job")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Pause handles POST /jobs/{id}/pause.
func (h *JobsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(b *Backend, jobID string) error {
		return b.Manager.Pause(r.Context(), jobID)
	})
}

// Resume handles POST /jobs/{id}/resume.
func (h *JobsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(b *Backend, jobID string) error {
		return b.Manager.Resume(r.Context(), jobID)
	})
}

// Cancel handles POST /jobs/{id}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(b *Backend, jobID string) error {
		return b.Manager.Cancel(r.Context(), jobID)
	})
}

// control runs one idempotent job action and answers {"ok":true}.
func (h *JobsHandler) control(w http.ResponseWriter, r *http.Request, action func(*Backend, string) error) {
	jobID := chi.URLParam(r, "id")
	backend, _, err := h.registry.ByJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "no such job")
		return
	}
	if err := action(backend, jobID); err != nil {
		writeError(w, http.StatusInternalServerError, "JOB_CONTROL_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
