// Handler helper functions shared across the control API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// errorResponse is the uniform error body: a stable machine code plus a
// human-readable message.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone already; nothing left to signal to the client.
		return
	}
}

// writeError writes the uniform error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// parseLimit extracts and clamps the limit query parameter.
func parseLimit(r *http.Request) int {
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			if n > maxSearchLimit {
				n = maxSearchLimit
			}
			limit = n
		}
	}
	return limit
}
