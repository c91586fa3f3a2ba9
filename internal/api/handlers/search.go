// HTTP handler for hybrid search over the index.
// GET /search — BM25 + vector ranking fused with reciprocal rank fusion.
package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/slidemanager/slidemanager/internal/domain/index"
)

// SearchHandler serves GET /search.
type SearchHandler struct {
	registry *Registry
}

// NewSearchHandler creates a SearchHandler.
func NewSearchHandler(registry *Registry) *SearchHandler {
	return &SearchHandler{registry: registry}
}

// searchResponse is the JSON response body for GET /search.
type searchResponse struct {
	Query   string               `json:"query"`
	Results []index.SearchResult `json:"results"`
}

// Search handles GET /search?q=...&mode=...&limit=...&root=... . Without a
// root parameter every configured library is searched and the ranked lists
// are merged by score.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "q is required")
		return
	}
	mode, err := index.ParseSearchMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "mode must be hybrid, bm25 or text")
		return
	}
	limit := parseLimit(r)

	backends := h.registry.Backends()
	if root := r.URL.Query().Get("root"); root != "" {
		backend, ok := h.registry.ByRoot(root)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "ROOT_NOT_ALLOWED",
				"root is not a configured library root")
			return
		}
		backends = []*Backend{backend}
	}

	var merged []index.SearchResult
	for _, b := range backends {
		results, err := b.Searcher.Search(r.Context(), query, mode, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SEARCH_FAILED", err.Error())
			return
		}
		merged = append(merged, results...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	if merged == nil {
		merged = []index.SearchResult{}
	}

	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: merged})
}
