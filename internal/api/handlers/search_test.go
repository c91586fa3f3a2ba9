package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/slidemanager/slidemanager/internal/domain/index"
)

// indexDeck runs a full job over the backend's root so the FTS table has
// content to search.
func indexDeck(t *testing.T, b *Backend, root string) {
	t.Helper()
	jobID, err := b.Manager.CreateJob(context.Background(), root, false, index.DefaultJobOptions())
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	report := waitTerminal(t, b, jobID)
	if report.Status != index.JobCompleted {
		t.Fatalf("index job ended %s", report.Status)
	}
}

func newSearchRouter(reg *Registry) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/search", NewSearchHandler(reg).Search)
	return r
}

func TestSearch_ReturnsRankedPages(t *testing.T) {
	backend, root := newTestBackend(t)
	writeDeck(t, root, "deck.pptx", "quarterly revenue forecast", "team offsite agenda")
	indexDeck(t, backend, root)
	router := newSearchRouter(NewRegistry([]*Backend{backend}))

	req := httptest.NewRequest(http.MethodGet, "/search?q=revenue", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var resp searchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Query != "revenue" {
		t.Errorf("query echoed as %q", resp.Query)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(resp.Results))
	}
	if resp.Results[0].PageNo != 1 || resp.Results[0].Snippet == "" {
		t.Errorf("hit = %+v", resp.Results[0])
	}
}

func TestSearch_MergesAcrossRoots(t *testing.T) {
	first, firstRoot := newTestBackend(t)
	second, secondRoot := newTestBackend(t)
	writeDeck(t, firstRoot, "a.pptx", "migration plan draft")
	writeDeck(t, secondRoot, "b.pptx", "migration rollback notes")
	indexDeck(t, first, firstRoot)
	indexDeck(t, second, secondRoot)
	router := newSearchRouter(NewRegistry([]*Backend{first, second}))

	req := httptest.NewRequest(http.MethodGet, "/search?q=migration", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected hits from both roots, got %d", len(resp.Results))
	}

	// Scoping to one root hides the other's pages.
	scoped := httptest.NewRequest(http.MethodGet, "/search?q=migration&root="+url.QueryEscape(firstRoot), nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, scoped)
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("scoped search returned %d hits, want 1", len(resp.Results))
	}
}

func TestSearch_RejectsMissingQuery(t *testing.T) {
	backend, _ := newTestBackend(t)
	router := newSearchRouter(NewRegistry([]*Backend{backend}))

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestSearch_RejectsUnknownMode(t *testing.T) {
	backend, _ := newTestBackend(t)
	router := newSearchRouter(NewRegistry([]*Backend{backend}))

	req := httptest.NewRequest(http.MethodGet, "/search?q=x&mode=fuzzy", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestSearch_RejectsUnknownRoot(t *testing.T) {
	backend, _ := newTestBackend(t)
	router := newSearchRouter(NewRegistry([]*Backend{backend}))

	req := httptest.NewRequest(http.MethodGet, "/search?q=x&root=/not/configured", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rr.Code)
	}
}
