package index

import (
	"context"
	"testing"

	"github.com/slidemanager/slidemanager/internal/infra/openai"
)

func seedSearchablePage(t *testing.T, store *Store, pageID int64, normText string, vec []float32, model string) {
	t.Helper()
	ctx := context.Background()

	taskID, err := store.InsertTask(ctx, Task{JobID: "job1", PageID: pageID, Kind: TaskBm25})
	if err != nil {
		t.Fatal(err)
	}
	sig := TextSig(normText)
	if err := store.CompleteTextPage(ctx, taskID, pageID, normText, normText, sig); err != nil {
		t.Fatal(err)
	}
	taskID, err = store.InsertTask(ctx, Task{JobID: "job1", PageID: pageID, Kind: TaskBm25})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteBm25Page(ctx, taskID, pageID, normText); err != nil {
		t.Fatal(err)
	}
	if vec != nil {
		taskID, err = store.InsertTask(ctx, Task{JobID: "job1", PageID: pageID, Kind: TaskTextVec})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.CompleteTextVec(ctx, taskID, pageID, model, sig, len(vec), openai.PackF32(vec)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSearch_LexicalOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, pages := seedFileWithPages(t, store, "/lib/a.pptx", 3)
	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}

	seedSearchablePage(t, store, pages[0].ID, "quarterly revenue forecast", nil, "m")
	seedSearchablePage(t, store, pages[1].ID, "team offsite agenda", nil, "m")
	seedSearchablePage(t, store, pages[2].ID, "revenue targets and growth", nil, "m")

	s := NewSearcher(store, nil, "m")
	results, err := s.Search(ctx, "revenue", ModeHybrid, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(results))
	}
	for _, r := range results {
		if r.Path != "/lib/a.pptx" {
			t.Errorf("hit path = %q", r.Path)
		}
		if r.Snippet == "" {
			t.Error("empty snippet")
		}
	}
}

func TestSearch_HybridPrefersAgreement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, pages := seedFileWithPages(t, store, "/lib/a.pptx", 2)
	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}

	// Page 1 matches lexically and by vector; page 2 only lexically.
	seedSearchablePage(t, store, pages[0].ID, "project budget overview", []float32{1, 0, 0, 0}, "m")
	seedSearchablePage(t, store, pages[1].ID, "budget appendix", []float32{0, 1, 0, 0}, "m")

	embedder := &countingEmbedder{dim: 4} // returns [1 0 0 0] for any input
	s := NewSearcher(store, embedder, "m")

	results, err := s.Search(ctx, "budget", ModeHybrid, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(results))
	}
	if results[0].PageID != pages[0].ID {
		t.Errorf("expected lexical+vector page first, got page_id %d", results[0].PageID)
	}
}

func TestSearch_RejectsEmptyQuery(t *testing.T) {
	store := newTestStore(t)
	s := NewSearcher(store, nil, "m")
	if _, err := s.Search(context.Background(), "   ", ModeHybrid, 10); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestSearch_ModeSelectsLegs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, pages := seedFileWithPages(t, store, "/lib/a.pptx", 2)
	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}
	// Page 1 matches the query lexically; page 2 wins on cosine.
	seedSearchablePage(t, store, pages[0].ID, "budget overview", []float32{0, 1, 0, 0}, "m")
	seedSearchablePage(t, store, pages[1].ID, "unrelated words", []float32{1, 0, 0, 0}, "m")

	embedder := &countingEmbedder{dim: 4}
	s := NewSearcher(store, embedder, "m")

	bm25, err := s.Search(ctx, "budget", ModeBm25, 10)
	if err != nil {
		t.Fatalf("bm25 search: %v", err)
	}
	if len(bm25) != 1 || bm25[0].PageID != pages[0].ID {
		t.Errorf("bm25 mode hits = %+v", bm25)
	}

	text, err := s.Search(ctx, "budget", ModeText, 10)
	if err != nil {
		t.Fatalf("text search: %v", err)
	}
	if len(text) != 2 {
		t.Fatalf("text mode hits = %d, want every vectored page ranked", len(text))
	}
	if text[0].PageID != pages[1].ID {
		t.Errorf("text mode first hit = %d, want best cosine page %d", text[0].PageID, pages[1].ID)
	}
}

func TestParseSearchMode(t *testing.T) {
	for raw, want := range map[string]SearchMode{"": ModeHybrid, "hybrid": ModeHybrid, "bm25": ModeBm25, "text": ModeText} {
		got, err := ParseSearchMode(raw)
		if err != nil || got != want {
			t.Errorf("ParseSearchMode(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseSearchMode("fuzzy"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestFuseRRF(t *testing.T) {
	fused := fuseRRF([]int64{1, 2, 3}, []int64{2, 1})
	if len(fused) != 3 {
		t.Fatalf("fused %d ids, want 3", len(fused))
	}
	// Ids 1 and 2 appear in both lists and must outrank id 3.
	if fused[2].pageID != 3 {
		t.Errorf("expected id 3 last, got order %v", fused)
	}
	if fused[0].score < fused[1].score || fused[1].score < fused[2].score {
		t.Error("fused scores not descending")
	}
}
