package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/slidemanager/slidemanager/internal/infra/openai"
)

// rrfK is the reciprocal-rank-fusion constant; 60 is the standard choice.
const rrfK = 60.0

// SearchResult is one ranked page.
type SearchResult struct {
	PageID  int64   `json:"page_id"`
	FileID  int64   `json:"file_id"`
	Path    string  `json:"path"`
	PageNo  int     `json:"page_no"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Searcher answers hybrid queries over the index: BM25 ranking from the FTS
// table fused with cosine similarity over cached text embeddings using
// reciprocal rank fusion.
type Searcher struct {
	store    *Store
	embedder openai.TextEmbedder
	model    string
}

// NewSearcher builds a Searcher. embedder may be nil, which degrades to
// lexical-only ranking.
func NewSearcher(store *Store, embedder openai.TextEmbedder, model string) *Searcher {
	return &Searcher{store: store, embedder: embedder, model: model}
}

// SearchMode selects which ranking legs run.
type SearchMode string

const (
	ModeHybrid SearchMode = "hybrid"
	ModeBm25   SearchMode = "bm25"
	ModeText   SearchMode = "text"
)

// ParseSearchMode maps a request parameter to a SearchMode; empty means
// hybrid, anything else is an error.
func ParseSearchMode(raw string) (SearchMode, error) {
	switch SearchMode(raw) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeBm25, ModeText:
		return SearchMode(raw), nil
	}
	return "", fmt.Errorf("index: unknown search mode %q", raw)
}

// Search returns up to limit pages ranked by fused score. In hybrid mode a
// failing vector leg degrades to BM25-only; in text mode it is an error.
func (s *Searcher) Search(ctx context.Context, query string, mode SearchMode, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("index: empty query")
	}
	if mode == "" {
		mode = ModeHybrid
	}
	if limit < 1 {
		limit = 10
	}
	candidates := limit * 5
	if candidates < 50 {
		candidates = 50
	}

	var lexical, vector []int64
	var err error
	if mode != ModeText {
		lexical, err = s.lexicalRank(ctx, query, candidates)
		if err != nil {
			return nil, err
		}
	}
	if mode != ModeBm25 && s.embedder != nil {
		vector, err = s.vectorRank(ctx, query, candidates)
		if err != nil {
			if mode == ModeText {
				return nil, err
			}
			// Vector ranking is best-effort in hybrid mode; lexical results
			// still serve.
			vector = nil
		}
	}

	fused := fuseRRF(lexical, vector)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return s.hydrate(ctx, fused)
}

type scoredPage struct {
	pageID int64
	score  float64
}

// lexicalRank queries the FTS table, best BM25 first.
func (s *Searcher) lexicalRank(ctx context.Context, query string, limit int) ([]int64, error) {
	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT page_id FROM fts_pages WHERE fts_pages MATCH ? ORDER BY bm25(fts_pages) LIMIT ?`,
		ftsQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("index: fts query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ftsQuery quotes each term so user input cannot inject FTS operators.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " ")
}

// vectorRank embeds the query and scores every cached page vector by cosine
// similarity. The library scale (thousands of pages) makes a linear scan
// cheaper than maintaining an ANN structure.
func (s *Searcher) vectorRank(ctx context.Context, query string, limit int) ([]int64, error) {
	vecs, err := s.embedder.EmbedBatch(ctx, s.model, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := vecs[0]

	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT e.page_id, c.vector_blob
		 FROM page_text_embedding e
		 JOIN embedding_cache_text c ON c.model = e.model AND c.text_sig = e.text_sig
		 WHERE e.model = ? AND e.text_sig != ''`, s.model)
	if err != nil {
		return nil, fmt.Errorf("index: load page vectors: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var scored []scoredPage
	for rows.Next() {
		var pageID int64
		var blob []byte
		if err := rows.Scan(&pageID, &blob); err != nil {
			return nil, err
		}
		vec := openai.UnpackF32(blob)
		if len(vec) != len(queryVec) {
			continue
		}
		scored = append(scored, scoredPage{pageID: pageID, score: cosine(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	ids := make([]int64, len(scored))
	for i, sp := range scored {
		ids[i] = sp.pageID
	}
	return ids, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fuseRRF merges ranked lists with reciprocal rank fusion:
// score(p) = Σ 1/(k + rank_i(p)).
func fuseRRF(lists ...[]int64) []scoredPage {
	scores := map[int64]float64{}
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / (rrfK + float64(rank+1))
		}
	}
	fused := make([]scoredPage, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, scoredPage{pageID: id, score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].pageID < fused[j].pageID
	})
	return fused
}

// hydrate resolves page metadata and snippets for the fused ranking.
func (s *Searcher) hydrate(ctx context.Context, fused []scoredPage) ([]SearchResult, error) {
	results := make([]SearchResult, 0, len(fused))
	for _, sp := range fused {
		var r SearchResult
		var normText string
		err := s.store.DB().QueryRowContext(ctx,
			`SELECT p.page_id, p.file_id, f.path, p.page_no, COALESCE(t.norm_text, '')
			 FROM pages p
			 JOIN files f ON f.file_id = p.file_id
			 LEFT JOIN page_text t ON t.page_id = p.page_id
			 WHERE p.page_id = ?`, sp.pageID).
			Scan(&r.PageID, &r.FileID, &r.Path, &r.PageNo, &normText)
		if err != nil {
			continue
		}
		r.Snippet = snippet(normText, 200)
		r.Score = sp.score
		results = append(results, r)
	}
	return results, nil
}

func snippet(text string, max int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
