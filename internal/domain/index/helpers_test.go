package index

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slidemanager/slidemanager/internal/infra/eventbus"
	"github.com/slidemanager/slidemanager/internal/infra/openai"
	"github.com/slidemanager/slidemanager/internal/infra/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return NewStore(db)
}

// slideSpec describes one slide of a fixture deck. Malformed slides get
// deliberately broken XML.
type slideSpec struct {
	paragraphs []string
	malformed  bool
}

// writePptxFixture builds a minimal but structurally honest .pptx: zipped
// presentation.xml with a sldSz element plus one slide XML per spec.
func writePptxFixture(t *testing.T, dir, name string, cx, cy int64, slides []slideSpec) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	pres, err := zw.Create("ppt/presentation.xml")
	if err != nil {
		t.Fatalf("create presentation.xml: %v", err)
	}
	fmt.Fprintf(pres, `<?xml version="1.0"?><p:presentation xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:sldSz cx="%d" cy="%d"/></p:presentation>`, cx, cy)

	for i, s := range slides {
		w, err := zw.Create(fmt.Sprintf("ppt/slides/slide%d.xml", i+1))
		if err != nil {
			t.Fatalf("create slide %d: %v", i+1, err)
		}
		if s.malformed {
			fmt.Fprint(w, `<p:sld><a:t>unterminated`)
			continue
		}
		fmt.Fprint(w, `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"><p:cSld><p:spTree>`)
		for _, para := range s.paragraphs {
			fmt.Fprintf(w, `<a:p><a:r><a:t>%s</a:t></a:r></a:p>`, para)
		}
		fmt.Fprint(w, `</p:spTree></p:cSld></p:sld>`)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// plainDeck is a convenience wrapper: n slides of one paragraph each.
func plainDeck(t *testing.T, dir, name string, texts ...string) string {
	t.Helper()
	slides := make([]slideSpec, len(texts))
	for i, txt := range texts {
		slides[i] = slideSpec{paragraphs: []string{txt}}
	}
	// 12192000x6858000 EMU is the stock 16:9 slide size.
	return writePptxFixture(t, dir, name, 12192000, 6858000, slides)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestManager(t *testing.T, store *Store, conv PdfConverter, rend PageRenderer, te openai.TextEmbedder) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	m := NewManager(store, bus, conv, rend, te, nil, testLogger(), ManagerConfig{
		TextWorkers:    2,
		ThumbWorkers:   2,
		EmbedWorkers:   2,
		EmbedBatchSize: 8,
	})
	return m, bus
}
