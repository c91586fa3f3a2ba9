// Shared fixtures for handler tests. Handlers are exercised against a real
// in-memory pipeline: migrated SQLite store, live manager, fake subprocesses.
package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/slidemanager/slidemanager/internal/domain/index"
	"github.com/slidemanager/slidemanager/internal/infra/eventbus"
	"github.com/slidemanager/slidemanager/internal/infra/sqlite"
)

// stubConverter writes a placeholder PDF instead of shelling out to soffice.
type stubConverter struct{}

func (stubConverter) Convert(_ context.Context, _, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("%PDF-1.4 stub"), 0o644)
}

// stubRenderer writes a placeholder thumbnail instead of running pdftoppm.
type stubRenderer struct{}

func (stubRenderer) RenderPage(_ context.Context, _ string, _, _, _ int, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("jpeg"), 0o644)
}

// newTestBackend builds one backend over a fresh library root and returns it
// together with the root path.
func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	root := t.TempDir()

	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	if err := sqlite.MigrateUp(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	store := index.NewStore(db)
	bus := eventbus.New()
	manager := index.NewManager(store, bus, stubConverter{}, stubRenderer{}, nil, nil,
		zerolog.Nop(), index.ManagerConfig{TextWorkers: 2, ThumbWorkers: 2, EmbedWorkers: 2})

	return &Backend{
		Root:     root,
		Manager:  manager,
		Searcher: index.NewSearcher(store, nil, "m"),
		Bus:      bus,
	}, root
}

// writeDeck drops a minimal but structurally honest .pptx into dir: zipped
// presentation.xml with a 16:9 sldSz plus one slide per text.
func writeDeck(t *testing.T, dir, name string, texts ...string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	pres, err := zw.Create("ppt/presentation.xml")
	if err != nil {
		t.Fatalf("create presentation.xml: %v", err)
	}
	fmt.Fprint(pres, `<?xml version="1.0"?><p:presentation xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:sldSz cx="12192000" cy="6858000"/></p:presentation>`)

	for i, txt := range texts {
		w, err := zw.Create(fmt.Sprintf("ppt/slides/slide%d.xml", i+1))
		if err != nil {
			t.Fatalf("create slide %d: %v", i+1, err)
		}
		fmt.Fprintf(w, `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"><p:cSld><p:spTree><a:p><a:r><a:t>%s</a:t></a:r></a:p></p:spTree></p:cSld></p:sld>`, txt)
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

// waitTerminal polls the manager until the job reaches a terminal status.
func waitTerminal(t *testing.T, b *Backend, jobID string) index.StatusReport {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		report, err := b.Manager.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if report.Status.Terminal() {
			return report
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status")
	return index.StatusReport{}
}
