package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slidemanager/slidemanager/internal/infra/openai"
)

// fakeConverter writes a placeholder PDF, or fails on demand.
type fakeConverter struct {
	mu      sync.Mutex
	calls   int
	timeout bool
	fail    bool
}

func (f *fakeConverter) Convert(ctx context.Context, pptxPath, outPath string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.timeout {
		return fmt.Errorf("%w after 1s: %s", ErrConvertTimeout, filepath.Base(pptxPath))
	}
	if f.fail {
		return fmt.Errorf("index: soffice failed on %s: exit status 77", filepath.Base(pptxPath))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("%PDF-1.4 fake"), 0o644)
}

// fakeRenderer writes a placeholder JPEG.
type fakeRenderer struct {
	fail bool
}

func (f *fakeRenderer) RenderPage(ctx context.Context, pdfPath string, pageNo, width, height int, outPath string) error {
	if f.fail {
		return fmt.Errorf("imaging: pdftoppm failed on page %d", pageNo)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("jpeg"), 0o644)
}

// countingEmbedder records every upstream call; the remote-call count is the
// dedup test's oracle.
type countingEmbedder struct {
	mu     sync.Mutex
	calls  int
	inputs int
	dim    int
	err    error
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.inputs += len(inputs)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		v := make([]float32, c.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (c *countingEmbedder) Dim(model string) int { return c.dim }

func (c *countingEmbedder) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func runJobToCompletion(t *testing.T, m *Manager, root string, opts JobOptions) string {
	t.Helper()
	jobID, err := m.CreateJob(context.Background(), root, false, opts)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	m.WaitJob(jobID)
	return jobID
}

func TestJob_EndToEndCompletes(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	plainDeck(t, root, "deck.pptx", "alpha slide", "beta slide")

	embedder := &countingEmbedder{dim: 4}
	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, embedder)

	jobID := runJobToCompletion(t, m, root, DefaultJobOptions())

	report, err := m.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Status != JobCompleted {
		t.Fatalf("job status = %s, want completed", report.Status)
	}
	for _, kind := range []ArtifactKind{KindText, KindBm25, KindThumb, KindTextVec} {
		if got := report.Counters[kind].Ready; got != 2 {
			t.Errorf("%s ready = %d, want 2", kind, got)
		}
	}
	// No image embedder configured: img_vec parks as skipped, never error.
	if got := report.Counters[KindImgVec].Error; got != 0 {
		t.Errorf("img_vec error = %d, want 0", got)
	}

	n, err := store.NonTerminalTaskCount(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d tasks still queued/running after terminal job", n)
	}

	// Thumbnails exist on disk where the store says they are.
	for _, p := range allPages(t, store) {
		w, h := ThumbSize(Aspect16x9)
		path, err := store.ThumbnailPath(context.Background(), p.ID, Aspect16x9, w, h)
		if err != nil {
			t.Fatalf("thumbnail row missing for page %d: %v", p.PageNo, err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("thumbnail file missing: %v", err)
		}
	}
}

func TestJob_SharedTextDedup(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	plainDeck(t, root, "deck.pptx", "hello world", "hello world")

	embedder := &countingEmbedder{dim: 4}
	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, embedder)

	opts := DefaultJobOptions()
	opts.EnableThumb = false
	opts.EnableImgVec = false
	jobID := runJobToCompletion(t, m, root, opts)

	if got := embedder.callCount(); got != 1 {
		t.Errorf("remote embedding calls = %d, want 1 for identical text", got)
	}
	if embedder.inputs != 1 {
		t.Errorf("remote inputs = %d, want 1 after dedup", embedder.inputs)
	}

	// Both pages reference the same cache row.
	rows, err := store.DB().Query(`SELECT DISTINCT text_sig FROM page_text_embedding`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close() //nolint:errcheck
	var sigs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatal(err)
		}
		sigs = append(sigs, s)
	}
	if len(sigs) != 1 {
		t.Errorf("expected both pages to share one sig, got %v", sigs)
	}

	report, _ := m.Status(context.Background(), jobID) //nolint:errcheck
	if report.Counters[KindTextVec].Ready != 2 {
		t.Errorf("text_vec ready = %d, want 2", report.Counters[KindTextVec].Ready)
	}
}

func TestJob_EmptyPageStoresZeroVector(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	writePptxFixture(t, root, "deck.pptx", 12192000, 6858000, []slideSpec{
		{paragraphs: nil}, // no text at all
	})

	embedder := &countingEmbedder{dim: 4}
	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, embedder)

	opts := DefaultJobOptions()
	opts.EnableThumb = false
	opts.EnableImgVec = false
	runJobToCompletion(t, m, root, opts)

	if got := embedder.callCount(); got != 0 {
		t.Errorf("empty page caused %d remote calls, want 0", got)
	}

	dim, blob, ok, err := store.CacheLookup(context.Background(), opts.TextEmbedModel, "")
	if err != nil || !ok {
		t.Fatalf("zero-vector cache row absent: ok=%v err=%v", ok, err)
	}
	if dim != 4 || len(blob) != 16 {
		t.Fatalf("zero vector dim=%d len=%d, want 4/16", dim, len(blob))
	}
	for _, b := range blob {
		if b != 0 {
			t.Fatal("stored vector is not all-zero")
		}
	}
}

func TestJob_PoisonedPageStaysPageScoped(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	writePptxFixture(t, root, "deck.pptx", 12192000, 6858000, []slideSpec{
		{paragraphs: []string{"page one"}},
		{malformed: true},
		{paragraphs: []string{"page three"}},
	})

	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, &countingEmbedder{dim: 4})
	jobID := runJobToCompletion(t, m, root, DefaultJobOptions())

	report, err := m.Status(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != JobCompleted {
		t.Fatalf("poisoned page must not fail the job, status = %s", report.Status)
	}

	wantText := map[int]ArtifactStatus{1: ArtifactReady, 2: ArtifactError, 3: ArtifactReady}
	for _, p := range allPages(t, store) {
		status, err := store.ArtifactStatusOf(context.Background(), p.ID, KindText)
		if err != nil {
			t.Fatal(err)
		}
		if status != wantText[p.PageNo] {
			t.Errorf("page %d text = %s, want %s", p.PageNo, status, wantText[p.PageNo])
		}
	}
	summary := report.ErrorsSummary
	if summary[CodeTextExtractFail] == 0 {
		t.Errorf("errors summary missing %s: %v", CodeTextExtractFail, summary)
	}
}

func TestJob_PdfTimeoutSweepsDerivedArtifacts(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	plainDeck(t, root, "deck.pptx", "one", "two")

	m, _ := newTestManager(t, store, &fakeConverter{timeout: true}, &fakeRenderer{}, &countingEmbedder{dim: 4})
	jobID := runJobToCompletion(t, m, root, DefaultJobOptions())

	report, err := m.Status(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != JobCompleted {
		t.Fatalf("file-scoped pdf failure must not fail the job, status = %s", report.Status)
	}
	for _, p := range allPages(t, store) {
		for _, kind := range []ArtifactKind{KindThumb, KindImgVec} {
			status, err := store.ArtifactStatusOf(context.Background(), p.ID, kind)
			if err != nil {
				t.Fatal(err)
			}
			if status != ArtifactError {
				t.Errorf("page %d %s = %s, want error after pdf timeout", p.PageNo, kind, status)
			}
		}
		status, err := store.ArtifactStatusOf(context.Background(), p.ID, KindText)
		if err != nil {
			t.Fatal(err)
		}
		if status != ArtifactReady {
			t.Errorf("page %d text = %s, text pipeline must be unaffected", p.PageNo, status)
		}
	}
	if report.ErrorsSummary[CodePdfConvertTimeout] == 0 {
		t.Errorf("errors summary missing %s: %v", CodePdfConvertTimeout, report.ErrorsSummary)
	}
}

func TestJob_AuthFailureAbortsTextVecOnly(t *testing.T) {
	store := newTestStore(t)
	root := t.TempDir()
	plainDeck(t, root, "deck.pptx", "one", "two", "three")

	embedder := &countingEmbedder{dim: 4, err: fmt.Errorf("%w (status 401)", openai.ErrAuth)}
	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, embedder)
	jobID := runJobToCompletion(t, m, root, DefaultJobOptions())

	report, err := m.Status(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != JobCompleted {
		t.Fatalf("auth failure must not fail the whole job, status = %s", report.Status)
	}
	if report.Counters[KindTextVec].Error != 3 {
		t.Errorf("text_vec error = %d, want 3", report.Counters[KindTextVec].Error)
	}
	if report.ErrorsSummary[CodeOpenAIAuth] != 3 {
		t.Errorf("OPENAI_AUTH count = %d, want 3", report.ErrorsSummary[CodeOpenAIAuth])
	}
	// Other pipelines unaffected.
	if report.Counters[KindText].Ready != 3 || report.Counters[KindThumb].Ready != 3 {
		t.Errorf("unrelated pipelines disturbed: %+v", report.Counters)
	}
}

func TestTextVecBatch_AccruesTokenEstimates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, pages := seedFileWithPages(t, store, "/lib/a.pptx", 2)
	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}

	// Text pipeline already ran: page_text rows present, text artifacts ready.
	for i, p := range pages {
		textTask, err := store.InsertTask(ctx, Task{JobID: "job1", PageID: p.ID, Kind: TaskText})
		if err != nil {
			t.Fatal(err)
		}
		body := fmt.Sprintf("slide body %d", i)
		if err := store.CompleteTextPage(ctx, textTask, p.ID, body, body, fmt.Sprintf("sig%d", i)); err != nil {
			t.Fatal(err)
		}
		if _, err := store.InsertTask(ctx, Task{JobID: "job1", PageID: p.ID, Kind: TaskTextVec}); err != nil {
			t.Fatal(err)
		}
		if err := store.QueueArtifact(ctx, p.ID, KindTextVec); err != nil {
			t.Fatal(err)
		}
	}

	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, &countingEmbedder{dim: 4})
	h := &jobHandle{jobID: "job1", opts: DefaultJobOptions(), gate: newPauseGate()}

	tasks, err := store.QueuedTasks(ctx, "job1", TaskTextVec)
	if err != nil {
		t.Fatal(err)
	}
	abort, err := m.runTextVecBatch(ctx, h, h.opts.TextEmbedModel, tasks)
	if err != nil || abort {
		t.Fatalf("runTextVecBatch: abort=%v err=%v", abort, err)
	}
	// Two distinct inputs went upstream; the counter must carry their
	// estimated cost so stats snapshots can report tokens_per_min.
	if got := h.embedTokens.Load(); got < 2 {
		t.Errorf("embedTokens = %d, want an estimate covering both inputs", got)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, pages := seedFileWithPages(t, store, "/lib/a.pptx", 2)

	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}
	for _, p := range pages {
		if _, err := store.InsertTask(ctx, Task{JobID: "job1", PageID: p.ID, Kind: TaskText}); err != nil {
			t.Fatal(err)
		}
		if err := store.QueueArtifact(ctx, p.ID, KindText); err != nil {
			t.Fatal(err)
		}
	}

	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, &countingEmbedder{dim: 4})

	if err := m.Cancel(ctx, "job1"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	job1, err := store.JobByID(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if job1.Status != JobCancelled {
		t.Fatalf("status after cancel = %s", job1.Status)
	}

	if err := m.Cancel(ctx, "job1"); err != nil {
		t.Fatalf("second cancel must succeed: %v", err)
	}
	job2, err := store.JobByID(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if job2.Status != job1.Status || job2.FinishedAt != job1.FinishedAt {
		t.Error("second cancel changed state")
	}
	if n, _ := store.NonTerminalTaskCount(ctx, "job1"); n != 0 {
		t.Errorf("%d non-terminal tasks after cancel", n)
	}
}

func TestWatchdogTick_SweepsStaleTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, pages := seedFileWithPages(t, store, "/lib/a.pptx", 1)

	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}
	taskID, err := store.InsertTask(ctx, Task{JobID: "job1", PageID: pages[0].ID, Kind: TaskText})
	if err != nil {
		t.Fatal(err)
	}
	// Synthetic stall: running with an ancient heartbeat.
	if _, err := store.DB().Exec(
		`UPDATE tasks SET status = ?, started_at = ?, heartbeat_at = ? WHERE task_id = ?`,
		string(TaskRunning), time.Now().Unix()-999, time.Now().Unix()-999, taskID); err != nil {
		t.Fatal(err)
	}

	m, bus := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, &countingEmbedder{dim: 4})
	sub := bus.Subscribe("job1")
	defer sub.Close()

	swept, err := m.WatchdogTick(ctx)
	if err != nil {
		t.Fatalf("WatchdogTick: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	var status, code string
	if err := store.DB().QueryRow(`SELECT status, error_code FROM tasks WHERE task_id = ?`, taskID).
		Scan(&status, &code); err != nil {
		t.Fatal(err)
	}
	if status != string(TaskError) || code != CodeWatchdogTimeout {
		t.Errorf("task = %s/%s, want error/%s", status, code, CodeWatchdogTimeout)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != "task_error" {
			t.Errorf("event type = %s, want task_error", ev.Type)
		}
		if ev.Payload["error_code"] != CodeWatchdogTimeout {
			t.Errorf("event payload missing code: %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no task_error event from watchdog")
	}
}

func TestPauseGate_BlocksAndReleases(t *testing.T) {
	gate := newPauseGate()
	ctx := context.Background()

	// Not paused: Wait returns immediately.
	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("Wait on open gate: %v", err)
	}

	gate.Pause()
	released := make(chan error, 1)
	go func() { released <- gate.Wait(ctx) }()

	select {
	case <-released:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Wait after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not release on resume")
	}

	// Cancellation unblocks a paused waiter.
	gate.Pause()
	cctx, cancel := context.WithCancel(context.Background())
	go func() { released <- gate.Wait(cctx) }()
	cancel()
	select {
	case err := <-released:
		if err == nil {
			t.Fatal("expected context error from cancelled wait")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
}

func TestPauseResume_StatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateJob(ctx, "job1", "/lib", "{}"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetJobStatus(ctx, "job1", JobRunning); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager(t, store, &fakeConverter{}, &fakeRenderer{}, &countingEmbedder{dim: 4})

	if err := m.Pause(ctx, "job1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	job, _ := store.JobByID(ctx, "job1") //nolint:errcheck
	if job.Status != JobPaused {
		t.Fatalf("status after pause = %s", job.Status)
	}
	// Idempotent.
	if err := m.Pause(ctx, "job1"); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	if err := m.Resume(ctx, "job1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	job, _ = store.JobByID(ctx, "job1") //nolint:errcheck
	if job.Status != JobRunning {
		t.Fatalf("status after resume = %s", job.Status)
	}
	if err := m.Resume(ctx, "job1"); err != nil {
		t.Fatalf("second Resume: %v", err)
	}
}
