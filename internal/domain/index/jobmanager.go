package index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/slidemanager/slidemanager/internal/infra/eventbus"
	"github.com/slidemanager/slidemanager/internal/infra/logging"
	"github.com/slidemanager/slidemanager/internal/infra/openai"
	"github.com/slidemanager/slidemanager/pkg/uuid"
)

// PageRenderer rasterises one PDF page to a fixed-geometry JPEG.
type PageRenderer interface {
	RenderPage(ctx context.Context, pdfPath string, pageNo, width, height int, outPath string) error
}

// ManagerConfig tunes the worker pools and liveness plumbing.
type ManagerConfig struct {
	TextWorkers       int
	ThumbWorkers      int
	EmbedWorkers      int
	EmbedBatchSize    int
	HeartbeatInterval time.Duration
	WatchdogThreshold time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.TextWorkers < 1 {
		c.TextWorkers = 4
	}
	if c.ThumbWorkers < 1 {
		c.ThumbWorkers = 2
	}
	if c.EmbedWorkers < 1 {
		c.EmbedWorkers = 2
	}
	if c.EmbedBatchSize < 1 {
		c.EmbedBatchSize = 16
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.WatchdogThreshold <= 0 {
		c.WatchdogThreshold = 120 * time.Second
	}
}

// Manager is the orchestration core: it creates jobs, drives the per-kind
// worker pools through the persistent task queue, owns the pause/cancel
// control tokens, and feeds the event bus.
type Manager struct {
	store         *Store
	planner       *Planner
	bus           *eventbus.Bus
	converter     PdfConverter
	renderer      PageRenderer
	textEmbedder  openai.TextEmbedder
	imageEmbedder openai.ImageEmbedder
	log           zerolog.Logger
	cfg           ManagerConfig

	mu   sync.Mutex
	jobs map[string]*jobHandle
}

// NewManager wires the orchestrator. textEmbedder and imageEmbedder may be
// nil; the corresponding pipelines then skip their tasks.
func NewManager(store *Store, bus *eventbus.Bus, converter PdfConverter, renderer PageRenderer,
	textEmbedder openai.TextEmbedder, imageEmbedder openai.ImageEmbedder,
	log zerolog.Logger, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:         store,
		planner:       NewPlanner(store),
		bus:           bus,
		converter:     converter,
		renderer:      renderer,
		textEmbedder:  textEmbedder,
		imageEmbedder: imageEmbedder,
		log:           log,
		cfg:           cfg,
	}
}

// jobHandle is the in-memory control block for one active job.
type jobHandle struct {
	jobID     string
	root      string
	recursive bool
	opts      JobOptions
	cancel    context.CancelFunc
	gate      *pauseGate
	done      chan struct{}

	// Estimated embedding tokens sent upstream; feeds the snapshot rates.
	embedTokens atomic.Int64

	mu         sync.Mutex
	nowRunning *NowRunning
}

func (h *jobHandle) setNowRunning(nr *NowRunning) {
	h.mu.Lock()
	h.nowRunning = nr
	h.mu.Unlock()
}

func (h *jobHandle) getNowRunning() *NowRunning {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nowRunning
}

// pauseGate blocks workers while the job is paused. Workers call Wait at
// every checkpoint: before dequeuing, before external IO, at page bounds.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{} // closed when not paused
}

func newPauseGate() *pauseGate {
	ch := make(chan struct{})
	close(ch)
	return &pauseGate{ch: ch}
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

// Wait blocks while paused; returns the context error on cancellation.
func (g *pauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.ch
		g.mu.Unlock()
		select {
		case <-ch:
			return ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ─── job lifecycle ───────────────────────────────────────────────────────────

// CreateJob validates the root, persists the job row and starts the run
// goroutine. Returns the new job id.
func (m *Manager) CreateJob(ctx context.Context, libraryRoot string, recursive bool, opts JobOptions) (string, error) {
	info, err := os.Stat(libraryRoot)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("index: library root %s is not a directory", libraryRoot)
	}

	jobID := uuid.NewJobID()
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("index: encode options: %w", err)
	}
	if err := m.store.CreateJob(ctx, jobID, libraryRoot, string(optsJSON)); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &jobHandle{
		jobID:     jobID,
		root:      libraryRoot,
		recursive: recursive,
		opts:      opts,
		cancel:    cancel,
		gate:      newPauseGate(),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	if m.jobs == nil {
		m.jobs = map[string]*jobHandle{}
	}
	m.jobs[jobID] = h
	m.mu.Unlock()

	m.publish(jobID, "job_created", map[string]any{"job_id": jobID, "library_root": libraryRoot})
	go m.runJob(runCtx, h)
	return jobID, nil
}

// Pause flips the pause flag and transitions running → paused. Workers
// mid-page may finish that page but start no other. Idempotent.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	job, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if h := m.handle(jobID); h != nil {
		h.gate.Pause()
	}
	if job.Status == JobRunning || job.Status == JobPlanning {
		if err := m.store.SetJobStatus(ctx, jobID, JobPaused); err != nil {
			return err
		}
		m.publish(jobID, "job_state_changed", map[string]any{"status": JobPaused})
	}
	return nil
}

// Resume atomically clears the pause flag and transitions paused → running.
// Workers pick up from the persistent queue. Idempotent.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	job, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if h := m.handle(jobID); h != nil {
		h.gate.Resume()
	}
	if job.Status == JobPaused {
		if err := m.store.SetJobStatus(ctx, jobID, JobRunning); err != nil {
			return err
		}
		m.publish(jobID, "job_state_changed", map[string]any{"status": JobRunning})
	}
	return nil
}

// Cancel requests cancellation, sweeps queued and running work to cancelled,
// and finishes the job. Cancelling a terminal job is a successful no-op.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if err := m.store.SetJobStatus(ctx, jobID, JobCancelRequested); err != nil {
		return err
	}
	if h := m.handle(jobID); h != nil {
		h.gate.Resume() // unblock paused workers so they can observe cancel
		h.cancel()
	}
	if _, err := m.store.CancelJobSweep(ctx, jobID); err != nil {
		return err
	}
	if err := m.store.SetJobStatus(ctx, jobID, JobCancelled); err != nil {
		return err
	}
	m.publish(jobID, "job_finished", map[string]any{"status": JobCancelled})
	return nil
}

// StatusReport is the poll surface behind GET /jobs/{id}.
type StatusReport struct {
	JobID         string         `json:"job_id"`
	Status        JobStatus      `json:"status"`
	Counters      Counters       `json:"counters"`
	NowRunning    *NowRunning    `json:"now_running"`
	ErrorsSummary map[string]int `json:"errors_summary"`
}

// Status assembles the job's current state from the store; callable at any
// time, including after the event stream is gone.
func (m *Manager) Status(ctx context.Context, jobID string) (StatusReport, error) {
	job, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return StatusReport{}, err
	}
	counters, err := m.store.CountersForJob(ctx, jobID)
	if err != nil {
		return StatusReport{}, err
	}
	summary, err := m.store.ErrorsSummary(ctx, jobID)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		JobID:         jobID,
		Status:        job.Status,
		Counters:      counters,
		ErrorsSummary: summary,
	}
	if h := m.handle(jobID); h != nil {
		report.NowRunning = h.getNowRunning()
	}
	return report, nil
}

// WaitJob blocks until the job's run goroutine exits (tests and shutdown).
func (m *Manager) WaitJob(jobID string) {
	if h := m.handle(jobID); h != nil {
		<-h.done
	}
}

func (m *Manager) handle(jobID string) *jobHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID]
}

func (m *Manager) dropHandle(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
}

// ─── run loop ────────────────────────────────────────────────────────────────

func (m *Manager) runJob(ctx context.Context, h *jobHandle) {
	defer close(h.done)
	defer m.dropHandle(h.jobID)

	log, logCloser, err := logging.NewJobLogger(m.log, h.root, h.jobID)
	if err != nil {
		// The daemon logger still works; losing the per-job file is not
		// worth failing the job over.
		log = m.log.With().Str("job_id", h.jobID).Logger()
		log.Warn().Err(err).Msg("job log file unavailable")
	} else {
		defer logCloser.Close() //nolint:errcheck
	}

	if err := m.setStatus(ctx, h.jobID, JobPlanning); err != nil {
		log.Error().Err(err).Msg("enter planning")
		return
	}

	planRes, err := m.planner.PlanJob(ctx, h.jobID, h.root, h.recursive, h.opts, func(done, total int) error {
		m.publish(h.jobID, "planning_progress", map[string]any{"done": done, "total": total})
		// Pause holds planning between files; Cancel surfaces as a context
		// error and aborts the pass.
		return h.gate.Wait(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			m.finishCancelled(h.jobID)
			return
		}
		log.Error().Err(err).Msg("planning failed")
		m.failJob(h.jobID, err)
		return
	}
	log.Info().Int("files", planRes.FilesSeen).Int("tasks", planRes.TasksQueued).Msg("planned")
	finished := map[string]any{
		"files_seen":    planRes.FilesSeen,
		"files_changed": planRes.FilesChanged,
		"files_skipped": planRes.FilesSkipped,
		"files_errored": planRes.FilesErrored,
		"pages_planned": planRes.PagesPlanned,
		"tasks_queued":  planRes.TasksQueued,
	}
	if planRes.InvalidPaths > 0 {
		finished["invalid_paths"] = planRes.InvalidPaths
		finished["invalid_path_examples"] = planRes.InvalidPathExamples
	}
	m.publish(h.jobID, "job_planning_finished", finished)

	if err := m.setStatus(ctx, h.jobID, JobRunning); err != nil {
		log.Error().Err(err).Msg("enter running")
		return
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	var statsWG sync.WaitGroup
	statsWG.Add(1)
	go func() {
		defer statsWG.Done()
		m.statsLoop(statsCtx, h)
	}()

	m.runPhases(ctx, h, log)

	stopStats()
	statsWG.Wait()

	if ctx.Err() != nil {
		m.finishCancelled(h.jobID)
		return
	}
	m.finishJob(context.Background(), h, planRes, log)
}

// runPhases drives the pipelines in dependency order. Sequential phases keep
// the per-page ordering guarantee (text before text_vec/bm25, pdf before
// thumb before img_vec) without cross-page coordination.
func (m *Manager) runPhases(ctx context.Context, h *jobHandle, log zerolog.Logger) {
	phases := []struct {
		name    string
		kind    TaskKind
		workers int
		exec    func(context.Context, *jobHandle, Task) error
	}{
		{"text", TaskText, m.cfg.TextWorkers, m.execText},
		{"bm25", TaskBm25, m.cfg.TextWorkers, m.execBm25},
		{"pdf", TaskPdf, 1, m.execPdf},
		{"thumb", TaskThumb, m.cfg.ThumbWorkers, m.execThumb},
		{"img_vec", TaskImgVec, m.cfg.EmbedWorkers, m.execImgVec},
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			return
		}
		if err := m.runPool(ctx, h, phase.kind, phase.workers, phase.exec); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("phase", phase.name).Msg("phase aborted")
		}
	}
	// Text vectors run last and batched; the phase owns its own dequeue loop
	// because batching crosses task boundaries.
	if ctx.Err() == nil {
		if err := m.runTextVecPhase(ctx, h); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("text_vec phase aborted")
		}
	}
}

func (m *Manager) finishJob(ctx context.Context, h *jobHandle, planRes PlanResult, log zerolog.Logger) {
	job, err := m.store.JobByID(ctx, h.jobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	counters, _ := m.store.CountersForJob(ctx, h.jobID)    //nolint:errcheck
	summaryMap, _ := m.store.ErrorsSummary(ctx, h.jobID)   //nolint:errcheck
	summary, _ := json.Marshal(map[string]any{             //nolint:errcheck
		"plan":     planRes,
		"counters": counters,
		"errors":   summaryMap,
	})
	_ = m.store.SetJobSummary(ctx, h.jobID, string(summary)) //nolint:errcheck
	if err := m.store.SetJobStatus(ctx, h.jobID, JobCompleted); err != nil {
		log.Error().Err(err).Msg("finish job")
		return
	}
	m.publish(h.jobID, "job_finished", map[string]any{"status": JobCompleted, "counters": counters})
	log.Info().Msg("job completed")
}

func (m *Manager) finishCancelled(jobID string) {
	ctx := context.Background()
	job, err := m.store.JobByID(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	_, _ = m.store.CancelJobSweep(ctx, jobID)                 //nolint:errcheck
	_ = m.store.SetJobStatus(ctx, jobID, JobCancelled)        //nolint:errcheck
	m.publish(jobID, "job_finished", map[string]any{"status": JobCancelled})
}

func (m *Manager) failJob(jobID string, cause error) {
	ctx := context.Background()
	_, _ = m.store.CancelJobSweep(ctx, jobID)          //nolint:errcheck
	_ = m.store.SetJobStatus(ctx, jobID, JobFailed)    //nolint:errcheck
	m.publish(jobID, "job_finished", map[string]any{"status": JobFailed, "error": cause.Error()})
}

func (m *Manager) setStatus(ctx context.Context, jobID string, status JobStatus) error {
	if err := m.store.SetJobStatus(ctx, jobID, status); err != nil {
		return err
	}
	m.publish(jobID, "job_state_changed", map[string]any{"status": status})
	return nil
}

// ─── events ──────────────────────────────────────────────────────────────────

// publish sends the event on the bus and appends it to the events table so
// progress survives the process.
func (m *Manager) publish(jobID, eventType string, payload map[string]any) {
	ev := m.bus.Publish(jobID, eventType, payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	if err := m.store.AppendEvent(context.Background(), jobID, ev.Seq, ev.TS, eventType, string(raw)); err != nil {
		m.log.Warn().Err(err).Str("job_id", jobID).Str("type", eventType).Msg("persist event")
	}
}

// statsLoop emits stats_snapshot at 1 Hz while the job runs. The payload
// schema is fixed: counters, now_running and rates are always present.
func (m *Manager) statsLoop(ctx context.Context, h *jobHandle) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counters, err := m.store.CountersForJob(ctx, h.jobID)
			if err != nil {
				continue
			}
			ready := 0
			for _, kc := range counters {
				ready += kc.Ready
			}
			elapsed := time.Since(start).Seconds()
			var rates Rates
			if elapsed > 0 {
				rates.PagesPerSec = float64(ready) / elapsed
				rates.TokensPerMin = float64(h.embedTokens.Load()) / elapsed * 60
			}
			m.publish(h.jobID, "stats_snapshot", map[string]any{
				"counters":    counters,
				"now_running": h.getNowRunning(),
				"rates":       rates,
			})
		}
	}
}
