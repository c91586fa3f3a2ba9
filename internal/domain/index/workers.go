package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/slidemanager/slidemanager/internal/infra/openai"
)

// runPool drains the job's queued tasks of one kind through a fixed worker
// group. Every worker honors the pause gate and the cancel context before
// dequeuing and the executor re-checks before external IO.
func (m *Manager) runPool(ctx context.Context, h *jobHandle, kind TaskKind, workers int, exec func(context.Context, *jobHandle, Task) error) error {
	tasks, err := m.store.QueuedTasks(ctx, h.jobID, kind)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	queue := make(chan Task)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				if h.gate.Wait(ctx) != nil {
					return
				}
				m.runOne(ctx, h, t, exec)
			}
		}()
	}

feed:
	for _, t := range tasks {
		select {
		case queue <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()
	return ctx.Err()
}

// runOne claims a task, keeps its heartbeat fresh and hands it to the
// kind-specific executor. A claim conflict means the task was swept
// (cancelled or failed at the file level) since dequeue; it is dropped.
func (m *Manager) runOne(ctx context.Context, h *jobHandle, t Task, exec func(context.Context, *jobHandle, Task) error) {
	if err := m.store.StartTask(ctx, t); err != nil {
		if !errors.Is(err, ErrConflict) {
			m.log.Error().Err(err).Int64("task_id", t.ID).Msg("claim task")
		}
		return
	}
	m.publish(h.jobID, "task_started", map[string]any{
		"task_id": t.ID, "kind": t.Kind, "page_id": t.PageID, "file_id": t.FileID,
	})
	h.setNowRunning(&NowRunning{TaskID: t.ID, Kind: t.Kind, PageID: t.PageID, FileID: t.FileID})
	defer h.setNowRunning(nil)

	stop := m.startHeartbeat(t.ID)
	defer stop()

	if err := exec(ctx, h, t); err != nil && ctx.Err() == nil {
		m.log.Error().Err(err).Int64("task_id", t.ID).Str("kind", string(t.Kind)).Msg("task executor")
	}
}

// startHeartbeat refreshes the task's liveness stamp until stopped. The
// interval stays well under the watchdog threshold.
func (m *Manager) startHeartbeat(taskID int64) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.store.Heartbeat(context.Background(), taskID); err != nil {
					m.log.Warn().Err(err).Int64("task_id", taskID).Msg("heartbeat")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// failTask records a page-scoped failure and emits the error events.
func (m *Manager) failTask(ctx context.Context, h *jobHandle, t Task, kind ArtifactKind, code, message string) {
	if err := m.store.FailPageArtifact(ctx, t.ID, t.PageID, kind, code, message); err != nil {
		m.log.Error().Err(err).Int64("task_id", t.ID).Msg("record task failure")
		return
	}
	m.publish(h.jobID, "task_error", map[string]any{
		"task_id": t.ID, "kind": t.Kind, "page_id": t.PageID, "error_code": code, "message": message,
	})
	m.publish(h.jobID, "artifact_state_changed", map[string]any{
		"page_id": t.PageID, "kind": kind, "status": ArtifactError, "error_code": code,
	})
}

// completeTask emits the success events after a checkpoint commit.
func (m *Manager) completeTask(h *jobHandle, t Task, kind ArtifactKind) {
	m.publish(h.jobID, "artifact_state_changed", map[string]any{
		"page_id": t.PageID, "kind": kind, "status": ArtifactReady,
	})
	m.publish(h.jobID, "task_progress", map[string]any{
		"task_id": t.ID, "kind": t.Kind, "progress": 1.0,
	})
}

// skipTask parks a task whose dependency did not end ready.
func (m *Manager) skipTask(ctx context.Context, h *jobHandle, t Task, kind ArtifactKind, reason string) {
	if err := m.store.SkipPageArtifact(ctx, t.ID, t.PageID, kind, reason); err != nil {
		m.log.Error().Err(err).Int64("task_id", t.ID).Msg("skip task")
		return
	}
	m.publish(h.jobID, "task_progress", map[string]any{
		"task_id": t.ID, "kind": t.Kind, "progress": 1.0, "message": reason,
	})
}

// ─── per-kind executors ──────────────────────────────────────────────────────

// execText extracts, normalises and signs one slide's text. Extraction
// failures stay page-scoped: the artifact goes to error, the job moves on.
func (m *Manager) execText(ctx context.Context, h *jobHandle, t Task) error {
	page, path, err := m.store.PageByID(ctx, t.PageID)
	if err != nil {
		return err
	}

	pptx, err := OpenPptx(path)
	if err != nil {
		m.failTask(ctx, h, t, KindText, CodeTextExtractFail, err.Error())
		return nil
	}
	raw, err := pptx.SlideText(page.PageNo)
	pptx.Close() //nolint:errcheck
	if err != nil {
		m.failTask(ctx, h, t, KindText, CodeTextExtractFail, err.Error())
		return nil
	}

	norm := NormalizeText(raw)
	sig := TextSig(norm)
	if err := m.store.CompleteTextPage(ctx, t.ID, t.PageID, raw, norm, sig); err != nil {
		return err
	}
	m.completeTask(h, t, KindText)
	return nil
}

// execBm25 upserts the FTS row from the stored normalized text.
func (m *Manager) execBm25(ctx context.Context, h *jobHandle, t Task) error {
	status, err := m.store.ArtifactStatusOf(ctx, t.PageID, KindText)
	if err != nil {
		return err
	}
	if status != ArtifactReady {
		m.skipTask(ctx, h, t, KindBm25, fmt.Sprintf("text artifact is %s", status))
		return nil
	}
	normText, _, err := m.store.PageTextRow(ctx, t.PageID)
	if err != nil {
		return err
	}
	if err := m.store.CompleteBm25Page(ctx, t.ID, t.PageID, normText); err != nil {
		return err
	}
	m.completeTask(h, t, KindBm25)
	return nil
}

// execPdf converts the whole file; failure fans out to every page's thumb
// and img_vec artifacts in one sweep.
func (m *Manager) execPdf(ctx context.Context, h *jobHandle, t Task) error {
	file, err := m.store.FileByID(ctx, t.FileID)
	if err != nil {
		return err
	}
	outPath := PdfPath(h.root, t.FileID)

	convErr := m.converter.Convert(ctx, file.Path, outPath)
	if convErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := CodePdfConvertFail
		if errors.Is(convErr, ErrConvertTimeout) {
			code = CodePdfConvertTimeout
		}
		if err := m.store.FailFilePdf(ctx, h.jobID, t.ID, t.FileID, code, convErr.Error()); err != nil {
			return err
		}
		m.publish(h.jobID, "task_error", map[string]any{
			"task_id": t.ID, "kind": t.Kind, "file_id": t.FileID, "error_code": code, "message": convErr.Error(),
		})
		return nil
	}

	if err := m.store.FinishFileTask(ctx, t.ID); err != nil {
		return err
	}
	m.publish(h.jobID, "task_progress", map[string]any{
		"task_id": t.ID, "kind": t.Kind, "file_id": t.FileID, "progress": 1.0,
	})
	return nil
}

// execThumb rasterises one page from the file's cached PDF.
func (m *Manager) execThumb(ctx context.Context, h *jobHandle, t Task) error {
	page, _, err := m.store.PageByID(ctx, t.PageID)
	if err != nil {
		return err
	}
	pdfPath := PdfPath(h.root, page.FileID)
	if _, statErr := os.Stat(pdfPath); statErr != nil {
		m.failTask(ctx, h, t, KindThumb, CodeThumbRenderFail, "pdf not available")
		return nil
	}

	width, height := ThumbSize(page.Aspect)
	outPath := ThumbPath(h.root, page.FileID, page.PageNo, page.Aspect, width, height)
	if renderErr := m.renderer.RenderPage(ctx, pdfPath, page.PageNo, width, height, outPath); renderErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.failTask(ctx, h, t, KindThumb, CodeThumbRenderFail, renderErr.Error())
		return nil
	}
	if err := m.store.CompleteThumbPage(ctx, t.ID, t.PageID, page.Aspect, width, height, outPath); err != nil {
		return err
	}
	m.completeTask(h, t, KindThumb)
	return nil
}

// execImgVec embeds the page's thumbnail.
func (m *Manager) execImgVec(ctx context.Context, h *jobHandle, t Task) error {
	if m.imageEmbedder == nil {
		m.skipTask(ctx, h, t, KindImgVec, "no image embedder configured")
		return nil
	}
	status, err := m.store.ArtifactStatusOf(ctx, t.PageID, KindThumb)
	if err != nil {
		return err
	}
	if status != ArtifactReady {
		m.skipTask(ctx, h, t, KindImgVec, fmt.Sprintf("thumb artifact is %s", status))
		return nil
	}

	page, _, err := m.store.PageByID(ctx, t.PageID)
	if err != nil {
		return err
	}
	width, height := ThumbSize(page.Aspect)
	thumbPath, err := m.store.ThumbnailPath(ctx, t.PageID, page.Aspect, width, height)
	if err != nil {
		m.failTask(ctx, h, t, KindImgVec, CodeThumbRenderFail, "thumbnail row missing")
		return nil
	}
	image, err := os.ReadFile(thumbPath)
	if err != nil {
		m.failTask(ctx, h, t, KindImgVec, CodeThumbRenderFail, err.Error())
		return nil
	}

	model := h.opts.ImageEmbedModel
	vec, embedErr := m.imageEmbedder.EmbedImage(ctx, model, image)
	if embedErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := CodeOpenAIRateLimit
		if errors.Is(embedErr, openai.ErrAuth) {
			code = CodeOpenAIAuth
		}
		m.failTask(ctx, h, t, KindImgVec, code, embedErr.Error())
		return nil
	}
	if want := m.imageEmbedder.Dim(model); len(vec) != want {
		m.failTask(ctx, h, t, KindImgVec, CodeEmbedDimMismatch,
			fmt.Sprintf("got dim %d, want %d", len(vec), want))
		return nil
	}

	if err := m.store.CompleteImgVec(ctx, t.ID, t.PageID, model, len(vec), openai.PackF32(vec)); err != nil {
		return err
	}
	m.completeTask(h, t, KindImgVec)
	return nil
}

// ─── text vector phase ───────────────────────────────────────────────────────

type textVecItem struct {
	task Task
	sig  string
	norm string
	stop func()
}

// runTextVecPhase drains text_vec tasks in batches. Within a batch, tasks
// sharing a text signature collapse into one provider input; across batches
// and runs the content-addressed cache removes repeats. Empty text never
// reaches the provider; the canonical zero vector is stored instead.
func (m *Manager) runTextVecPhase(ctx context.Context, h *jobHandle) error {
	tasks, err := m.store.QueuedTasks(ctx, h.jobID, TaskTextVec)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	model := h.opts.TextEmbedModel

	if m.textEmbedder == nil {
		for _, t := range tasks {
			if err := m.store.StartTask(ctx, t); err != nil {
				continue
			}
			m.skipTask(ctx, h, t, KindTextVec, "no text embedder configured")
		}
		return nil
	}

	for start := 0; start < len(tasks); start += m.cfg.EmbedBatchSize {
		if err := h.gate.Wait(ctx); err != nil {
			return err
		}
		end := start + m.cfg.EmbedBatchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		abort, err := m.runTextVecBatch(ctx, h, model, tasks[start:end])
		if err != nil {
			return err
		}
		if abort {
			return nil
		}
	}
	return nil
}

// runTextVecBatch resolves one batch: cache hits and empty pages settle
// locally, the rest go upstream in a single call. Returns abort=true on an
// auth failure, which poisons every remaining text_vec task for the job.
func (m *Manager) runTextVecBatch(ctx context.Context, h *jobHandle, model string, batch []Task) (abort bool, err error) {
	var pending []textVecItem
	defer func() {
		for _, it := range pending {
			it.stop()
		}
	}()

	for _, t := range batch {
		if claimErr := m.store.StartTask(ctx, t); claimErr != nil {
			if !errors.Is(claimErr, ErrConflict) {
				m.log.Error().Err(claimErr).Int64("task_id", t.ID).Msg("claim text_vec task")
			}
			continue
		}
		m.publish(h.jobID, "task_started", map[string]any{
			"task_id": t.ID, "kind": t.Kind, "page_id": t.PageID,
		})
		stop := m.startHeartbeat(t.ID)

		status, depErr := m.store.ArtifactStatusOf(ctx, t.PageID, KindText)
		if depErr != nil {
			stop()
			return false, depErr
		}
		if status != ArtifactReady {
			m.skipTask(ctx, h, t, KindTextVec, fmt.Sprintf("text artifact is %s", status))
			stop()
			continue
		}
		norm, sig, rowErr := m.store.PageTextRow(ctx, t.PageID)
		if rowErr != nil {
			stop()
			return false, rowErr
		}

		if sig == "" {
			// Empty page: canonical zero vector, no remote call.
			dim := m.textEmbedder.Dim(model)
			if cerr := m.store.CompleteTextVec(ctx, t.ID, t.PageID, model, "", dim, openai.ZeroVector(dim)); cerr != nil {
				stop()
				return false, cerr
			}
			m.completeTask(h, t, KindTextVec)
			stop()
			continue
		}

		dim, blob, hit, lookErr := m.store.CacheLookup(ctx, model, sig)
		if lookErr != nil {
			stop()
			return false, lookErr
		}
		if hit {
			if len(blob) != dim*4 {
				m.failTask(ctx, h, t, KindTextVec, CodeEmbedDimMismatch,
					fmt.Sprintf("cache blob %d bytes, dim %d", len(blob), dim))
				stop()
				continue
			}
			if cerr := m.store.CompleteTextVec(ctx, t.ID, t.PageID, model, sig, dim, nil); cerr != nil {
				stop()
				return false, cerr
			}
			m.completeTask(h, t, KindTextVec)
			stop()
			continue
		}

		pending = append(pending, textVecItem{task: t, sig: sig, norm: norm, stop: stop})
	}

	if len(pending) == 0 {
		return false, nil
	}
	if err := h.gate.Wait(ctx); err != nil {
		return false, err
	}

	// Deduplicate by signature before going upstream.
	sigIdx := map[string]int{}
	var inputs []string
	for _, it := range pending {
		if _, seen := sigIdx[it.sig]; !seen {
			sigIdx[it.sig] = len(inputs)
			inputs = append(inputs, it.norm)
		}
	}

	vecs, embedErr := m.textEmbedder.EmbedBatch(ctx, model, inputs)
	if embedErr != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(embedErr, openai.ErrAuth) {
			for _, it := range pending {
				m.failTask(ctx, h, it.task, KindTextVec, CodeOpenAIAuth, embedErr.Error())
			}
			n, sweepErr := m.store.FailRemainingTasks(ctx, h.jobID, TaskTextVec, CodeOpenAIAuth, embedErr.Error())
			if sweepErr != nil {
				return false, sweepErr
			}
			m.log.Error().Err(embedErr).Int("failed_tasks", n).Msg("text embedding auth failure, aborting pipeline")
			return true, nil
		}
		for _, it := range pending {
			m.failTask(ctx, h, it.task, KindTextVec, CodeOpenAIRateLimit, embedErr.Error())
		}
		return false, nil
	}

	est := 0
	for _, in := range inputs {
		est += openai.EstimateTokens(in)
	}
	h.embedTokens.Add(int64(est))

	for _, it := range pending {
		vec := vecs[sigIdx[it.sig]]
		if cerr := m.store.CompleteTextVec(ctx, it.task.ID, it.task.PageID, model, it.sig, len(vec), openai.PackF32(vec)); cerr != nil {
			return false, cerr
		}
		m.completeTask(h, it.task, KindTextVec)
	}
	return false, nil
}
