package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrConflict is returned when a status transition finds the row in an
// unexpected state, typically two writers racing for the same task.
var ErrConflict = errors.New("index: conflicting state transition")

// Store wraps the SQLite handle with the focused single-transaction
// operations the planner and workers use. Every method is one short
// transaction; the per-page checkpoint methods commit payload, artifact and
// task together so readers never see a ready artifact without its payload.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open, migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only queries (search).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit tx: %w", err)
	}
	return nil
}

// ─── files and pages ─────────────────────────────────────────────────────────

// UpsertFile inserts or refreshes the file row for path. The file_id is
// stable across updates. changed reports whether size or mtime differs from
// the last persisted value (true for new files).
func (s *Store) UpsertFile(ctx context.Context, path string, size, mtime int64, slideCount int, aspect string) (fileID int64, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var prevSize, prevMtime int64
		row := tx.QueryRowContext(ctx,
			`SELECT file_id, size_bytes, mtime_epoch FROM files WHERE path = ?`, path)
		scanErr := row.Scan(&fileID, &prevSize, &prevMtime)
		switch {
		case scanErr == sql.ErrNoRows:
			changed = true
			res, insErr := tx.ExecContext(ctx,
				`INSERT INTO files (path, size_bytes, mtime_epoch, slide_count, slide_aspect, last_scanned_at, missing, scan_error)
				 VALUES (?, ?, ?, ?, ?, ?, 0, '')`,
				path, size, mtime, slideCount, aspect, nowEpoch())
			if insErr != nil {
				return fmt.Errorf("index: insert file %s: %w", path, insErr)
			}
			fileID, insErr = res.LastInsertId()
			return insErr
		case scanErr != nil:
			return fmt.Errorf("index: look up file %s: %w", path, scanErr)
		}

		changed = prevSize != size || prevMtime != mtime
		_, updErr := tx.ExecContext(ctx,
			`UPDATE files SET size_bytes = ?, mtime_epoch = ?, slide_count = ?, slide_aspect = ?,
			        last_scanned_at = ?, missing = 0, scan_error = ''
			 WHERE file_id = ?`,
			size, mtime, slideCount, aspect, nowEpoch(), fileID)
		if updErr != nil {
			return fmt.Errorf("index: update file %s: %w", path, updErr)
		}
		return nil
	})
	return fileID, changed, err
}

// SetFileScanError records a scan failure on the file row.
func (s *Store) SetFileScanError(ctx context.Context, fileID int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET scan_error = ?, last_scanned_at = ? WHERE file_id = ?`,
		message, nowEpoch(), fileID)
	if err != nil {
		return fmt.Errorf("index: set scan error: %w", err)
	}
	return nil
}

// MarkFilesMissing flags every file under root whose file_id is not in
// seen. Missing files are surfaced to the UI, never deleted implicitly.
func (s *Store) MarkFilesMissing(ctx context.Context, root string, seen map[int64]bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id FROM files WHERE path LIKE ? || '%'`, root)
	if err != nil {
		return fmt.Errorf("index: list files under %s: %w", root, err)
	}
	var missing []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return err
		}
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range missing {
		if _, err := s.db.ExecContext(ctx, `UPDATE files SET missing = 1 WHERE file_id = ?`, id); err != nil {
			return fmt.Errorf("index: mark file %d missing: %w", id, err)
		}
	}
	return nil
}

// FileByID loads one file row.
func (s *Store) FileByID(ctx context.Context, fileID int64) (File, error) {
	var f File
	var missing int
	err := s.db.QueryRowContext(ctx,
		`SELECT file_id, path, size_bytes, mtime_epoch, slide_count, slide_aspect, last_scanned_at, missing, scan_error
		 FROM files WHERE file_id = ?`, fileID).
		Scan(&f.ID, &f.Path, &f.SizeBytes, &f.MtimeEpoch, &f.SlideCount, &f.SlideAspect, &f.LastScannedAt, &missing, &f.ScanError)
	if err != nil {
		return File{}, fmt.Errorf("index: load file %d: %w", fileID, err)
	}
	f.Missing = missing != 0
	return f, nil
}

// EnsurePages creates (or leaves) exactly slideCount page rows for the file,
// each with five artifact rows in status missing. Idempotent: rerunning on
// an unchanged file changes no rows.
func (s *Store) EnsurePages(ctx context.Context, fileID int64, slideCount int, aspect string, srcSize, srcMtime int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for pageNo := 1; pageNo <= slideCount; pageNo++ {
			var pageID int64
			err := tx.QueryRowContext(ctx,
				`SELECT page_id FROM pages WHERE file_id = ? AND page_no = ?`, fileID, pageNo).Scan(&pageID)
			if err == sql.ErrNoRows {
				res, insErr := tx.ExecContext(ctx,
					`INSERT INTO pages (file_id, page_no, aspect, source_size_bytes, source_mtime_epoch, created_at)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					fileID, pageNo, aspect, srcSize, srcMtime, nowEpoch())
				if insErr != nil {
					return fmt.Errorf("index: insert page %d/%d: %w", fileID, pageNo, insErr)
				}
				if pageID, insErr = res.LastInsertId(); insErr != nil {
					return insErr
				}
			} else if err != nil {
				return fmt.Errorf("index: look up page %d/%d: %w", fileID, pageNo, err)
			}

			for _, kind := range Kinds {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO artifacts (page_id, kind, status, updated_at, params_json, error_code, error_message, attempts)
					 VALUES (?, ?, ?, ?, '', '', '', 0)
					 ON CONFLICT (page_id, kind) DO NOTHING`,
					pageID, string(kind), string(ArtifactMissing), nowEpoch()); err != nil {
					return fmt.Errorf("index: ensure artifact %d/%s: %w", pageID, kind, err)
				}
			}
		}
		return nil
	})
}

// PagesOfFile returns the file's pages ordered by page number.
func (s *Store) PagesOfFile(ctx context.Context, fileID int64) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_id, file_id, page_no, aspect, source_size_bytes, source_mtime_epoch, created_at
		 FROM pages WHERE file_id = ? ORDER BY page_no`, fileID)
	if err != nil {
		return nil, fmt.Errorf("index: pages of file %d: %w", fileID, err)
	}
	defer rows.Close() //nolint:errcheck

	var pages []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.FileID, &p.PageNo, &p.Aspect, &p.SrcSize, &p.SrcMtime, &p.CreatedAt); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// PageByID loads one page row plus its file's path.
func (s *Store) PageByID(ctx context.Context, pageID int64) (Page, string, error) {
	var p Page
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT p.page_id, p.file_id, p.page_no, p.aspect, p.source_size_bytes, p.source_mtime_epoch, p.created_at, f.path
		 FROM pages p JOIN files f ON f.file_id = p.file_id
		 WHERE p.page_id = ?`, pageID).
		Scan(&p.ID, &p.FileID, &p.PageNo, &p.Aspect, &p.SrcSize, &p.SrcMtime, &p.CreatedAt, &path)
	if err != nil {
		return Page{}, "", fmt.Errorf("index: load page %d: %w", pageID, err)
	}
	return p, path, nil
}

// ─── jobs ────────────────────────────────────────────────────────────────────

// CreateJob persists a new job row in status created.
func (s *Store) CreateJob(ctx context.Context, jobID, libraryRoot, optionsJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, library_root, status, created_at, started_at, finished_at, options_json, summary_json)
		 VALUES (?, ?, ?, ?, 0, 0, ?, '')`,
		jobID, libraryRoot, string(JobCreated), nowEpoch(), optionsJSON)
	if err != nil {
		return fmt.Errorf("index: create job %s: %w", jobID, err)
	}
	return nil
}

// JobByID loads one job row.
func (s *Store) JobByID(ctx context.Context, jobID string) (Job, error) {
	var j Job
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, library_root, status, created_at, started_at, finished_at, options_json, summary_json
		 FROM jobs WHERE job_id = ?`, jobID).
		Scan(&j.ID, &j.LibraryRoot, &status, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.OptionsJSON, &j.SummaryJSON)
	if err != nil {
		return Job{}, fmt.Errorf("index: load job %s: %w", jobID, err)
	}
	j.Status = JobStatus(status)
	return j, nil
}

// SetJobStatus transitions the job row, stamping started_at on the first
// move to running and finished_at on terminal states.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	now := nowEpoch()
	var err error
	switch {
	case status == JobRunning:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = CASE WHEN started_at = 0 THEN ? ELSE started_at END
			 WHERE job_id = ?`, string(status), now, jobID)
	case status.Terminal():
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ? WHERE job_id = ?`, string(status), now, jobID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE job_id = ?`, string(status), jobID)
	}
	if err != nil {
		return fmt.Errorf("index: set job %s status %s: %w", jobID, status, err)
	}
	return nil
}

// SetJobSummary stores the terminal summary JSON.
func (s *Store) SetJobSummary(ctx context.Context, jobID, summaryJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET summary_json = ? WHERE job_id = ?`, summaryJSON, jobID)
	if err != nil {
		return fmt.Errorf("index: set job %s summary: %w", jobID, err)
	}
	return nil
}

// ─── tasks ───────────────────────────────────────────────────────────────────

// InsertTask persists a queued task and returns its id.
func (s *Store) InsertTask(ctx context.Context, t Task) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (job_id, page_id, file_id, kind, status, priority, depends_on, started_at, heartbeat_at, finished_at, progress, message, error_code, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, '', '', '')`,
		t.JobID, nullableID(t.PageID), nullableID(t.FileID), string(t.Kind), string(TaskQueued), t.Priority, nullableID(t.DependsOn))
	if err != nil {
		return 0, fmt.Errorf("index: insert task: %w", err)
	}
	return res.LastInsertId()
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// QueuedTasks returns the job's queued tasks of one kind in priority order.
func (s *Store) QueuedTasks(ctx context.Context, jobID string, kind TaskKind) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, job_id, COALESCE(page_id, 0), COALESCE(file_id, 0), kind, status, priority, COALESCE(depends_on, 0)
		 FROM tasks WHERE job_id = ? AND kind = ? AND status = ?
		 ORDER BY priority DESC, task_id`, jobID, string(kind), string(TaskQueued))
	if err != nil {
		return nil, fmt.Errorf("index: queued tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tasks []Task
	for rows.Next() {
		var t Task
		var kindStr, statusStr string
		if err := rows.Scan(&t.ID, &t.JobID, &t.PageID, &t.FileID, &kindStr, &statusStr, &t.Priority, &t.DependsOn); err != nil {
			return nil, err
		}
		t.Kind, t.Status = TaskKind(kindStr), TaskStatus(statusStr)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// StartTask transitions queued → running with fresh started/heartbeat stamps,
// and moves the owning artifact to running for page-scoped tasks. Returns
// ErrConflict if the task is no longer queued.
func (s *Store) StartTask(ctx context.Context, t Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowEpoch()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = ?, heartbeat_at = ? WHERE task_id = ? AND status = ?`,
			string(TaskRunning), now, now, t.ID, string(TaskQueued))
		if err != nil {
			return fmt.Errorf("index: start task %d: %w", t.ID, err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck
		if n == 0 {
			return fmt.Errorf("%w: task %d not queued", ErrConflict, t.ID)
		}
		if t.PageID != 0 && t.Kind != TaskPdf {
			if _, err := tx.ExecContext(ctx,
				`UPDATE artifacts SET status = ?, updated_at = ?, attempts = attempts + 1 WHERE page_id = ? AND kind = ?`,
				string(ArtifactRunning), now, t.PageID, string(t.Kind)); err != nil {
				return fmt.Errorf("index: start artifact %d/%s: %w", t.PageID, t.Kind, err)
			}
		}
		return nil
	})
}

// Heartbeat refreshes the task's liveness stamp.
func (s *Store) Heartbeat(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at = ? WHERE task_id = ? AND status = ?`,
		nowEpoch(), taskID, string(TaskRunning))
	if err != nil {
		return fmt.Errorf("index: heartbeat task %d: %w", taskID, err)
	}
	return nil
}

func finishTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, status TaskStatus, code, message string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ?, progress = 1.0, error_code = ?, error_message = ? WHERE task_id = ?`,
		string(status), nowEpoch(), code, message, taskID)
	if err != nil {
		return fmt.Errorf("index: finish task %d: %w", taskID, err)
	}
	return nil
}

func setArtifactTx(ctx context.Context, tx *sql.Tx, pageID int64, kind ArtifactKind, status ArtifactStatus, code, message string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, updated_at = ?, error_code = ?, error_message = ? WHERE page_id = ? AND kind = ?`,
		string(status), nowEpoch(), code, message, pageID, string(kind))
	if err != nil {
		return fmt.Errorf("index: set artifact %d/%s: %w", pageID, kind, err)
	}
	return nil
}

// ─── per-page checkpoints ────────────────────────────────────────────────────

// CompleteTextPage is the text checkpoint: page_text payload, artifact →
// ready and task → finished commit in one transaction.
func (s *Store) CompleteTextPage(ctx context.Context, taskID, pageID int64, rawText, normText, textSig string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO page_text (page_id, raw_text, norm_text, text_sig, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (page_id) DO UPDATE SET raw_text = excluded.raw_text, norm_text = excluded.norm_text,
			        text_sig = excluded.text_sig, updated_at = excluded.updated_at`,
			pageID, rawText, normText, textSig, nowEpoch()); err != nil {
			return fmt.Errorf("index: upsert page_text %d: %w", pageID, err)
		}
		if err := setArtifactTx(ctx, tx, pageID, KindText, ArtifactReady, "", ""); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskFinished, "", "")
	})
}

// CompleteBm25Page upserts the FTS row and closes the bm25 artifact and task.
// Empty text is stored as an empty row so deletion counts stay coherent.
func (s *Store) CompleteBm25Page(ctx context.Context, taskID, pageID int64, normText string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_pages WHERE page_id = ?`, pageID); err != nil {
			return fmt.Errorf("index: clear fts row %d: %w", pageID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fts_pages (norm_text, page_id) VALUES (?, ?)`, normText, pageID); err != nil {
			return fmt.Errorf("index: insert fts row %d: %w", pageID, err)
		}
		if err := setArtifactTx(ctx, tx, pageID, KindBm25, ArtifactReady, "", ""); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskFinished, "", "")
	})
}

// CompleteThumbPage records the rendered thumbnail path and closes the thumb
// artifact and task.
func (s *Store) CompleteThumbPage(ctx context.Context, taskID, pageID int64, aspect string, width, height int, imagePath string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO thumbnails (page_id, aspect, width, height, image_path, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (page_id, aspect, width, height) DO UPDATE SET image_path = excluded.image_path,
			        updated_at = excluded.updated_at`,
			pageID, aspect, width, height, imagePath, nowEpoch()); err != nil {
			return fmt.Errorf("index: upsert thumbnail %d: %w", pageID, err)
		}
		if err := setArtifactTx(ctx, tx, pageID, KindThumb, ArtifactReady, "", ""); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskFinished, "", "")
	})
}

// CompleteTextVec records the page's text embedding: cache row (insert if
// absent), reference row, artifact → ready and task → finished in one
// transaction. The cache row is shared across pages with equal sig.
func (s *Store) CompleteTextVec(ctx context.Context, taskID, pageID int64, model, textSig string, dim int, vectorBlob []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if vectorBlob != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO embedding_cache_text (model, text_sig, dim, vector_blob, created_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (model, text_sig) DO NOTHING`,
				model, textSig, dim, vectorBlob, nowEpoch()); err != nil {
				return fmt.Errorf("index: insert embedding cache %s: %w", textSig, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO page_text_embedding (page_id, model, text_sig, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (page_id, model) DO UPDATE SET text_sig = excluded.text_sig,
			        updated_at = excluded.updated_at`,
			pageID, model, textSig, nowEpoch()); err != nil {
			return fmt.Errorf("index: upsert page_text_embedding %d: %w", pageID, err)
		}
		if err := setArtifactTx(ctx, tx, pageID, KindTextVec, ArtifactReady, "", ""); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskFinished, "", "")
	})
}

// CompleteImgVec records the page's image embedding and closes the img_vec
// artifact and task. Image vectors are per page, not cached.
func (s *Store) CompleteImgVec(ctx context.Context, taskID, pageID int64, model string, dim int, vectorBlob []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO page_image_embedding (page_id, model, dim, vector_blob, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (page_id, model) DO UPDATE SET dim = excluded.dim, vector_blob = excluded.vector_blob,
			        updated_at = excluded.updated_at`,
			pageID, model, dim, vectorBlob, nowEpoch()); err != nil {
			return fmt.Errorf("index: upsert page_image_embedding %d: %w", pageID, err)
		}
		if err := setArtifactTx(ctx, tx, pageID, KindImgVec, ArtifactReady, "", ""); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskFinished, "", "")
	})
}

// FailPageArtifact records a page-scoped failure: artifact → error, task →
// error with the stable code. The job continues.
func (s *Store) FailPageArtifact(ctx context.Context, taskID, pageID int64, kind ArtifactKind, code, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := setArtifactTx(ctx, tx, pageID, kind, ArtifactError, code, message); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskError, code, message)
	})
}

// SkipTask marks a task skipped without touching its artifact (used when a
// dependency ended in a state that makes the work moot).
func (s *Store) SkipTask(ctx context.Context, taskID int64, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return finishTaskTx(ctx, tx, taskID, TaskSkipped, "", message)
	})
}

// SkipPageArtifact marks both the artifact and its task skipped, for work
// whose dependency did not end ready.
func (s *Store) SkipPageArtifact(ctx context.Context, taskID, pageID int64, kind ArtifactKind, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := setArtifactTx(ctx, tx, pageID, kind, ArtifactSkipped, "", message); err != nil {
			return err
		}
		return finishTaskTx(ctx, tx, taskID, TaskSkipped, "", message)
	})
}

// FinishFileTask closes a successful file-scoped task (PDF conversion).
func (s *Store) FinishFileTask(ctx context.Context, taskID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return finishTaskTx(ctx, tx, taskID, TaskFinished, "", "")
	})
}

// FailFilePdf is the file-scoped failure sweep: the PDF task goes to error
// and every page of the file gets thumb and img_vec artifacts (and their
// queued tasks in this job) marked error in the same transaction. Text and
// bm25 for the file are untouched.
func (s *Store) FailFilePdf(ctx context.Context, jobID string, taskID, fileID int64, code, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := finishTaskTx(ctx, tx, taskID, TaskError, code, message); err != nil {
			return err
		}
		now := nowEpoch()
		for _, kind := range []ArtifactKind{KindThumb, KindImgVec} {
			if _, err := tx.ExecContext(ctx,
				`UPDATE artifacts SET status = ?, updated_at = ?, error_code = ?, error_message = ?
				 WHERE kind = ? AND page_id IN (SELECT page_id FROM pages WHERE file_id = ?)`,
				string(ArtifactError), now, code, message, string(kind), fileID); err != nil {
				return fmt.Errorf("index: sweep %s artifacts of file %d: %w", kind, fileID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, finished_at = ?, error_code = ?, error_message = ?
				 WHERE job_id = ? AND kind = ? AND status IN (?, ?)
				   AND page_id IN (SELECT page_id FROM pages WHERE file_id = ?)`,
				string(TaskError), now, code, message,
				jobID, string(kind), string(TaskQueued), string(TaskRunning), fileID); err != nil {
				return fmt.Errorf("index: sweep %s tasks of file %d: %w", kind, fileID, err)
			}
		}
		return nil
	})
}

// FailRemainingTasks marks every queued task of the given kind as error.
// Used when the embedding provider rejects the API key: the remaining
// text_vec work cannot succeed, other pipelines keep running.
func (s *Store) FailRemainingTasks(ctx context.Context, jobID string, kind TaskKind, code, message string) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowEpoch()
		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET status = ?, updated_at = ?, error_code = ?, error_message = ?
			 WHERE kind = ? AND page_id IN (SELECT page_id FROM tasks WHERE job_id = ? AND kind = ? AND status = ?)`,
			string(ArtifactError), now, code, message,
			string(kind), jobID, string(kind), string(TaskQueued)); err != nil {
			return fmt.Errorf("index: fail remaining %s artifacts: %w", kind, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, finished_at = ?, error_code = ?, error_message = ?
			 WHERE job_id = ? AND kind = ? AND status = ?`,
			string(TaskError), now, code, message, jobID, string(kind), string(TaskQueued))
		if err != nil {
			return fmt.Errorf("index: fail remaining %s tasks: %w", kind, err)
		}
		affected, _ := res.RowsAffected() //nolint:errcheck
		n = int(affected)
		return nil
	})
	return n, err
}

// CancelJobSweep transitions every queued or running task of the job, and
// the owning artifacts, to cancelled. Returns the number of tasks swept;
// zero on an already-settled job, making repeated cancels no-ops.
func (s *Store) CancelJobSweep(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowEpoch()
		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET status = ?, updated_at = ?
			 WHERE status IN (?, ?) AND page_id IN
			   (SELECT page_id FROM tasks WHERE job_id = ? AND page_id IS NOT NULL AND status IN (?, ?))`,
			string(ArtifactCancelled), now,
			string(ArtifactQueued), string(ArtifactRunning),
			jobID, string(TaskQueued), string(TaskRunning)); err != nil {
			return fmt.Errorf("index: cancel artifacts of job %s: %w", jobID, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, finished_at = ? WHERE job_id = ? AND status IN (?, ?)`,
			string(TaskCancelled), now, jobID, string(TaskQueued), string(TaskRunning))
		if err != nil {
			return fmt.Errorf("index: cancel tasks of job %s: %w", jobID, err)
		}
		affected, _ := res.RowsAffected() //nolint:errcheck
		n = int(affected)
		return nil
	})
	return n, err
}

// StaleRunningTasks returns tasks still marked running whose heartbeat is
// older than cutoff. The watchdog feeds these into FailPageArtifact.
func (s *Store) StaleRunningTasks(ctx context.Context, cutoff int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, job_id, COALESCE(page_id, 0), COALESCE(file_id, 0), kind, heartbeat_at
		 FROM tasks WHERE status = ? AND heartbeat_at < ?`,
		string(TaskRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("index: stale tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tasks []Task
	for rows.Next() {
		var t Task
		var kind string
		if err := rows.Scan(&t.ID, &t.JobID, &t.PageID, &t.FileID, &kind, &t.HeartbeatAt); err != nil {
			return nil, err
		}
		t.Kind = TaskKind(kind)
		t.Status = TaskRunning
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FailStaleTask is the watchdog transition: task → error with
// WATCHDOG_TIMEOUT, and the owning artifact → error for page-scoped tasks.
func (s *Store) FailStaleTask(ctx context.Context, t Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if t.PageID != 0 && t.Kind != TaskPdf {
			if err := setArtifactTx(ctx, tx, t.PageID, ArtifactKind(t.Kind), ArtifactError, CodeWatchdogTimeout, "heartbeat stalled"); err != nil {
				return err
			}
		}
		return finishTaskTx(ctx, tx, t.ID, TaskError, CodeWatchdogTimeout, "heartbeat stalled")
	})
}

// ─── reads for dependencies, counters and events ─────────────────────────────

// PageTextRow returns the stored norm_text and text_sig of a page.
func (s *Store) PageTextRow(ctx context.Context, pageID int64) (normText, textSig string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT norm_text, text_sig FROM page_text WHERE page_id = ?`, pageID).Scan(&normText, &textSig)
	if err != nil {
		return "", "", fmt.Errorf("index: page_text %d: %w", pageID, err)
	}
	return normText, textSig, nil
}

// ArtifactStatusOf returns the current status of one (page, kind) artifact.
func (s *Store) ArtifactStatusOf(ctx context.Context, pageID int64, kind ArtifactKind) (ArtifactStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM artifacts WHERE page_id = ? AND kind = ?`, pageID, string(kind)).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("index: artifact %d/%s: %w", pageID, kind, err)
	}
	return ArtifactStatus(status), nil
}

// CacheLookup resolves a text embedding from the content-addressed cache.
func (s *Store) CacheLookup(ctx context.Context, model, textSig string) (dim int, blob []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT dim, vector_blob FROM embedding_cache_text WHERE model = ? AND text_sig = ?`,
		model, textSig).Scan(&dim, &blob)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("index: cache lookup %s/%s: %w", model, textSig, err)
	}
	return dim, blob, true, nil
}

// ThumbnailPath returns the stored image path for (page, aspect, w, h).
func (s *Store) ThumbnailPath(ctx context.Context, pageID int64, aspect string, width, height int) (string, error) {
	var p string
	err := s.db.QueryRowContext(ctx,
		`SELECT image_path FROM thumbnails WHERE page_id = ? AND aspect = ? AND width = ? AND height = ?`,
		pageID, aspect, width, height).Scan(&p)
	if err != nil {
		return "", fmt.Errorf("index: thumbnail %d: %w", pageID, err)
	}
	return p, nil
}

// CountersForJob tallies artifact statuses per kind over the pages this job
// scheduled work for.
func (s *Store) CountersForJob(ctx context.Context, jobID string) (Counters, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.kind, a.status, COUNT(*)
		 FROM artifacts a
		 WHERE a.page_id IN (SELECT DISTINCT page_id FROM tasks WHERE job_id = ? AND page_id IS NOT NULL)
		 GROUP BY a.kind, a.status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("index: counters for job %s: %w", jobID, err)
	}
	defer rows.Close() //nolint:errcheck

	counters := Counters{}
	for _, k := range Kinds {
		counters[k] = KindCounters{}
	}
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		kc := counters[ArtifactKind(kind)]
		switch ArtifactStatus(status) {
		case ArtifactQueued:
			kc.Queued = n
		case ArtifactRunning:
			kc.Running = n
		case ArtifactReady:
			kc.Ready = n
		case ArtifactError:
			kc.Error = n
		case ArtifactCancelled:
			kc.Cancelled = n
		}
		counters[ArtifactKind(kind)] = kc
	}
	return counters, rows.Err()
}

// ErrorsSummary returns the job's task error counts grouped by error code.
func (s *Store) ErrorsSummary(ctx context.Context, jobID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT error_code, COUNT(*) FROM tasks
		 WHERE job_id = ? AND status = ? AND error_code != ''
		 GROUP BY error_code`, jobID, string(TaskError))
	if err != nil {
		return nil, fmt.Errorf("index: errors summary %s: %w", jobID, err)
	}
	defer rows.Close() //nolint:errcheck

	out := map[string]int{}
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}

// NonTerminalTaskCount reports how many of the job's tasks are still queued
// or running. Property: zero once the job reaches a terminal status.
func (s *Store) NonTerminalTaskCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE job_id = ? AND status IN (?, ?)`,
		jobID, string(TaskQueued), string(TaskRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: non-terminal tasks %s: %w", jobID, err)
	}
	return n, nil
}

// AppendEvent persists one bus event for post-hoc inspection. The (job, seq)
// primary key preserves the publish-time ordering.
func (s *Store) AppendEvent(ctx context.Context, jobID string, seq uint64, ts int64, eventType, payloadJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, seq, ts, type, payload_json) VALUES (?, ?, ?, ?, ?)`,
		jobID, seq, ts, eventType, payloadJSON)
	if err != nil {
		return fmt.Errorf("index: append event %s/%d: %w", jobID, seq, err)
	}
	return nil
}

// QueueArtifact moves a (page, kind) artifact into queued during planning.
func (s *Store) QueueArtifact(ctx context.Context, pageID int64, kind ArtifactKind) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, updated_at = ?, error_code = '', error_message = '' WHERE page_id = ? AND kind = ?`,
		string(ArtifactQueued), nowEpoch(), pageID, string(kind))
	if err != nil {
		return fmt.Errorf("index: queue artifact %d/%s: %w", pageID, kind, err)
	}
	return nil
}
