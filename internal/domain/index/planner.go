package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PlanResult summarises one planning pass.
type PlanResult struct {
	FilesSeen    int `json:"files_seen"`
	FilesChanged int `json:"files_changed"`
	FilesSkipped int `json:"files_skipped"`
	FilesErrored int `json:"files_errored"`
	PagesPlanned int `json:"pages_planned"`
	TasksQueued  int `json:"tasks_queued"`

	// Requested file_paths entries that are outside the root, not .pptx
	// files, or not present on disk. Examples are capped.
	InvalidPaths        int      `json:"invalid_paths,omitempty"`
	InvalidPathExamples []string `json:"invalid_path_examples,omitempty"`
}

// invalidPathExampleCap bounds the examples carried in events and summaries.
const invalidPathExampleCap = 5

// Planner scans library roots, refreshes file and page rows, and enqueues
// per-page artifact work honoring the job options.
type Planner struct {
	store *Store
}

// NewPlanner builds a Planner over the store.
func NewPlanner(store *Store) *Planner {
	return &Planner{store: store}
}

// ScanFilesUnder lists .pptx files in root. Non-recursive by default:
// recursion is the root whitelist's choice, not the scanner's. Office lock
// files (~$ prefix) and dotfiles are ignored. Results are path-sorted.
func ScanFilesUnder(root string, recursive bool) ([]string, error) {
	var found []string
	if recursive {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".slidemanager" {
					return filepath.SkipDir
				}
				return nil
			}
			if isPptx(d.Name()) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("index: walk %s: %w", root, err)
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("index: read dir %s: %w", root, err)
		}
		for _, e := range entries {
			if !e.IsDir() && isPptx(e.Name()) {
				found = append(found, filepath.Join(root, e.Name()))
			}
		}
	}
	sort.Strings(found)
	return found, nil
}

func isPptx(name string) bool {
	if strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".pptx")
}

// PlanJob runs the full planning pass for a job: scan, upsert files and
// pages, queue artifacts and insert tasks. onProgress (optional) is called
// after each file with (done, total); a non-nil return aborts planning, which
// lets the caller gate the loop on its pause and cancel tokens.
func (p *Planner) PlanJob(ctx context.Context, jobID, root string, recursive bool, opts JobOptions, onProgress func(done, total int) error) (PlanResult, error) {
	var res PlanResult

	paths, err := ScanFilesUnder(root, recursive)
	if err != nil {
		return res, err
	}
	if len(opts.FilePaths) > 0 {
		var invalid []string
		paths, res.FilesSkipped, invalid = filterPaths(root, paths, opts.FilePaths)
		res.InvalidPaths = len(invalid)
		if len(invalid) > invalidPathExampleCap {
			invalid = invalid[:invalidPathExampleCap]
		}
		res.InvalidPathExamples = invalid
	}

	seen := make(map[int64]bool, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.FilesSeen++

		fileRes, planErr := p.planFile(ctx, jobID, root, path, opts)
		if planErr != nil {
			return res, planErr
		}
		if fileRes.fileID != 0 {
			seen[fileRes.fileID] = true
		}
		if fileRes.scanFailed {
			res.FilesErrored++
		}
		if fileRes.changed {
			res.FilesChanged++
		}
		res.PagesPlanned += fileRes.pages
		res.TasksQueued += fileRes.tasks

		if onProgress != nil {
			if err := onProgress(i+1, len(paths)); err != nil {
				return res, err
			}
		}
	}

	if err := p.store.MarkFilesMissing(ctx, root, seen); err != nil {
		return res, err
	}
	return res, nil
}

// filterPaths restricts the scanned set to the requested file_paths. Each
// requested entry must resolve to a scanned deck inside the root; entries
// outside the root, or naming files the scan did not find, are invalid and
// reported rather than silently ignored.
func filterPaths(root string, scanned, wanted []string) (kept []string, skipped int, invalid []string) {
	inScan := make(map[string]bool, len(scanned))
	for _, s := range scanned {
		inScan[filepath.Clean(s)] = true
	}

	want := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		c := filepath.Clean(w)
		if !underRoot(root, c) || !inScan[c] {
			invalid = append(invalid, w)
			continue
		}
		want[c] = true
	}

	for _, s := range scanned {
		if want[filepath.Clean(s)] {
			kept = append(kept, s)
		} else {
			skipped++
		}
	}
	return kept, skipped, invalid
}

// underRoot reports whether the cleaned path lives inside root.
func underRoot(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type filePlanResult struct {
	fileID     int64
	changed    bool
	scanFailed bool
	pages      int
	tasks      int
}

func (p *Planner) planFile(ctx context.Context, jobID, root, path string, opts JobOptions) (filePlanResult, error) {
	var res filePlanResult

	info, err := os.Stat(path)
	if err != nil {
		// Raced deletion between scan and stat; the missing sweep handles it.
		return res, nil
	}

	pptx, err := OpenPptx(path)
	if err != nil {
		fileID, _, upErr := p.store.UpsertFile(ctx, path, info.Size(), info.ModTime().Unix(), 0, AspectUnknown)
		if upErr != nil {
			return res, upErr
		}
		res.fileID = fileID
		res.scanFailed = true
		return res, p.store.SetFileScanError(ctx, fileID, err.Error())
	}
	slideCount := pptx.SlideCount()
	aspect := pptx.Aspect()
	pptx.Close() //nolint:errcheck

	fileID, changed, err := p.store.UpsertFile(ctx, path, info.Size(), info.ModTime().Unix(), slideCount, aspect)
	if err != nil {
		return res, err
	}
	res.fileID = fileID
	res.changed = changed

	if err := p.store.EnsurePages(ctx, fileID, slideCount, aspect, info.Size(), info.ModTime().Unix()); err != nil {
		return res, err
	}
	pages, err := p.store.PagesOfFile(ctx, fileID)
	if err != nil {
		return res, err
	}
	res.pages = len(pages)

	tasks, err := p.queueFileWork(ctx, jobID, fileID, pages, changed, opts)
	if err != nil {
		return res, err
	}
	res.tasks = tasks
	return res, nil
}

// queueFileWork decides, per page and enabled kind, whether to queue work:
// always for force_rebuild, for every enabled kind when the file changed,
// otherwise only for artifacts still in status missing. Dependencies are
// wired through task ids (text → text_vec/bm25, pdf → thumb → img_vec).
func (p *Planner) queueFileWork(ctx context.Context, jobID string, fileID int64, pages []Page, changed bool, opts JobOptions) (int, error) {
	shouldQueue := func(pageID int64, kind ArtifactKind, enabled bool) (bool, error) {
		if !enabled {
			return false, nil
		}
		if opts.ForceRebuild || changed {
			return true, nil
		}
		status, err := p.store.ArtifactStatusOf(ctx, pageID, kind)
		if err != nil {
			return false, err
		}
		return status == ArtifactMissing, nil
	}

	queued := 0
	insert := func(t Task) (int64, error) {
		id, err := p.store.InsertTask(ctx, t)
		if err != nil {
			return 0, err
		}
		queued++
		return id, nil
	}

	// First decide the thumb set; the file-scoped PDF task exists only when
	// at least one page needs a thumbnail.
	thumbPages := make(map[int64]bool)
	for _, page := range pages {
		ok, err := shouldQueue(page.ID, KindThumb, opts.EnableThumb)
		if err != nil {
			return queued, err
		}
		thumbPages[page.ID] = ok
	}
	var pdfTaskID int64
	if anyTrue(thumbPages) {
		id, err := insert(Task{JobID: jobID, FileID: fileID, Kind: TaskPdf, Priority: 10})
		if err != nil {
			return queued, err
		}
		pdfTaskID = id
	}

	for _, page := range pages {
		var textTaskID, thumbTaskID int64

		if ok, err := shouldQueue(page.ID, KindText, opts.EnableText); err != nil {
			return queued, err
		} else if ok {
			id, err := insert(Task{JobID: jobID, PageID: page.ID, FileID: fileID, Kind: TaskText, Priority: 20})
			if err != nil {
				return queued, err
			}
			textTaskID = id
			if err := p.store.QueueArtifact(ctx, page.ID, KindText); err != nil {
				return queued, err
			}
		}

		if thumbPages[page.ID] {
			id, err := insert(Task{JobID: jobID, PageID: page.ID, FileID: fileID, Kind: TaskThumb, Priority: 10, DependsOn: pdfTaskID})
			if err != nil {
				return queued, err
			}
			thumbTaskID = id
			if err := p.store.QueueArtifact(ctx, page.ID, KindThumb); err != nil {
				return queued, err
			}
		}

		if ok, err := shouldQueue(page.ID, KindBm25, opts.EnableBm25); err != nil {
			return queued, err
		} else if ok {
			if _, err := insert(Task{JobID: jobID, PageID: page.ID, FileID: fileID, Kind: TaskBm25, Priority: 15, DependsOn: textTaskID}); err != nil {
				return queued, err
			}
			if err := p.store.QueueArtifact(ctx, page.ID, KindBm25); err != nil {
				return queued, err
			}
		}

		if ok, err := shouldQueue(page.ID, KindTextVec, opts.EnableTextVec); err != nil {
			return queued, err
		} else if ok {
			if _, err := insert(Task{JobID: jobID, PageID: page.ID, FileID: fileID, Kind: TaskTextVec, Priority: 5, DependsOn: textTaskID}); err != nil {
				return queued, err
			}
			if err := p.store.QueueArtifact(ctx, page.ID, KindTextVec); err != nil {
				return queued, err
			}
		}

		if ok, err := shouldQueue(page.ID, KindImgVec, opts.EnableImgVec); err != nil {
			return queued, err
		} else if ok {
			if _, err := insert(Task{JobID: jobID, PageID: page.ID, FileID: fileID, Kind: TaskImgVec, Priority: 5, DependsOn: thumbTaskID}); err != nil {
				return queued, err
			}
			if err := p.store.QueueArtifact(ctx, page.ID, KindImgVec); err != nil {
				return queued, err
			}
		}
	}
	return queued, nil
}

func anyTrue(m map[int64]bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}
