// Package index is the indexing core: planning, the artifact store, the
// per-kind worker pipelines and the job control plane. A job turns a library
// of .pptx files into per-page artifacts (text, thumbnail, text vector,
// image vector, BM25 row), each independently tracked and recoverable.
package index

import "time"

// ArtifactKind identifies one of the five per-page derived products.
type ArtifactKind string

const (
	KindText    ArtifactKind = "text"
	KindThumb   ArtifactKind = "thumb"
	KindTextVec ArtifactKind = "text_vec"
	KindImgVec  ArtifactKind = "img_vec"
	KindBm25    ArtifactKind = "bm25"
)

// Kinds lists all artifact kinds in planning order.
var Kinds = []ArtifactKind{KindText, KindThumb, KindTextVec, KindImgVec, KindBm25}

// ArtifactStatus is the lifecycle state of one (page, kind) artifact.
type ArtifactStatus string

const (
	ArtifactMissing   ArtifactStatus = "missing"
	ArtifactQueued    ArtifactStatus = "queued"
	ArtifactRunning   ArtifactStatus = "running"
	ArtifactReady     ArtifactStatus = "ready"
	ArtifactSkipped   ArtifactStatus = "skipped"
	ArtifactError     ArtifactStatus = "error"
	ArtifactCancelled ArtifactStatus = "cancelled"
)

// JobStatus is the job state machine:
// created → planning → running ⇄ paused, terminal completed|failed|cancelled,
// with cancel_requested reachable from any non-terminal state.
type JobStatus string

const (
	JobCreated         JobStatus = "created"
	JobPlanning        JobStatus = "planning"
	JobRunning         JobStatus = "running"
	JobPaused          JobStatus = "paused"
	JobCancelRequested JobStatus = "cancel_requested"
	JobCancelled       JobStatus = "cancelled"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	return s == JobCancelled || s == JobCompleted || s == JobFailed
}

// TaskStatus is the lifecycle state of one scheduled unit of work.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskFinished  TaskStatus = "finished"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool {
	return s == TaskFinished || s == TaskError || s == TaskCancelled || s == TaskSkipped
}

// TaskKind is the worker family a task is dispatched to. It matches the
// artifact kind except for the file-scoped PDF conversion task.
type TaskKind string

const (
	TaskText    TaskKind = "text"
	TaskPdf     TaskKind = "pdf"
	TaskThumb   TaskKind = "thumb"
	TaskTextVec TaskKind = "text_vec"
	TaskImgVec  TaskKind = "img_vec"
	TaskBm25    TaskKind = "bm25"
)

// Slide aspect labels.
const (
	Aspect4x3     = "4:3"
	Aspect16x9    = "16:9"
	AspectUnknown = "unknown"
)

// Stable error codes surfaced to the UI on task and artifact rows.
const (
	CodeTextExtractFail   = "TEXT_EXTRACT_FAIL"
	CodePdfConvertTimeout = "PDF_CONVERT_TIMEOUT"
	CodePdfConvertFail    = "PDF_CONVERT_FAIL"
	CodeThumbRenderFail   = "THUMB_RENDER_FAIL"
	CodeOpenAIRateLimit   = "OPENAI_RATE_LIMIT"
	CodeOpenAIAuth        = "OPENAI_AUTH"
	CodeEmbedDimMismatch  = "EMBED_DIM_MISMATCH"
	CodeWatchdogTimeout   = "WATCHDOG_TIMEOUT"
	CodeStoreConflict     = "STORE_CONFLICT"
	CodeJSONCorrupted     = "JSON_CORRUPTED"
)

// File is one .pptx inside a library root.
type File struct {
	ID            int64
	Path          string
	SizeBytes     int64
	MtimeEpoch    int64
	SlideCount    int
	SlideAspect   string
	LastScannedAt int64
	Missing       bool
	ScanError     string
}

// Page is one (file, page number) pair. PageNo is 1-based.
type Page struct {
	ID         int64
	FileID     int64
	PageNo     int
	Aspect     string
	SrcSize    int64
	SrcMtime   int64
	CreatedAt  int64
}

// Artifact is the tracked state of one (page, kind) product.
type Artifact struct {
	PageID       int64
	Kind         ArtifactKind
	Status       ArtifactStatus
	UpdatedAt    int64
	ParamsJSON   string
	ErrorCode    string
	ErrorMessage string
	Attempts     int
}

// Job is one indexing run over a library root.
type Job struct {
	ID          string
	LibraryRoot string
	Status      JobStatus
	CreatedAt   int64
	StartedAt   int64
	FinishedAt  int64
	OptionsJSON string
	SummaryJSON string
}

// Task is one unit of work assigned to a worker pool. PageID is zero for
// file-scoped tasks (PDF conversion); FileID is zero for page-scoped ones
// whose file is implied by the page.
type Task struct {
	ID           int64
	JobID        string
	PageID       int64
	FileID       int64
	Kind         TaskKind
	Status       TaskStatus
	Priority     int
	DependsOn    int64
	StartedAt    int64
	HeartbeatAt  int64
	FinishedAt   int64
	Progress     float64
	Message      string
	ErrorCode    string
	ErrorMessage string
}

// JobOptions selects and tunes the work a job performs. The zero value is
// not useful; construct with DefaultJobOptions and override.
type JobOptions struct {
	EnableText    bool `json:"enable_text"`
	EnableThumb   bool `json:"enable_thumb"`
	EnableTextVec bool `json:"enable_text_vec"`
	EnableImgVec  bool `json:"enable_img_vec"`
	EnableBm25    bool `json:"enable_bm25"`

	ForceRebuild     bool `json:"force_rebuild"`
	CommitEveryPages int  `json:"commit_every_pages"`
	CommitEverySec   int  `json:"commit_every_sec"`

	PdfTimeoutSec        int    `json:"pdf_timeout_sec"`
	TextEmbedModel       string `json:"text_embed_model"`
	ImageEmbedModel      string `json:"image_embed_model"`
	ThumbDefaultAspect   string `json:"thumb_default_aspect"`
	WatchdogThresholdSec int    `json:"watchdog_threshold_sec"`
	ReqPerMin            int    `json:"req_per_min"`
	TokPerMin            int    `json:"tok_per_min"`

	// FilePaths restricts the job to the named files (absolute paths inside
	// the library root). Empty means the whole root.
	FilePaths []string `json:"file_paths,omitempty"`
}

// DefaultJobOptions enables every pipeline with per-page checkpointing.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		EnableText:           true,
		EnableThumb:          true,
		EnableTextVec:        true,
		EnableImgVec:         true,
		EnableBm25:           true,
		CommitEveryPages:     1,
		CommitEverySec:       5,
		PdfTimeoutSec:        180,
		TextEmbedModel:       "text-embedding-3-large",
		ImageEmbedModel:      "image-embedding-1",
		ThumbDefaultAspect:   Aspect16x9,
		WatchdogThresholdSec: 120,
		ReqPerMin:            120,
		TokPerMin:            200000,
	}
}

// KindCounters is the per-status tally for one artifact kind.
type KindCounters struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Ready     int `json:"ready"`
	Error     int `json:"error"`
	Cancelled int `json:"cancelled"`
}

// Counters groups the tallies for the five artifact kinds.
type Counters map[ArtifactKind]KindCounters

// NowRunning identifies the task currently executing, for snapshots.
type NowRunning struct {
	TaskID int64    `json:"task_id"`
	Kind   TaskKind `json:"kind"`
	PageID int64    `json:"page_id,omitempty"`
	FileID int64    `json:"file_id,omitempty"`
}

// Rates carries the coarse throughput estimates embedded in stats snapshots.
type Rates struct {
	PagesPerSec  float64 `json:"pages_per_sec"`
	TokensPerMin float64 `json:"tokens_per_min"`
}

func nowEpoch() int64 { return time.Now().Unix() }
