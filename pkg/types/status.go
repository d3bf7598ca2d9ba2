package types

import "time"

// JobState is the lifecycle state of a background job.
type JobState string

const (
	JobIdle    JobState = "idle"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// JobHeader carries the fields shared by every job status payload.
type JobHeader struct {
	OK         bool      `json:"ok"`
	State      JobState  `json:"state"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	ElapsedSec float64   `json:"elapsed_sec,omitempty"`
	ETASec     float64   `json:"eta_sec"`
}

// HeavyFile records a source file whose extraction was unusually slow.
type HeavyFile struct {
	File   string  `json:"file"`
	Sec    float64 `json:"sec"`
	SizeKB float64 `json:"size_kb,omitempty"`
	Status string  `json:"status,omitempty"` // e.g. TIMEOUT
}

// IndexStatus is the polled progress of an index job.
type IndexStatus struct {
	JobHeader
	TotalFiles       int         `json:"total_files"`
	ProcessedFiles   int         `json:"processed_files"`
	ChunksWritten    int         `json:"chunks_written"`
	DocsIndexed      int         `json:"docs_indexed"`
	DocsSkippedEmpty int         `json:"docs_skipped_empty"`
	DocsFailed       int         `json:"docs_failed"`
	FilesPerSec      float64     `json:"files_per_sec"`
	CurrentFile      string      `json:"current_file,omitempty"`
	HeavyFiles       []HeavyFile `json:"heavy_files,omitempty"`
}

// TruncExample records one per-chunk truncation performed so the text fits
// the embedding provider's limits.
type TruncExample struct {
	SourcePath string `json:"source_path"`
	OrigChars  int    `json:"orig_chars"`
	KeptChars  int    `json:"kept_chars"`
	CutChars   int    `json:"cut_chars"`
}

// FallbackEvent records one batch-level token-overflow retry sequence.
type FallbackEvent struct {
	Batch           int    `json:"batch"`
	Tries           int    `json:"tries"`
	CutTotalChars   int    `json:"cut_total_chars"`
	LastBeforeAfter [2]int `json:"last_before_after"`
}

// EmbedStatus is the polled progress of an embed job, including the
// truncation and overflow-fallback diagnostics.
type EmbedStatus struct {
	JobHeader
	TotalChunks     int     `json:"total_chunks"`
	ProcessedChunks int     `json:"processed_chunks"`
	ChunksPerSec    float64 `json:"chunks_per_sec"`
	Model           string  `json:"model"`

	TruncCount      int            `json:"trunc_count"`
	TruncTotalChars int            `json:"trunc_total_chars"`
	TruncMaxChars   int            `json:"trunc_max_chars"`
	TruncExamples   []TruncExample `json:"trunc_examples,omitempty"`

	CtxFallbackTotalTries    int             `json:"ctx_fallback_total_tries"`
	CtxFallbackTotalCutChars int             `json:"ctx_fallback_total_cut_chars"`
	CtxFallbackEvents        []FallbackEvent `json:"ctx_fallback_events,omitempty"`

	FailedBatches int `json:"failed_batches,omitempty"`
	DroppedChunks int `json:"dropped_chunks,omitempty"`
}
