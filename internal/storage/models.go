package storage

import "time"

// EmbeddingStatus is the lifecycle state of a staged document.
type EmbeddingStatus string

const (
	StatusPending    EmbeddingStatus = "PENDING"
	StatusInProgress EmbeddingStatus = "IN_PROGRESS"
	StatusCompleted  EmbeddingStatus = "COMPLETED"
	StatusFailed     EmbeddingStatus = "FAILED"
)

// StagedDocument is a document (or one chunk of one) held durably while it
// waits for embedding. ChunkIndex and TotalChunks are both set for chunked
// documents and both nil otherwise.
type StagedDocument struct {
	ID           string
	Source       string
	Collection   string
	Text         string
	Metadata     map[string]string
	Status       EmbeddingStatus
	ChunkIndex   *int
	TotalChunks  *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RetryCount   int
	ErrorMessage string
}

// RunMetadata is the per-source run record and checkpoint. CheckpointData is
// an opaque key-value bag each source defines for itself; it is the sole
// resumption contract between runs.
type RunMetadata struct {
	SourceName          string
	LastSuccessfulRun   *time.Time
	LastAttemptedRun    *time.Time
	TotalItemsProcessed int64
	TotalItemsFailed    int64
	ConsecutiveFailures int
	CheckpointData      map[string]string
}

// IndexedPage records one logical document indexed into a collection, keyed
// by its stable page id. The content hash drives the indexer's diff.
type IndexedPage struct {
	PageID           string
	Collection       string
	ContentHash      string
	IndexedAt        time.Time
	EmbeddingVersion string
}

// JobStatus is the lifecycle state of an indexing job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IndexingJob is one indexing invocation. It is immutable once completed or failed.
type IndexingJob struct {
	ID            string
	Collection    string
	Status        JobStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	TotalPages    int
	IndexedPages  int
	FailedPages   int
	CurrentPageID string
	ErrorMessage  string
}

// IndexingError is one row of the append-only per-job error log.
type IndexingError struct {
	ID           int64
	JobID        string
	PageID       string
	PageName     string
	ErrorMessage string
	StackTrace   string
	OccurredAt   time.Time
	RetryCount   int
}
