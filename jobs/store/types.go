package store

import "time"

// BatchState is the lifecycle state of a batch. Terminal states are absorbing:
// once a batch reaches one of them no core operation moves it anywhere else.
type BatchState string

const (
	BatchQueued              BatchState = "queued"
	BatchExtracting          BatchState = "extracting"
	BatchProcessing          BatchState = "processing"
	BatchCompleted           BatchState = "completed"
	BatchCompletedWithErrors BatchState = "completed_with_errors"
	BatchFailed              BatchState = "failed"
)

// Terminal reports whether s is an absorbing batch state.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchFailed:
		return true
	}
	return false
}

// ItemState is the lifecycle state of a single work item attempt.
type ItemState string

const (
	ItemPending    ItemState = "pending"
	ItemProcessing ItemState = "processing"
	ItemSuccess    ItemState = "success"
	ItemFailed     ItemState = "failed"
	ItemSkipped    ItemState = "skipped"
)

// Terminal reports whether s ends an attempt. A requeue starts a new attempt
// by resetting the item to pending with a bumped retry count.
func (s ItemState) Terminal() bool {
	switch s {
	case ItemSuccess, ItemFailed, ItemSkipped:
		return true
	}
	return false
}

// ErrorKind classifies a failed work item attempt. The worker uses it to
// decide between retry scheduling and final failure.
type ErrorKind string

const (
	ErrKindRetryable ErrorKind = "retryable"
	ErrKindPermanent ErrorKind = "permanent"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindRateLimit ErrorKind = "rate_limit"
	ErrKindParse     ErrorKind = "parse_error"
	ErrKindLLM       ErrorKind = "llm_error"
	ErrKindUnknown   ErrorKind = "unknown"
)

// Retryable reports whether another attempt should be scheduled for this kind.
// Parse and permanent failures never improve on retry; unknown errors are
// treated conservatively and not retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindRetryable, ErrKindTimeout, ErrKindRateLimit, ErrKindLLM:
		return true
	}
	return false
}

// Batch is one operator-submitted unit of work corresponding to one uploaded
// archive. RunID is the join key to work items; it equals BatchID unless a
// migration has diverged them, which is why all stats joins go through
// coalesce(run_id, batch_id).
type Batch struct {
	BatchID      string
	RunID        string
	ArchiveKey   string
	State        BatchState
	TotalFiles   int
	ErrorMessage string
	UploadedBy   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// WorkItem is one document inside a batch scheduled for extraction.
type WorkItem struct {
	DocID       string
	RunID       string
	Filename    string
	FileKey     string
	FileType    string
	State       ItemState
	Extracted   []byte
	ErrorText   string
	ErrorKind   ErrorKind
	RetryCount  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DurationMS returns the wallclock duration of the last attempt in
// milliseconds, or 0 if the attempt has not both started and completed.
func (w WorkItem) DurationMS() int64 {
	if w.StartedAt == nil || w.CompletedAt == nil {
		return 0
	}
	return w.CompletedAt.Sub(*w.StartedAt).Milliseconds()
}

// Summary is the merged per-batch view produced by the aggregator. At most
// one summary exists per run_id.
type Summary struct {
	RunID        string
	UIJSON       []byte
	TotalFiles   int
	SuccessFiles int
	FailedFiles  int
	State        BatchState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BatchStats is the per-batch counting view used by the finalizer and the
// status endpoint.
type BatchStats struct {
	Total           int
	Pending         int
	Processing      int
	Success         int
	Failed          int
	LastCompletedAt *time.Time
}

// Quiescent reports whether every file of the batch has reached a terminal
// state and nothing is pending or in flight. The idle window on top of this
// condition is applied by FindQuiescentBatches.
func (s BatchStats) Quiescent() bool {
	return s.Total > 0 && s.Pending == 0 && s.Processing == 0 &&
		s.Success+s.Failed >= s.Total
}

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Well-known alert kinds written by the worker.
const (
	AlertWorkerUnreachable = "WORKER_UNREACHABLE"
	AlertHighErrorRate     = "HIGH_ERROR_RATE"
	AlertDiskFullWarning   = "DISK_FULL_WARNING"
	AlertRateLimitSpike    = "RATE_LIMIT_SPIKE"
	AlertAggregationDead   = "AGGREGATION_DEADLETTERED"
)

// Alert is an operational notification row. Alerts never change lifecycle
// behaviour; they exist for operators.
type Alert struct {
	ID         int64
	Kind       string
	Severity   string
	Message    string
	Context    []byte
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
