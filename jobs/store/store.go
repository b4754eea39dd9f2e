package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error types for common store failures
var (
	ErrAlreadyExists = errors.New("store: record already exists")
	ErrNotFound      = errors.New("store: record not found")
)

// NotClaimableError is returned by ClaimWorkItem when the item is not in
// pending state. The worker treats it as a duplicate delivery and acks the
// envelope without processing.
type NotClaimableError struct {
	DocID string
	State ItemState
}

// Make sure NotClaimableError implements the error interface
func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("work item %s not claimable in state %s", e.DocID, e.State)
}

// InvalidTransitionError is returned by operations that require the batch to
// be in a particular state, such as SetBatchTotalFiles during extraction.
type InvalidTransitionError struct {
	BatchID string
	State   BatchState
	Wanted  []BatchState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("batch %s in state %s, wanted one of %v", e.BatchID, e.State, e.Wanted)
}

// Store is the single owner of all entity mutation. The expander, worker,
// finalizer and aggregator coordinate exclusively through these operations;
// they never share in-memory state. State-dependent mutations are conditional
// updates so that concurrent callers race safely.
type Store interface {
	// CreateBatch inserts a new batch in queued state. Returns
	// ErrAlreadyExists if the batch id collides.
	CreateBatch(ctx context.Context, batchID, archiveKey, uploadedBy string) error

	// GetBatch returns the batch row or ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (Batch, error)

	// TransitionBatch conditionally moves the batch from one of the given
	// states to the target state. Returns whether the update applied.
	// completed_at is set server-side when the target state is terminal.
	TransitionBatch(ctx context.Context, batchID string, from []BatchState, to BatchState, errMsg string) (bool, error)

	// SetBatchTotalFiles records the expanded file count. Allowed only while
	// the batch is extracting; idempotent.
	SetBatchTotalFiles(ctx context.Context, batchID string, n int) error

	// CreateWorkItem inserts a pending work item. On doc_id conflict the
	// existing row is left untouched and created is false.
	CreateWorkItem(ctx context.Context, item WorkItem) (created bool, err error)

	// GetWorkItem returns the work item row or ErrNotFound.
	GetWorkItem(ctx context.Context, docID string) (WorkItem, error)

	// ClaimWorkItem conditionally moves a pending item to processing and
	// stamps started_at. Returns NotClaimableError when the item is in any
	// other state, ErrNotFound when it does not exist.
	ClaimWorkItem(ctx context.Context, docID string) (WorkItem, error)

	// MarkWorkItemSuccess finishes the attempt with the extracted document.
	MarkWorkItemSuccess(ctx context.Context, docID string, extracted []byte) error

	// MarkWorkItemFailed finishes the attempt with an error classification.
	MarkWorkItemFailed(ctx context.Context, docID string, kind ErrorKind, errText string) error

	// PrepareRetry resets the item to pending for the next attempt, bumping
	// retry_count and clearing the attempt timestamps.
	PrepareRetry(ctx context.Context, docID string) error

	// SuccessfulWorkItems returns all success items of a run ordered by
	// completed_at ascending, ties broken by doc_id, which makes the
	// aggregator's first-non-empty-wins merge deterministic across retries.
	SuccessfulWorkItems(ctx context.Context, runID string) ([]WorkItem, error)

	// BatchStats returns the counting view for a batch. The underlying join
	// uses coalesce(run_id, batch_id) on the batch side.
	BatchStats(ctx context.Context, batchID string) (BatchStats, error)

	// UpsertSummary writes the merged summary, keyed by run_id. Idempotent
	// under replay.
	UpsertSummary(ctx context.Context, s Summary) error

	// GetSummary returns the summary row or ErrNotFound.
	GetSummary(ctx context.Context, runID string) (Summary, error)

	// SummaryExists reports whether a summary row exists for the run.
	SummaryExists(ctx context.Context, runID string) (bool, error)

	// FindQuiescentBatches returns ids of batches in processing state whose
	// files have all terminated and whose last completion is older than
	// idleFor. These are the batches the reap tick must finalize.
	FindQuiescentBatches(ctx context.Context, idleFor time.Duration) ([]string, error)

	// InsertAlert writes an operational alert row.
	InsertAlert(ctx context.Context, a Alert) error
}
