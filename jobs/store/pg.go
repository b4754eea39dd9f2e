package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements Store on top of a pgx connection pool. All timestamps
// are set server-side (now()) to avoid clock skew across worker hosts, and
// every state-dependent mutation is a conditional UPDATE so that optimistic
// concurrency replaces long-held locks.
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a new PgStore over the given pool.
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PgStore) CreateBatch(ctx context.Context, batchID, archiveKey, uploadedBy string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO batches (batch_id, run_id, archive_key, state, uploaded_by)
		VALUES ($1, $1, $2, 'queued', nullif($3, ''))`,
		batchID, archiveKey, uploadedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: batch_id=%s", ErrAlreadyExists, batchID)
	}
	return err
}

const batchColumns = `batch_id, coalesce(run_id, batch_id), archive_key, state,
	total_files, coalesce(error_message, ''), coalesce(uploaded_by, ''),
	created_at, updated_at, completed_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.BatchID, &b.RunID, &b.ArchiveKey, &b.State,
		&b.TotalFiles, &b.ErrorMessage, &b.UploadedBy,
		&b.CreatedAt, &b.UpdatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	return b, err
}

func (s *PgStore) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID)
	return scanBatch(row)
}

func (s *PgStore) TransitionBatch(ctx context.Context, batchID string, from []BatchState, to BatchState, errMsg string) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE batches
		SET state = $2,
		    error_message = coalesce(nullif($3, ''), error_message),
		    completed_at = CASE WHEN $4 THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE batch_id = $1 AND state = ANY($5)`,
		batchID, string(to), errMsg, to.Terminal(), states)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) SetBatchTotalFiles(ctx context.Context, batchID string, n int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE batches SET total_files = $2, updated_at = now()
		WHERE batch_id = $1 AND state = 'extracting'`,
		batchID, n)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		b, err := s.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{BatchID: batchID, State: b.State, Wanted: []BatchState{BatchExtracting}}
	}
	return nil
}

func (s *PgStore) CreateWorkItem(ctx context.Context, item WorkItem) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO workitems (doc_id, run_id, filename, file_key, file_type, state)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (doc_id) DO NOTHING`,
		item.DocID, item.RunID, item.Filename, item.FileKey, item.FileType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const itemColumns = `doc_id, run_id, filename, file_key, file_type, state,
	extracted, coalesce(error_text, ''), coalesce(error_kind, ''), retry_count,
	created_at, started_at, completed_at`

func scanItem(row pgx.Row) (WorkItem, error) {
	var w WorkItem
	err := row.Scan(&w.DocID, &w.RunID, &w.Filename, &w.FileKey, &w.FileType,
		&w.State, &w.Extracted, &w.ErrorText, &w.ErrorKind, &w.RetryCount,
		&w.CreatedAt, &w.StartedAt, &w.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkItem{}, ErrNotFound
	}
	return w, err
}

func (s *PgStore) GetWorkItem(ctx context.Context, docID string) (WorkItem, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM workitems WHERE doc_id = $1`, docID)
	return scanItem(row)
}

func (s *PgStore) ClaimWorkItem(ctx context.Context, docID string) (WorkItem, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE workitems
		SET state = 'processing', started_at = now(), completed_at = NULL
		WHERE doc_id = $1 AND state = 'pending'
		RETURNING `+itemColumns, docID)
	item, err := scanItem(row)
	if errors.Is(err, ErrNotFound) {
		// Either the item does not exist or it is past pending. Read it to
		// tell the two apart.
		existing, gerr := s.GetWorkItem(ctx, docID)
		if gerr != nil {
			return WorkItem{}, gerr
		}
		return WorkItem{}, &NotClaimableError{DocID: docID, State: existing.State}
	}
	return item, err
}

func (s *PgStore) MarkWorkItemSuccess(ctx context.Context, docID string, extracted []byte) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workitems
		SET state = 'success', extracted = $2, error_text = NULL,
		    error_kind = NULL, completed_at = now()
		WHERE doc_id = $1 AND state = 'processing'`,
		docID, extracted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark success: %w: doc_id=%s", ErrNotFound, docID)
	}
	return nil
}

func (s *PgStore) MarkWorkItemFailed(ctx context.Context, docID string, kind ErrorKind, errText string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workitems
		SET state = 'failed', error_kind = $2, error_text = $3, completed_at = now()
		WHERE doc_id = $1 AND state IN ('processing', 'pending')`,
		docID, string(kind), errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed: %w: doc_id=%s", ErrNotFound, docID)
	}
	return nil
}

func (s *PgStore) PrepareRetry(ctx context.Context, docID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workitems
		SET state = 'pending', retry_count = retry_count + 1,
		    started_at = NULL, completed_at = NULL
		WHERE doc_id = $1 AND state = 'processing'`,
		docID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("prepare retry: %w: doc_id=%s", ErrNotFound, docID)
	}
	return nil
}

func (s *PgStore) SuccessfulWorkItems(ctx context.Context, runID string) ([]WorkItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+` FROM workitems
		WHERE run_id = $1 AND state = 'success'
		ORDER BY completed_at ASC, doc_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// BatchStats joins on coalesce(run_id, batch_id) so the view stays correct
// for rows written before run_id existed.
func (s *PgStore) BatchStats(ctx context.Context, batchID string) (BatchStats, error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(w.doc_id),
		       count(*) FILTER (WHERE w.state = 'pending'),
		       count(*) FILTER (WHERE w.state = 'processing'),
		       count(*) FILTER (WHERE w.state = 'success'),
		       count(*) FILTER (WHERE w.state = 'failed'),
		       max(w.completed_at)
		FROM batches b
		LEFT JOIN workitems w ON w.run_id = coalesce(b.run_id, b.batch_id)
		WHERE b.batch_id = $1
		GROUP BY b.batch_id`, batchID)

	var st BatchStats
	err := row.Scan(&st.Total, &st.Pending, &st.Processing, &st.Success,
		&st.Failed, &st.LastCompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BatchStats{}, ErrNotFound
	}
	return st, err
}

func (s *PgStore) UpsertSummary(ctx context.Context, sum Summary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO summaries (run_id, ui_json, total_files, success_files, failed_files, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE
		SET ui_json = EXCLUDED.ui_json,
		    total_files = EXCLUDED.total_files,
		    success_files = EXCLUDED.success_files,
		    failed_files = EXCLUDED.failed_files,
		    state = EXCLUDED.state,
		    updated_at = now()`,
		sum.RunID, sum.UIJSON, sum.TotalFiles, sum.SuccessFiles,
		sum.FailedFiles, string(sum.State))
	return err
}

func (s *PgStore) GetSummary(ctx context.Context, runID string) (Summary, error) {
	row := s.db.QueryRow(ctx, `
		SELECT run_id, ui_json, total_files, success_files, failed_files,
		       state, created_at, updated_at
		FROM summaries WHERE run_id = $1`, runID)

	var sum Summary
	err := row.Scan(&sum.RunID, &sum.UIJSON, &sum.TotalFiles,
		&sum.SuccessFiles, &sum.FailedFiles, &sum.State,
		&sum.CreatedAt, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	return sum, err
}

func (s *PgStore) SummaryExists(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM summaries WHERE run_id = $1)`, runID).Scan(&exists)
	return exists, err
}

func (s *PgStore) FindQuiescentBatches(ctx context.Context, idleFor time.Duration) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT b.batch_id
		FROM batches b
		JOIN workitems w ON w.run_id = coalesce(b.run_id, b.batch_id)
		WHERE b.state = 'processing'
		GROUP BY b.batch_id, b.total_files
		HAVING count(*) FILTER (WHERE w.state IN ('pending', 'processing')) = 0
		   AND count(*) FILTER (WHERE w.state IN ('success', 'failed')) >= b.total_files
		   AND max(w.completed_at) < now() - make_interval(secs => $1)`,
		idleFor.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgStore) InsertAlert(ctx context.Context, a Alert) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO alerts (kind, severity, message, context)
		VALUES ($1, $2, $3, $4)`,
		a.Kind, a.Severity, a.Message, a.Context)
	return err
}
