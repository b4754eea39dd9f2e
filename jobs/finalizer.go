package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
)

// Finalizer closes out batches whose files have all terminated. It has three
// drivers sharing this one code path: the worker after each settled file, the
// reap tick over quiescent batches, and the summary endpoint on demand. The
// conditional processing -> terminal transition makes the race between them
// harmless: exactly one driver wins and schedules aggregation.
type Finalizer struct {
	store        store.Store
	queue        *queue.Queue
	redisClient  *redis.Client
	logger       *logharbour.Logger
	statusTTLSec int
	highErrorPct int
}

// NewFinalizer creates a finalizer. statusTTLSec bounds the Redis status
// cache entries; highErrorPct is the failed-file percentage above which a
// HIGH_ERROR_RATE alert is written.
func NewFinalizer(st store.Store, q *queue.Queue, redisClient *redis.Client, logger *logharbour.Logger, statusTTLSec, highErrorPct int) *Finalizer {
	if statusTTLSec <= 0 {
		statusTTLSec = 60
	}
	if highErrorPct <= 0 {
		highErrorPct = 50
	}
	return &Finalizer{
		store:        st,
		queue:        q,
		redisClient:  redisClient,
		logger:       logger,
		statusTTLSec: statusTTLSec,
		highErrorPct: highErrorPct,
	}
}

// determineBatchState maps the final counters onto the terminal state.
// Per-file failures never fail the batch; only expansion does, and that
// happens before any file is counted.
func determineBatchState(st store.BatchStats) store.BatchState {
	if st.Failed == 0 {
		return store.BatchCompleted
	}
	return store.BatchCompletedWithErrors
}

// Finalize checks quiescence and, when this caller wins the terminal
// transition, flushes the cached status and schedules aggregation. Returns
// whether this call performed the finalization. Safe to call any number of
// times from any driver.
func (f *Finalizer) Finalize(ctx context.Context, batchID string) (bool, error) {
	b, err := f.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("get batch: %w", err)
	}
	if b.State.Terminal() {
		// Already finalized. Recover a lost aggregation job if the summary
		// never materialized. A batch that failed before producing any work
		// items gets no summary at all.
		if b.TotalFiles == 0 {
			return false, nil
		}
		return false, f.ensureAggregation(ctx, batchID)
	}

	stats, err := f.store.BatchStats(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("batch stats: %w", err)
	}
	if !stats.Quiescent() {
		return false, nil
	}

	state := determineBatchState(stats)
	// Queued is a legal source too: a quiescent batch whose files all
	// settled before any claim moved it to processing.
	won, err := f.store.TransitionBatch(ctx, batchID,
		[]store.BatchState{store.BatchProcessing, store.BatchQueued}, state, "")
	if err != nil {
		return false, fmt.Errorf("terminal transition: %w", err)
	}
	if !won {
		return false, nil
	}

	f.logger.LogDataChange("Batch finalized", logharbour.ChangeInfo{
		Entity: "Batch",
		Op:     "Finalize",
		Changes: []logharbour.ChangeDetail{
			{Field: "state", OldVal: b.State, NewVal: state},
		},
	})

	// The status cache must reflect the terminal state before the
	// aggregation job can possibly run.
	if err := f.cacheStatus(ctx, batchID, state); err != nil {
		f.logger.Error(err).LogActivity("Failed to update status in Redis", map[string]any{
			"batch_id": batchID,
		})
	}

	if stats.Failed*100 > stats.Total*f.highErrorPct {
		alertCtx, _ := json.Marshal(map[string]any{
			"batch_id": batchID,
			"total":    stats.Total,
			"failed":   stats.Failed,
		})
		if err := f.store.InsertAlert(ctx, store.Alert{
			Kind:     store.AlertHighErrorRate,
			Severity: store.SeverityWarning,
			Message:  fmt.Sprintf("batch %s finished with %d/%d files failed", batchID, stats.Failed, stats.Total),
			Context:  alertCtx,
		}); err != nil {
			f.logger.Error(err).LogActivity("Failed to insert alert", map[string]any{
				"batch_id": batchID,
			})
		}
	}

	if err := f.ensureAggregation(ctx, batchID); err != nil {
		return true, err
	}
	return true, nil
}

// ensureAggregation enqueues the aggregation job unless a summary already
// exists for the batch.
func (f *Finalizer) ensureAggregation(ctx context.Context, batchID string) error {
	exists, err := f.store.SummaryExists(ctx, batchID)
	if err != nil {
		return fmt.Errorf("summary existence check: %w", err)
	}
	if !exists {
		if err := f.queue.Enqueue(ctx, queue.TypeAggregateBatch, batchID); err != nil {
			return fmt.Errorf("enqueue aggregation: %w", err)
		}
	}
	return nil
}

// cacheStatus writes the terminal batch status to Redis under a WATCH so
// concurrent writers cannot interleave a stale value.
func (f *Finalizer) cacheStatus(ctx context.Context, batchID string, state store.BatchState) error {
	if f.redisClient == nil {
		return nil
	}
	key := queue.BatchStatusKey(batchID)
	expiry := time.Duration(f.statusTTLSec) * time.Second

	return f.redisClient.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current == string(state) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(state), expiry)
			return nil
		})
		return err
	}, key)
}
