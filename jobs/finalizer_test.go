package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
)

func TestDetermineBatchState(t *testing.T) {
	tests := []struct {
		name  string
		stats store.BatchStats
		want  store.BatchState
	}{
		{"all success", store.BatchStats{Total: 3, Success: 3}, store.BatchCompleted},
		{"mixed", store.BatchStats{Total: 3, Success: 2, Failed: 1}, store.BatchCompletedWithErrors},
		{"all failed", store.BatchStats{Total: 3, Failed: 3}, store.BatchCompletedWithErrors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineBatchState(tt.stats))
		})
	}
}

func TestFinalizeNotQuiescent(t *testing.T) {
	st := store.GenerateStoreMock()
	st.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 3, Success: 1, Processing: 1, Pending: 1}, nil
	}
	transitioned := false
	st.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		transitioned = true
		return true, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(context.Background(), "b-1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.False(t, transitioned, "no transition before quiescence")
}

func TestFinalizeWinnerSchedulesAggregation(t *testing.T) {
	ctx := context.Background()
	st := store.GenerateStoreMock()
	st.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 2, Success: 2}, nil
	}
	var gotFrom []store.BatchState
	var gotTo store.BatchState
	st.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		gotFrom = from
		gotTo = to
		return true, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, store.BatchCompleted, gotTo)
	assert.ElementsMatch(t, []store.BatchState{store.BatchProcessing, store.BatchQueued}, gotFrom)

	// Terminal status cached before aggregation can run.
	cached, err := rdb.Get(ctx, queue.BatchStatusKey("b-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "completed", cached)
	ttl, err := rdb.TTL(ctx, queue.BatchStatusKey("b-1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	env, tok, err := q.Reserve(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeAggregateBatch, env.Type)
	assert.Equal(t, "b-1", env.EntityID())
	require.NoError(t, q.Ack(ctx, tok))
}

// Every file failing still completes the batch; per-file failures never turn
// into a failed batch.
func TestFinalizeAllFailedBatchCompletesWithErrors(t *testing.T) {
	st := store.GenerateStoreMock()
	st.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 2, Failed: 2}, nil
	}
	var gotTo store.BatchState
	st.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		gotTo = to
		return true, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(context.Background(), "b-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, store.BatchCompletedWithErrors, gotTo)
}

func TestFinalizeLoserDoesNothing(t *testing.T) {
	st := store.GenerateStoreMock()
	st.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 2, Success: 2}, nil
	}
	st.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		return false, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(context.Background(), "b-1")
	require.NoError(t, err)
	assert.False(t, done)

	_, _, err = q.Reserve(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty, "loser must not enqueue aggregation")
}

func TestFinalizeSummaryGuard(t *testing.T) {
	st := store.GenerateStoreMock()
	st.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 2, Success: 2}, nil
	}
	st.SummaryExistsFunc = func(ctx context.Context, runID string) (bool, error) {
		return true, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(context.Background(), "b-1")
	require.NoError(t, err)
	assert.True(t, done)

	_, _, err = q.Reserve(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty, "existing summary suppresses aggregation")
}

func TestFinalizeTerminalBatchRecoversAggregation(t *testing.T) {
	ctx := context.Background()
	st := store.GenerateStoreMock()
	st.GetBatchFunc = func(ctx context.Context, batchID string) (store.Batch, error) {
		return store.Batch{BatchID: batchID, RunID: batchID, State: store.BatchCompleted, TotalFiles: 2}, nil
	}
	transitioned := false
	st.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		transitioned = true
		return true, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(ctx, "b-1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.False(t, transitioned, "terminal state is absorbing")

	env, tok, err := q.Reserve(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeAggregateBatch, env.Type)
	require.NoError(t, q.Ack(ctx, tok))
}

// A batch that failed during expansion has no work items and must never get
// a summary, not even through the on-demand recovery path.
func TestFinalizeTerminalZeroFileBatchWritesNoSummary(t *testing.T) {
	ctx := context.Background()
	st := store.GenerateStoreMock()
	st.GetBatchFunc = func(ctx context.Context, batchID string) (store.Batch, error) {
		return store.Batch{BatchID: batchID, RunID: batchID, State: store.BatchFailed}, nil
	}
	st.SummaryExistsFunc = func(ctx context.Context, runID string) (bool, error) {
		t.Fatal("summary existence must not be probed for a zero-file batch")
		return false, nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(ctx, "b-1")
	require.NoError(t, err)
	assert.False(t, done)

	_, _, err = q.Reserve(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty, "no aggregation for a batch without files")
}

func TestFinalizeHighErrorRateAlert(t *testing.T) {
	st := store.GenerateStoreMock()
	st.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 4, Success: 1, Failed: 3}, nil
	}
	var alert store.Alert
	st.InsertAlertFunc = func(ctx context.Context, a store.Alert) error {
		alert = a
		return nil
	}

	q, rdb := newTestJobQueue(t)
	f := NewFinalizer(st, q, rdb, newTestLogger(), 60, 50)

	done, err := f.Finalize(context.Background(), "b-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, store.AlertHighErrorRate, alert.Kind)
	assert.Equal(t, store.SeverityWarning, alert.Severity)
}
