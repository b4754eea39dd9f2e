package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/tenderflow/extract"
	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
	"github.com/remiges-tech/tenderflow/metrics"
)

type workerFixture struct {
	store  *store.StoreMock
	blobs  *objstore.MemObjStore
	queue  *queue.Queue
	worker *Worker
}

func newWorkerFixture(t *testing.T, structExt extract.StructuredExtractor) *workerFixture {
	t.Helper()
	fx := &workerFixture{
		store: store.GenerateStoreMock(),
		blobs: objstore.NewMemObjStore(),
	}
	q, rdb := newTestJobQueue(t)
	fx.queue = q

	logger := newTestLogger()
	fin := NewFinalizer(fx.store, q, rdb, logger, 60, 50)
	agg := NewAggregator(fx.store, logger)
	exp := NewExpander(fx.store, fx.blobs, q, logger, 3, nil)

	if structExt == nil {
		structExt = &extract.StructuredExtractorMock{
			ExtractStructuredFunc: func(ctx context.Context, text, filename string) (json.RawMessage, error) {
				return json.RawMessage(`{"title":"t"}`), nil
			},
		}
	}

	fx.worker = NewWorker(WorkerConfig{MaxRetries: 3}, fx.store, q, fx.blobs,
		extract.PlainTextExtractor{}, structExt, exp, fin, agg, logger, metrics.Noop{})
	return fx
}

// reserveAndDispatch pulls one envelope and runs it through the worker, the
// way the consume loop would.
func (fx *workerFixture) reserveAndDispatch(t *testing.T) {
	t.Helper()
	env, tok, err := fx.queue.Reserve(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	fx.worker.dispatch(context.Background(), env, tok)
}

func (fx *workerFixture) depths(t *testing.T) queue.Metrics {
	t.Helper()
	m, err := fx.queue.Depths(context.Background())
	require.NoError(t, err)
	return m
}

func pendingItem(docID string) store.WorkItem {
	return store.WorkItem{
		DocID:    docID,
		RunID:    "b-1",
		Filename: "doc.txt",
		FileKey:  "extracted/b-1/doc.txt",
		FileType: "txt",
		State:    store.ItemProcessing,
	}
}

func TestWorkerProcessFileSuccess(t *testing.T) {
	fx := newWorkerFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.blobs.Put(ctx, "extracted/b-1/doc.txt",
		bytes.NewReader([]byte("tender text")), 11, "text/plain"))

	var claimed string
	fx.store.ClaimWorkItemFunc = func(ctx context.Context, docID string) (store.WorkItem, error) {
		claimed = docID
		return pendingItem(docID), nil
	}
	var savedDoc []byte
	fx.store.MarkWorkItemSuccessFunc = func(ctx context.Context, docID string, extracted []byte) error {
		savedDoc = extracted
		return nil
	}
	var batchTransitions []store.BatchState
	fx.store.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		batchTransitions = append(batchTransitions, to)
		// queued -> processing succeeds; the finalizer's terminal
		// transition is exercised separately.
		return to == store.BatchProcessing, nil
	}
	// Batch still has files in flight, so finalization stays a no-op.
	fx.store.BatchStatsFunc = func(ctx context.Context, batchID string) (store.BatchStats, error) {
		return store.BatchStats{Total: 2, Success: 1, Pending: 1}, nil
	}

	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeProcessFile, "b-1::doc.txt"))
	fx.reserveAndDispatch(t)

	assert.Equal(t, "b-1::doc.txt", claimed)
	assert.JSONEq(t, `{"title":"t"}`, string(savedDoc))
	assert.Contains(t, batchTransitions, store.BatchProcessing)
	assert.Equal(t, queue.Metrics{}, fx.depths(t), "envelope fully settled")
}

func TestWorkerDuplicateDeliveryAcked(t *testing.T) {
	fx := newWorkerFixture(t, nil)
	ctx := context.Background()

	fx.store.ClaimWorkItemFunc = func(ctx context.Context, docID string) (store.WorkItem, error) {
		return store.WorkItem{}, &store.NotClaimableError{DocID: docID, State: store.ItemSuccess}
	}
	marked := false
	fx.store.MarkWorkItemFailedFunc = func(ctx context.Context, docID string, kind store.ErrorKind, errText string) error {
		marked = true
		return nil
	}

	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeProcessFile, "b-1::doc.txt"))
	fx.reserveAndDispatch(t)

	assert.False(t, marked, "duplicate delivery must not touch the item")
	assert.Equal(t, queue.Metrics{}, fx.depths(t), "duplicate delivery is acked")
}

func TestWorkerRetryableFailureScheduled(t *testing.T) {
	fx := newWorkerFixture(t, &extract.StructuredExtractorMock{
		ExtractStructuredFunc: func(ctx context.Context, text, filename string) (json.RawMessage, error) {
			return nil, &extract.LLMError{StatusCode: 503, Err: errors.New("overloaded")}
		},
	})
	ctx := context.Background()

	require.NoError(t, fx.blobs.Put(ctx, "extracted/b-1/doc.txt",
		bytes.NewReader([]byte("tender text")), 11, "text/plain"))
	fx.store.ClaimWorkItemFunc = func(ctx context.Context, docID string) (store.WorkItem, error) {
		return pendingItem(docID), nil
	}
	retried := false
	fx.store.PrepareRetryFunc = func(ctx context.Context, docID string) error {
		retried = true
		return nil
	}
	failed := false
	fx.store.MarkWorkItemFailedFunc = func(ctx context.Context, docID string, kind store.ErrorKind, errText string) error {
		failed = true
		return nil
	}

	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeProcessFile, "b-1::doc.txt"))
	fx.reserveAndDispatch(t)

	assert.True(t, retried)
	assert.False(t, failed)
	m := fx.depths(t)
	assert.Equal(t, int64(1), m.Delayed, "next attempt parked on the delayed set")
	assert.Equal(t, int64(0), m.Processing)
}

func TestWorkerPermanentFailureFinal(t *testing.T) {
	fx := newWorkerFixture(t, &extract.StructuredExtractorMock{
		ExtractStructuredFunc: func(ctx context.Context, text, filename string) (json.RawMessage, error) {
			return nil, &extract.ParseError{Detail: "not a tender"}
		},
	})
	ctx := context.Background()

	require.NoError(t, fx.blobs.Put(ctx, "extracted/b-1/doc.txt",
		bytes.NewReader([]byte("tender text")), 11, "text/plain"))
	fx.store.ClaimWorkItemFunc = func(ctx context.Context, docID string) (store.WorkItem, error) {
		return pendingItem(docID), nil
	}
	var gotKind store.ErrorKind
	fx.store.MarkWorkItemFailedFunc = func(ctx context.Context, docID string, kind store.ErrorKind, errText string) error {
		gotKind = kind
		return nil
	}
	retried := false
	fx.store.PrepareRetryFunc = func(ctx context.Context, docID string) error {
		retried = true
		return nil
	}

	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeProcessFile, "b-1::doc.txt"))
	fx.reserveAndDispatch(t)

	assert.Equal(t, store.ErrKindParse, gotKind)
	assert.False(t, retried, "parse failures never retry")
	assert.Equal(t, queue.Metrics{}, fx.depths(t))
}

func TestWorkerRetriesExhausted(t *testing.T) {
	fx := newWorkerFixture(t, &extract.StructuredExtractorMock{
		ExtractStructuredFunc: func(ctx context.Context, text, filename string) (json.RawMessage, error) {
			return nil, &extract.LLMError{StatusCode: 503, Err: errors.New("overloaded")}
		},
	})
	ctx := context.Background()

	require.NoError(t, fx.blobs.Put(ctx, "extracted/b-1/doc.txt",
		bytes.NewReader([]byte("tender text")), 11, "text/plain"))
	fx.store.ClaimWorkItemFunc = func(ctx context.Context, docID string) (store.WorkItem, error) {
		return pendingItem(docID), nil
	}
	var gotKind store.ErrorKind
	fx.store.MarkWorkItemFailedFunc = func(ctx context.Context, docID string, kind store.ErrorKind, errText string) error {
		gotKind = kind
		return nil
	}

	// Walk the envelope through every attempt: 3 retries, then final
	// failure on the fourth delivery.
	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeProcessFile, "b-1::doc.txt"))
	for delivery := 0; delivery < 4; delivery++ {
		_, err := fx.queue.PromoteDue(ctx, time.Now().Add(10*time.Minute))
		require.NoError(t, err)
		fx.reserveAndDispatch(t)
	}

	assert.Equal(t, store.ErrKindLLM, gotKind)
	assert.Equal(t, queue.Metrics{}, fx.depths(t), "exhausted file job is settled, not dead-lettered")
}

func TestWorkerAggregateDeadlettersWithAlert(t *testing.T) {
	fx := newWorkerFixture(t, nil)
	ctx := context.Background()

	fx.store.SummaryExistsFunc = func(ctx context.Context, runID string) (bool, error) {
		return false, errors.New("db down")
	}
	var alert store.Alert
	fx.store.InsertAlertFunc = func(ctx context.Context, a store.Alert) error {
		alert = a
		return nil
	}

	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeAggregateBatch, "b-1"))
	for delivery := 0; delivery < 4; delivery++ {
		_, err := fx.queue.PromoteDue(ctx, time.Now().Add(10*time.Minute))
		require.NoError(t, err)
		fx.reserveAndDispatch(t)
	}

	assert.Equal(t, store.AlertAggregationDead, alert.Kind)
	assert.Equal(t, store.SeverityCritical, alert.Severity)

	m := fx.depths(t)
	assert.Equal(t, int64(1), m.Dead)

	envs, err := fx.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "b-1", envs[0].EntityID())
	assert.Contains(t, envs[0].Reason, "aggregation failed")
}

func TestWorkerUnknownTypeDeadlettered(t *testing.T) {
	fx := newWorkerFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.queue.Enqueue(ctx, "mystery_job", "x"))
	fx.reserveAndDispatch(t)

	m := fx.depths(t)
	assert.Equal(t, int64(1), m.Dead)
	assert.Equal(t, int64(0), m.Processing)
}

func TestWorkerExpandJobRoutesToExpander(t *testing.T) {
	fx := newWorkerFixture(t, nil)
	ctx := context.Background()

	transitions := 0
	fx.store.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		transitions++
		// Not in queued state: expander skips, worker acks.
		return false, nil
	}

	require.NoError(t, fx.queue.Enqueue(ctx, queue.TypeExpandBatch, "b-1"))
	fx.reserveAndDispatch(t)

	assert.Equal(t, 1, transitions)
	assert.Equal(t, queue.Metrics{}, fx.depths(t))
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	fx := newWorkerFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.worker.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
