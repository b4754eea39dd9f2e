package store

import (
	"context"
	"time"
)

// StoreMock is a mock implementation of the Store interface. Tests override
// only the Func fields they care about.
type StoreMock struct {
	CreateBatchFunc          func(ctx context.Context, batchID, archiveKey, uploadedBy string) error
	GetBatchFunc             func(ctx context.Context, batchID string) (Batch, error)
	TransitionBatchFunc      func(ctx context.Context, batchID string, from []BatchState, to BatchState, errMsg string) (bool, error)
	SetBatchTotalFilesFunc   func(ctx context.Context, batchID string, n int) error
	CreateWorkItemFunc       func(ctx context.Context, item WorkItem) (bool, error)
	GetWorkItemFunc          func(ctx context.Context, docID string) (WorkItem, error)
	ClaimWorkItemFunc        func(ctx context.Context, docID string) (WorkItem, error)
	MarkWorkItemSuccessFunc  func(ctx context.Context, docID string, extracted []byte) error
	MarkWorkItemFailedFunc   func(ctx context.Context, docID string, kind ErrorKind, errText string) error
	PrepareRetryFunc         func(ctx context.Context, docID string) error
	SuccessfulWorkItemsFunc  func(ctx context.Context, runID string) ([]WorkItem, error)
	BatchStatsFunc           func(ctx context.Context, batchID string) (BatchStats, error)
	UpsertSummaryFunc        func(ctx context.Context, s Summary) error
	GetSummaryFunc           func(ctx context.Context, runID string) (Summary, error)
	SummaryExistsFunc        func(ctx context.Context, runID string) (bool, error)
	FindQuiescentBatchesFunc func(ctx context.Context, idleFor time.Duration) ([]string, error)
	InsertAlertFunc          func(ctx context.Context, a Alert) error
}

func (m *StoreMock) CreateBatch(ctx context.Context, batchID, archiveKey, uploadedBy string) error {
	return m.CreateBatchFunc(ctx, batchID, archiveKey, uploadedBy)
}

func (m *StoreMock) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	return m.GetBatchFunc(ctx, batchID)
}

func (m *StoreMock) TransitionBatch(ctx context.Context, batchID string, from []BatchState, to BatchState, errMsg string) (bool, error) {
	return m.TransitionBatchFunc(ctx, batchID, from, to, errMsg)
}

func (m *StoreMock) SetBatchTotalFiles(ctx context.Context, batchID string, n int) error {
	return m.SetBatchTotalFilesFunc(ctx, batchID, n)
}

func (m *StoreMock) CreateWorkItem(ctx context.Context, item WorkItem) (bool, error) {
	return m.CreateWorkItemFunc(ctx, item)
}

func (m *StoreMock) GetWorkItem(ctx context.Context, docID string) (WorkItem, error) {
	return m.GetWorkItemFunc(ctx, docID)
}

func (m *StoreMock) ClaimWorkItem(ctx context.Context, docID string) (WorkItem, error) {
	return m.ClaimWorkItemFunc(ctx, docID)
}

func (m *StoreMock) MarkWorkItemSuccess(ctx context.Context, docID string, extracted []byte) error {
	return m.MarkWorkItemSuccessFunc(ctx, docID, extracted)
}

func (m *StoreMock) MarkWorkItemFailed(ctx context.Context, docID string, kind ErrorKind, errText string) error {
	return m.MarkWorkItemFailedFunc(ctx, docID, kind, errText)
}

func (m *StoreMock) PrepareRetry(ctx context.Context, docID string) error {
	return m.PrepareRetryFunc(ctx, docID)
}

func (m *StoreMock) SuccessfulWorkItems(ctx context.Context, runID string) ([]WorkItem, error) {
	return m.SuccessfulWorkItemsFunc(ctx, runID)
}

func (m *StoreMock) BatchStats(ctx context.Context, batchID string) (BatchStats, error) {
	return m.BatchStatsFunc(ctx, batchID)
}

func (m *StoreMock) UpsertSummary(ctx context.Context, s Summary) error {
	return m.UpsertSummaryFunc(ctx, s)
}

func (m *StoreMock) GetSummary(ctx context.Context, runID string) (Summary, error) {
	return m.GetSummaryFunc(ctx, runID)
}

func (m *StoreMock) SummaryExists(ctx context.Context, runID string) (bool, error) {
	return m.SummaryExistsFunc(ctx, runID)
}

func (m *StoreMock) FindQuiescentBatches(ctx context.Context, idleFor time.Duration) ([]string, error) {
	return m.FindQuiescentBatchesFunc(ctx, idleFor)
}

func (m *StoreMock) InsertAlert(ctx context.Context, a Alert) error {
	return m.InsertAlertFunc(ctx, a)
}

// GenerateStoreMock returns a StoreMock whose every method succeeds with zero
// values, so tests only override what they assert on.
func GenerateStoreMock() *StoreMock {
	return &StoreMock{
		CreateBatchFunc: func(ctx context.Context, batchID, archiveKey, uploadedBy string) error { return nil },
		GetBatchFunc:    func(ctx context.Context, batchID string) (Batch, error) { return Batch{}, nil },
		TransitionBatchFunc: func(ctx context.Context, batchID string, from []BatchState, to BatchState, errMsg string) (bool, error) {
			return true, nil
		},
		SetBatchTotalFilesFunc: func(ctx context.Context, batchID string, n int) error { return nil },
		CreateWorkItemFunc:     func(ctx context.Context, item WorkItem) (bool, error) { return true, nil },
		GetWorkItemFunc:        func(ctx context.Context, docID string) (WorkItem, error) { return WorkItem{}, nil },
		ClaimWorkItemFunc:      func(ctx context.Context, docID string) (WorkItem, error) { return WorkItem{DocID: docID}, nil },
		MarkWorkItemSuccessFunc: func(ctx context.Context, docID string, extracted []byte) error {
			return nil
		},
		MarkWorkItemFailedFunc: func(ctx context.Context, docID string, kind ErrorKind, errText string) error {
			return nil
		},
		PrepareRetryFunc:        func(ctx context.Context, docID string) error { return nil },
		SuccessfulWorkItemsFunc: func(ctx context.Context, runID string) ([]WorkItem, error) { return nil, nil },
		BatchStatsFunc:          func(ctx context.Context, batchID string) (BatchStats, error) { return BatchStats{}, nil },
		UpsertSummaryFunc:       func(ctx context.Context, s Summary) error { return nil },
		GetSummaryFunc:          func(ctx context.Context, runID string) (Summary, error) { return Summary{}, ErrNotFound },
		SummaryExistsFunc:       func(ctx context.Context, runID string) (bool, error) { return false, nil },
		FindQuiescentBatchesFunc: func(ctx context.Context, idleFor time.Duration) ([]string, error) {
			return nil, nil
		},
		InsertAlertFunc: func(ctx context.Context, a Alert) error { return nil },
	}
}
