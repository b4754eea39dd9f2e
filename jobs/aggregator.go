package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/jobs/store"
)

// Aggregator folds every successfully extracted document of a batch into the
// single summary row the UI reads. Aggregation runs after the batch is
// terminal, is idempotent (the summary upsert is keyed by run_id) and guarded
// by a summary-existence check so replayed jobs are cheap no-ops.
type Aggregator struct {
	store  store.Store
	logger *logharbour.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(st store.Store, logger *logharbour.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger}
}

// documentRef is the provenance entry kept per merged document.
type documentRef struct {
	DocID      string `json:"doc_id"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	DurationMS int64  `json:"duration_ms"`
}

// uiSummary is the shape persisted as the summary's ui_json.
type uiSummary struct {
	BatchID      string         `json:"batch_id"`
	State        string         `json:"state"`
	TotalFiles   int            `json:"total_files"`
	SuccessFiles int            `json:"success_files"`
	FailedFiles  int            `json:"failed_files"`
	Tender       map[string]any `json:"tender"`
	Documents    []documentRef  `json:"documents"`
}

// Aggregate builds and stores the summary for the batch. A batch that is not
// yet terminal returns an error so the delivery is retried later.
func (a *Aggregator) Aggregate(ctx context.Context, batchID string) error {
	exists, err := a.store.SummaryExists(ctx, batchID)
	if err != nil {
		return fmt.Errorf("summary existence check: %w", err)
	}
	if exists {
		a.logger.Debug0().LogActivity("Summary already exists, skipping aggregation", map[string]any{
			"batch_id": batchID,
		})
		return nil
	}

	batch, err := a.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	if !batch.State.Terminal() {
		return fmt.Errorf("batch %s not terminal yet (state %s)", batchID, batch.State)
	}

	items, err := a.store.SuccessfulWorkItems(ctx, batch.RunID)
	if err != nil {
		return fmt.Errorf("load successful items: %w", err)
	}

	docs := make([]SourcedDoc, 0, len(items))
	refs := make([]documentRef, 0, len(items))
	for _, item := range items {
		var fields map[string]any
		if err := json.Unmarshal(item.Extracted, &fields); err != nil {
			a.logger.Warn().LogActivity("Dropping unparseable extraction from merge", map[string]any{
				"doc_id": item.DocID,
			})
			continue
		}
		docs = append(docs, SourcedDoc{Source: item.Filename, Fields: fields})
		refs = append(refs, documentRef{
			DocID:      item.DocID,
			Filename:   item.Filename,
			FileType:   item.FileType,
			DurationMS: item.DurationMS(),
		})
	}

	stats, err := a.store.BatchStats(ctx, batchID)
	if err != nil {
		return fmt.Errorf("batch stats: %w", err)
	}

	ui := uiSummary{
		BatchID:      batchID,
		State:        string(batch.State),
		TotalFiles:   stats.Total,
		SuccessFiles: stats.Success,
		FailedFiles:  stats.Failed,
		Tender:       MergeDocuments(docs),
		Documents:    refs,
	}
	uiJSON, err := json.Marshal(ui)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	if err := a.store.UpsertSummary(ctx, store.Summary{
		RunID:        batch.RunID,
		UIJSON:       uiJSON,
		TotalFiles:   stats.Total,
		SuccessFiles: stats.Success,
		FailedFiles:  stats.Failed,
		State:        batch.State,
	}); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	a.logger.Info().LogActivity("Batch summary written", map[string]any{
		"batch_id":      batchID,
		"merged_docs":   len(docs),
		"success_files": stats.Success,
		"failed_files":  stats.Failed,
	})
	return nil
}
