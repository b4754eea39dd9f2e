package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/tenderflow/extract"
	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
	"github.com/remiges-tech/tenderflow/metrics"
)

// WorkerConfig tunes the consume and reap loops. Zero values are defaulted in
// NewWorker.
type WorkerConfig struct {
	Concurrency    int
	MaxRetries     int
	ReserveBlock   time.Duration
	ReapInterval   time.Duration
	IdleWindow     time.Duration
	JobTimeout     time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ChunkSize      int
	ChunkOverlap   int
	ChunkParallel  int
	RateLimitAlert int
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ReserveBlock <= 0 {
		c.ReserveBlock = 5 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultBackoffBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultBackoffMax
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 12000
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 500
	}
	if c.ChunkParallel <= 0 {
		c.ChunkParallel = 3
	}
	if c.RateLimitAlert <= 0 {
		c.RateLimitAlert = 10
	}
}

// Worker consumes the job queue with bounded concurrency and drives the reap
// tick. It is safe to run multiple Worker processes against the same queue:
// all cross-process coordination happens through conditional store updates
// and queue reservation tokens.
type Worker struct {
	cfg        WorkerConfig
	store      store.Store
	queue      *queue.Queue
	blobs      objstore.ObjectStore
	textExt    extract.TextExtractor
	structExt  extract.StructuredExtractor
	expander   *Expander
	finalizer  *Finalizer
	aggregator *Aggregator
	logger     *logharbour.Logger
	metrics    metrics.Metrics
	backoff    Backoff

	rlMu          sync.Mutex
	rlWindowStart time.Time
	rlCount       int
}

// NewWorker wires a worker from its collaborators.
func NewWorker(cfg WorkerConfig, st store.Store, q *queue.Queue, blobs objstore.ObjectStore,
	textExt extract.TextExtractor, structExt extract.StructuredExtractor,
	exp *Expander, fin *Finalizer, agg *Aggregator,
	logger *logharbour.Logger, m metrics.Metrics) *Worker {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.Noop{}
	}
	return &Worker{
		cfg:        cfg,
		store:      st,
		queue:      q,
		blobs:      blobs,
		textExt:    textExt,
		structExt:  structExt,
		expander:   exp,
		finalizer:  fin,
		aggregator: agg,
		logger:     logger,
		metrics:    m,
		backoff:    Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
	}
}

// Run starts the consume routines and the reap tick and blocks until ctx is
// cancelled and every routine has drained its current job.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().LogActivity("Worker starting", map[string]any{
		"concurrency":   w.cfg.Concurrency,
		"reap_interval": w.cfg.ReapInterval.String(),
	})

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()

	wg.Wait()
	w.logger.Info().LogActivity("Worker stopped", nil)
	return ctx.Err()
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		env, tok, err := w.queue.Reserve(ctx, w.cfg.ReserveBlock)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error(err).LogActivity("Queue reserve failed", nil)
			time.Sleep(time.Second)
			continue
		}
		w.dispatch(ctx, env, tok)
	}
}

func (w *Worker) dispatch(ctx context.Context, env queue.Envelope, tok queue.Token) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	switch env.Type {
	case queue.TypeExpandBatch:
		w.handleExpand(jobCtx, env, tok)
	case queue.TypeProcessFile:
		w.handleProcessFile(jobCtx, env, tok)
	case queue.TypeAggregateBatch:
		w.handleAggregate(jobCtx, env, tok)
	default:
		w.logger.Warn().LogActivity("Unknown job type dead-lettered", map[string]any{
			"type": env.Type,
			"id":   env.ID,
		})
		w.settleDead(ctx, env, tok, fmt.Sprintf("unknown job type %q", env.Type))
	}
}

func (w *Worker) handleExpand(ctx context.Context, env queue.Envelope, tok queue.Token) {
	batchID := env.EntityID()
	err := w.expander.Expand(ctx, batchID)
	if err == nil {
		w.ack(ctx, env, tok, "success")
		return
	}
	if errors.Is(err, ErrAlreadyExpanded) {
		// Duplicate start request; nothing left to do for this envelope.
		w.ack(ctx, env, tok, "duplicate")
		return
	}
	w.logger.Error(err).LogActivity("Batch expansion failed", map[string]any{
		"batch_id": batchID,
		"attempt":  env.Attempt,
	})
	w.retryOrDead(ctx, env, tok, store.ErrKindRetryable, err)
}

func (w *Worker) handleProcessFile(ctx context.Context, env queue.Envelope, tok queue.Token) {
	docID := env.EntityID()
	item, err := w.store.ClaimWorkItem(ctx, docID)
	if err != nil {
		var nce *store.NotClaimableError
		switch {
		case errors.As(err, &nce):
			// Duplicate delivery: another consumer already owns or
			// finished this item. Drop the envelope.
			w.logger.Info().LogActivity("Work item not claimable, dropping delivery", map[string]any{
				"doc_id": docID,
				"state":  string(nce.State),
			})
			w.ack(ctx, env, tok, "duplicate")
		case errors.Is(err, store.ErrNotFound):
			w.settleDead(ctx, env, tok, "work item does not exist")
		default:
			w.logger.Error(err).LogActivity("Claim failed", map[string]any{"doc_id": docID})
			w.retryOrDead(ctx, env, tok, store.ErrKindRetryable, err)
		}
		return
	}

	// First claim of the batch moves it queued -> processing. Losing this
	// race just means another file got there first.
	if _, err := w.store.TransitionBatch(ctx, item.RunID,
		[]store.BatchState{store.BatchQueued}, store.BatchProcessing, ""); err != nil {
		w.logger.Error(err).LogActivity("Batch transition to processing failed", map[string]any{
			"batch_id": item.RunID,
		})
	}

	start := time.Now()
	extracted, perr := w.processFile(ctx, item)
	w.metrics.Record(metrics.JobDurationSeconds, time.Since(start).Seconds())

	if perr == nil {
		if err := w.store.MarkWorkItemSuccess(ctx, item.DocID, extracted); err != nil {
			w.logger.Error(err).LogActivity("Mark success failed", map[string]any{"doc_id": item.DocID})
			w.retryOrDead(ctx, env, tok, store.ErrKindRetryable, err)
			return
		}
		w.ack(ctx, env, tok, "success")
		w.finalize(ctx, item.RunID)
		return
	}

	kind := ClassifyError(perr)
	w.metrics.RecordWithLabels(metrics.JobFailuresTotal, 1, string(kind))
	if kind == store.ErrKindRateLimit {
		w.noteRateLimit(ctx)
	}
	w.logger.Warn().LogActivity("File processing failed", map[string]any{
		"doc_id":  item.DocID,
		"kind":    string(kind),
		"attempt": env.Attempt,
		"error":   perr.Error(),
	})

	if kind.Retryable() && env.Attempt < w.cfg.MaxRetries {
		if err := w.store.PrepareRetry(ctx, item.DocID); err != nil {
			w.logger.Error(err).LogActivity("Prepare retry failed", map[string]any{"doc_id": item.DocID})
		}
		if err := w.queue.RetryLater(ctx, tok, w.backoff.Delay(kind, env.Attempt)); err != nil {
			w.logger.Error(err).LogActivity("Retry scheduling failed", map[string]any{"doc_id": item.DocID})
		}
		w.metrics.RecordWithLabels(metrics.JobsProcessedTotal, 1, env.Type, "retry")
		return
	}

	if err := w.store.MarkWorkItemFailed(ctx, item.DocID, kind, perr.Error()); err != nil {
		w.logger.Error(err).LogActivity("Mark failed failed", map[string]any{"doc_id": item.DocID})
	}
	w.ack(ctx, env, tok, "failed")
	w.finalize(ctx, item.RunID)
}

func (w *Worker) handleAggregate(ctx context.Context, env queue.Envelope, tok queue.Token) {
	batchID := env.EntityID()
	err := w.aggregator.Aggregate(ctx, batchID)
	if err == nil {
		w.ack(ctx, env, tok, "success")
		return
	}
	w.logger.Error(err).LogActivity("Aggregation failed", map[string]any{
		"batch_id": batchID,
		"attempt":  env.Attempt,
	})
	if env.Attempt < w.cfg.MaxRetries {
		if rerr := w.queue.RetryLater(ctx, tok, w.backoff.Delay(store.ErrKindRetryable, env.Attempt)); rerr != nil {
			w.logger.Error(rerr).LogActivity("Retry scheduling failed", map[string]any{"batch_id": batchID})
		}
		return
	}

	// A dead aggregation leaves the batch terminal but summary-less. Page
	// someone.
	alertCtx, _ := json.Marshal(map[string]any{"batch_id": batchID})
	if aerr := w.store.InsertAlert(ctx, store.Alert{
		Kind:     store.AlertAggregationDead,
		Severity: store.SeverityCritical,
		Message:  fmt.Sprintf("aggregation for batch %s dead-lettered after %d attempts", batchID, env.Attempt+1),
		Context:  alertCtx,
	}); aerr != nil {
		w.logger.Error(aerr).LogActivity("Failed to insert alert", map[string]any{"batch_id": batchID})
	}
	w.settleDead(ctx, env, tok, fmt.Sprintf("aggregation failed: %v", err))
}

// processFile downloads the file, extracts its text and folds the per-chunk
// structured extractions into one document.
func (w *Worker) processFile(ctx context.Context, item store.WorkItem) ([]byte, error) {
	rc, err := w.blobs.Get(ctx, item.FileKey)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	text, err := w.textExt.ExtractText(ctx, rc, item.FileType)
	rc.Close()
	if err != nil {
		return nil, err
	}

	chunks := extract.SplitChunks(text, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, &extract.ParseError{Detail: "file has no text content"}
	}

	results := make([]map[string]any, len(chunks))
	sem := make(chan struct{}, w.cfg.ChunkParallel)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-chunkCtx.Done():
				return
			}
			raw, err := w.structExt.ExtractStructured(chunkCtx, chunk, item.Filename)
			if err == nil {
				var fields map[string]any
				if uerr := json.Unmarshal(raw, &fields); uerr != nil {
					err = &extract.ParseError{Detail: "chunk extraction is not an object", Err: uerr}
				} else {
					results[i] = fields
					return
				}
			}
			mu.Lock()
			if firstErr == nil {
				firstErr = err
				cancel()
			}
			mu.Unlock()
		}(i, chunk)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	docs := make([]SourcedDoc, 0, len(results))
	for _, fields := range results {
		docs = append(docs, SourcedDoc{Fields: fields})
	}
	return json.Marshal(MergeDocuments(docs))
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapOnce(ctx)
		}
	}
}

// reapOnce is the periodic driver: promote due retries, finalize quiescent
// batches that no event reached, refresh queue depth gauges.
func (w *Worker) reapOnce(ctx context.Context) {
	promoted, err := w.queue.PromoteDue(ctx, time.Now())
	if err != nil {
		w.logger.Error(err).LogActivity("Promote due failed", nil)
	} else if promoted > 0 {
		w.logger.Info().LogActivity("Promoted delayed jobs", map[string]any{"count": promoted})
	}

	ids, err := w.store.FindQuiescentBatches(ctx, w.cfg.IdleWindow)
	if err != nil {
		w.logger.Error(err).LogActivity("Quiescent batch scan failed", nil)
	} else {
		for _, id := range ids {
			w.finalize(ctx, id)
		}
	}

	depths, err := w.queue.Depths(ctx)
	if err != nil {
		w.logger.Error(err).LogActivity("Queue depth poll failed", nil)
		return
	}
	w.metrics.Record(metrics.QueueReadyDepth, float64(depths.Ready))
	w.metrics.Record(metrics.QueueProcessingDepth, float64(depths.Processing))
	w.metrics.Record(metrics.QueueDelayedDepth, float64(depths.Delayed))
	w.metrics.Record(metrics.QueueDeadDepth, float64(depths.Dead))
}

func (w *Worker) finalize(ctx context.Context, batchID string) {
	done, err := w.finalizer.Finalize(ctx, batchID)
	if err != nil {
		w.logger.Error(err).LogActivity("Finalize failed", map[string]any{"batch_id": batchID})
		return
	}
	if done {
		w.metrics.Record(metrics.BatchesFinalized, 1)
	}
}

func (w *Worker) ack(ctx context.Context, env queue.Envelope, tok queue.Token, outcome string) {
	if err := w.queue.Ack(ctx, tok); err != nil {
		w.logger.Error(err).LogActivity("Ack failed", map[string]any{"id": env.ID})
		return
	}
	w.metrics.RecordWithLabels(metrics.JobsProcessedTotal, 1, env.Type, outcome)
}

func (w *Worker) settleDead(ctx context.Context, env queue.Envelope, tok queue.Token, reason string) {
	if err := w.queue.Deadletter(ctx, tok, reason); err != nil {
		w.logger.Error(err).LogActivity("Deadletter failed", map[string]any{"id": env.ID})
		return
	}
	w.metrics.RecordWithLabels(metrics.JobsProcessedTotal, 1, env.Type, "dead")
}

func (w *Worker) retryOrDead(ctx context.Context, env queue.Envelope, tok queue.Token, kind store.ErrorKind, cause error) {
	if env.Attempt < w.cfg.MaxRetries {
		if err := w.queue.RetryLater(ctx, tok, w.backoff.Delay(kind, env.Attempt)); err != nil {
			w.logger.Error(err).LogActivity("Retry scheduling failed", map[string]any{"id": env.ID})
		}
		return
	}
	w.settleDead(ctx, env, tok, cause.Error())
}

// noteRateLimit counts rate-limited failures in a one-minute window and
// writes a RATE_LIMIT_SPIKE alert when the count crosses the threshold.
func (w *Worker) noteRateLimit(ctx context.Context) {
	w.rlMu.Lock()
	now := time.Now()
	if now.Sub(w.rlWindowStart) > time.Minute {
		w.rlWindowStart = now
		w.rlCount = 0
	}
	w.rlCount++
	trip := w.rlCount == w.cfg.RateLimitAlert
	w.rlMu.Unlock()

	if !trip {
		return
	}
	if err := w.store.InsertAlert(ctx, store.Alert{
		Kind:     store.AlertRateLimitSpike,
		Severity: store.SeverityWarning,
		Message:  fmt.Sprintf("%d rate-limited extractions within one minute", w.cfg.RateLimitAlert),
	}); err != nil {
		w.logger.Error(err).LogActivity("Failed to insert alert", nil)
	}
}
