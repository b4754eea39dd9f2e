// Package api exposes the batch ingestion web service: archive upload,
// processing start, status and summary reads. Handlers follow the standard
// request/response envelope from wscutils and pull their dependencies from
// the service container.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/remiges-tech/tenderflow/config"
	"github.com/remiges-tech/tenderflow/jobs"
	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
	"github.com/remiges-tech/tenderflow/service"
	"github.com/remiges-tech/tenderflow/wscutils"
)

//-----------------------------------------------------------------------------
// Constants
//-----------------------------------------------------------------------------

const (
	// Error codes and message IDs
	ErrMsgIDInternalErr      = 1002
	ErrCodeInternalErr       = "internal"
	ErrMsgIDInvalidUpload    = 1005
	ErrMsgIDNotFound         = 1006
	ErrMsgIDFileTooLarge     = 1007
	ErrMsgIDUnsupportedMedia = 1008
	ErrMsgIDTooManyRequests  = 1009
	ErrMsgIDNotReady         = 1010

	// SummaryRetryAfterSec is returned with 202 responses while a batch is
	// being finalized on demand.
	SummaryRetryAfterSec = 5
)

// Dependency keys under which the service container holds the shared
// components.
const (
	DepQueue     = "queue"
	DepBlobs     = "blobs"
	DepRedis     = "redis"
	DepFinalizer = "finalizer"
	DepConfig    = "config"
)

//-----------------------------------------------------------------------------
// Registration
//-----------------------------------------------------------------------------

// RegisterBatchServiceRoutes attaches the four batch endpoints to the
// service. The service must carry the Store in Database and the queue, blob
// store, redis client, finalizer and app config as dependencies.
func RegisterBatchServiceRoutes(s *service.Service) {
	s.RegisterRoute(http.MethodPost, "/batches", HandleCreateBatchRequest)
	s.RegisterRoute(http.MethodPost, "/batches/:batch_id/process", HandleStartBatchRequest)
	s.RegisterRoute(http.MethodGet, "/batches/:batch_id/status", HandleBatchStatusRequest)
	s.RegisterRoute(http.MethodGet, "/batches/:batch_id/summary", HandleBatchSummaryRequest)
}

//-----------------------------------------------------------------------------
// Handlers
//-----------------------------------------------------------------------------

// HandleCreateBatchRequest accepts a multipart archive upload, stores it
// under uploads/<batch_id> and creates the batch in queued state.
func HandleCreateBatchRequest(c *gin.Context, s *service.Service) {
	st := s.Database.(store.Store)
	blobs := s.Dependencies[DepBlobs].(objstore.ObjectStore)
	cfg := s.Dependencies[DepConfig].(*config.AppConfig)

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{
			wscutils.BuildErrorMessage(ErrMsgIDInvalidUpload, wscutils.ERRCODE_INVALID_REQUEST, "file"),
		}))
		return
	}
	if fh.Size > cfg.MaxFileSizeBytes {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{
			wscutils.BuildErrorMessage(ErrMsgIDFileTooLarge, wscutils.ErrcodeFileTooLarge, "file"),
		}))
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.Logger.Error(err).LogActivity("Failed to open uploaded file", map[string]any{"filename": fh.Filename})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		s.Logger.Error(err).LogActivity("Failed to sniff uploaded file", map[string]any{"filename": fh.Filename})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}
	if !isArchiveMedia(mtype) {
		c.JSON(http.StatusBadRequest, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{
			wscutils.BuildErrorMessage(ErrMsgIDUnsupportedMedia, wscutils.ErrcodeUnsupportedMedia, "file", mtype.String()),
		}))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	batchID := uuid.New().String()
	key := "uploads/" + batchID + archiveSuffix(fh.Filename)

	ctx := c.Request.Context()
	if err := blobs.Put(ctx, key, f, fh.Size, mtype.String()); err != nil {
		s.Logger.Error(err).LogActivity("Failed to store uploaded archive", map[string]any{"key": key})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	uploadedBy := c.PostForm("uploaded_by")
	if err := st.CreateBatch(ctx, batchID, key, uploadedBy); err != nil {
		s.Logger.Error(err).LogActivity("Failed to create batch", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	s.Logger.Info().LogActivity("Batch created", map[string]any{
		"batch_id": batchID,
		"filename": fh.Filename,
		"size":     fh.Size,
	})
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"batch_id": batchID}))
}

// HandleStartBatchRequest enqueues archive expansion for a batch. Idempotent;
// duplicate starts are absorbed by the expander's conditional transition.
func HandleStartBatchRequest(c *gin.Context, s *service.Service) {
	st := s.Database.(store.Store)
	q := s.Dependencies[DepQueue].(*queue.Queue)
	rdb := s.Dependencies[DepRedis].(*redis.Client)
	cfg := s.Dependencies[DepConfig].(*config.AppConfig)

	batchID := c.Param("batch_id")
	ctx := c.Request.Context()

	if _, err := st.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDNotFound, wscutils.ErrcodeNotFound))
			return
		}
		s.Logger.Error(err).LogActivity("Failed to read batch", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	allowed, err := AllowProcessStart(ctx, rdb, batchID, cfg.ProcessRateLimit)
	if err != nil {
		s.Logger.Error(err).LogActivity("Rate limiter failure", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, wscutils.NewErrorResponse(ErrMsgIDTooManyRequests, wscutils.ErrcodeTooManyRequests))
		return
	}

	if err := q.Enqueue(ctx, queue.TypeExpandBatch, batchID); err != nil {
		s.Logger.Error(err).LogActivity("Failed to enqueue expansion", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	s.Logger.Info().LogActivity("Batch processing started", map[string]any{"batch_id": batchID})
	c.JSON(http.StatusAccepted, wscutils.NewSuccessResponse(gin.H{"success": true}))
}

// HandleBatchStatusRequest returns the counting view of a batch. The cached
// terminal state in Redis is consulted first so finished batches do not hit
// the batches table on every poll.
func HandleBatchStatusRequest(c *gin.Context, s *service.Service) {
	st := s.Database.(store.Store)
	rdb := s.Dependencies[DepRedis].(*redis.Client)

	batchID := c.Param("batch_id")
	ctx := c.Request.Context()

	var state string
	if rdb != nil {
		if cached, err := rdb.Get(ctx, queue.BatchStatusKey(batchID)).Result(); err == nil {
			state = cached
		}
	}
	if state == "" {
		b, err := st.GetBatch(ctx, batchID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDNotFound, wscutils.ErrcodeNotFound))
			return
		}
		if err != nil {
			s.Logger.Error(err).LogActivity("Failed to read batch", map[string]any{"batch_id": batchID})
			c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
			return
		}
		state = string(b.State)
	}

	stats, err := st.BatchStats(ctx, batchID)
	if err != nil {
		s.Logger.Error(err).LogActivity("Failed to read batch stats", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	progress := 0
	if stats.Total > 0 {
		progress = 100 * (stats.Success + stats.Failed) / stats.Total
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{
		"batch_id":         batchID,
		"state":            state,
		"total_files":      stats.Total,
		"pending_files":    stats.Pending,
		"processing_files": stats.Processing,
		"success_files":    stats.Success,
		"failed_files":     stats.Failed,
		"progress_percent": progress,
	}))
}

// HandleBatchSummaryRequest returns the aggregated summary when it exists.
// When the batch is quiescent but not yet finalized, finalization is driven
// on demand and the client is told to retry shortly.
func HandleBatchSummaryRequest(c *gin.Context, s *service.Service) {
	st := s.Database.(store.Store)

	batchID := c.Param("batch_id")
	ctx := c.Request.Context()

	sum, err := st.GetSummary(ctx, batchID)
	if err == nil {
		wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(json.RawMessage(sum.UIJSON)))
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.Logger.Error(err).LogActivity("Failed to read summary", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	b, err := st.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDNotFound, wscutils.ErrcodeNotFound))
		return
	}
	if err != nil {
		s.Logger.Error(err).LogActivity("Failed to read batch", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	stats, err := st.BatchStats(ctx, batchID)
	if err != nil {
		s.Logger.Error(err).LogActivity("Failed to read batch stats", map[string]any{"batch_id": batchID})
		c.JSON(http.StatusInternalServerError, wscutils.NewErrorResponse(ErrMsgIDInternalErr, ErrCodeInternalErr))
		return
	}

	// A terminal zero-file batch never gets a summary; the aggregator has
	// nothing to merge.
	if (b.State.Terminal() && stats.Total > 0) || stats.Quiescent() {
		fin := s.Dependencies[DepFinalizer].(*jobs.Finalizer)
		if _, err := fin.Finalize(ctx, batchID); err != nil {
			s.Logger.Error(err).LogActivity("On-demand finalization failed", map[string]any{"batch_id": batchID})
		}
		c.JSON(http.StatusAccepted, wscutils.NewSuccessResponse(gin.H{"retry_after": SummaryRetryAfterSec}))
		return
	}

	c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDNotReady, wscutils.ErrcodeNotReady))
}

//-----------------------------------------------------------------------------
// Helper Functions
//-----------------------------------------------------------------------------

// isArchiveMedia accepts the archive formats the expander can unpack.
func isArchiveMedia(mtype *mimetype.MIME) bool {
	return mtype.Is("application/zip") || mtype.Is("application/gzip") || mtype.Is("application/x-tar")
}

// archiveSuffix keeps the uploaded extension on the stored key so the
// expander can pick the right unpacker.
func archiveSuffix(filename string) string {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".tar.gz") {
		return ".tar.gz"
	}
	switch ext := filepath.Ext(lower); ext {
	case ".zip", ".tgz":
		return ext
	default:
		return ".zip"
	}
}
