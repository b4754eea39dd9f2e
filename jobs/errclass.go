package jobs

import (
	"context"
	"errors"
	"net"

	"github.com/remiges-tech/tenderflow/extract"
	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/store"
)

// ClassifyError maps a processing failure to its error kind. The kind alone
// decides whether another attempt is scheduled, so mapping here is
// conservative: anything unrecognized is unknown and not retried.
func ClassifyError(err error) store.ErrorKind {
	var rle *extract.RateLimitError
	if errors.As(err, &rle) {
		return store.ErrKindRateLimit
	}
	var pe *extract.ParseError
	if errors.As(err, &pe) {
		return store.ErrKindParse
	}
	var le *extract.LLMError
	if errors.As(err, &le) {
		return store.ErrKindLLM
	}
	var ute *extract.UnsupportedTypeError
	if errors.As(err, &ute) {
		return store.ErrKindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.ErrKindTimeout
	}
	if errors.Is(err, objstore.ErrObjectNotFound) {
		return store.ErrKindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return store.ErrKindTimeout
		}
		return store.ErrKindRetryable
	}
	return store.ErrKindUnknown
}
