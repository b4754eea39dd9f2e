package extract

import "fmt"

// RateLimitError indicates the extraction backend throttled the request.
// Carries the backend's suggested wait when one was given.
type RateLimitError struct {
	RetryAfterSec int
	Err           error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSec > 0 {
		return fmt.Sprintf("extraction rate limited, retry after %ds: %v", e.RetryAfterSec, e.Err)
	}
	return fmt.Sprintf("extraction rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// ParseError indicates the document or the model output could not be parsed.
// Never retried: the same input parses the same way every time.
type ParseError struct {
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed: %s: %v", e.Detail, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LLMError indicates a transient failure of the extraction backend.
type LLMError struct {
	StatusCode int
	Err        error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm backend error (status %d): %v", e.StatusCode, e.Err)
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// UnsupportedTypeError indicates no extractor handles the file type.
type UnsupportedTypeError struct {
	FileType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type %q", e.FileType)
}
