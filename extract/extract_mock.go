package extract

import (
	"context"
	"encoding/json"
	"io"
)

// TextExtractorMock is a mock implementation of the TextExtractor interface.
type TextExtractorMock struct {
	ExtractTextFunc func(ctx context.Context, r io.Reader, fileType string) (string, error)
}

func (m *TextExtractorMock) ExtractText(ctx context.Context, r io.Reader, fileType string) (string, error) {
	return m.ExtractTextFunc(ctx, r, fileType)
}

// StructuredExtractorMock is a mock implementation of the StructuredExtractor
// interface.
type StructuredExtractorMock struct {
	ExtractStructuredFunc func(ctx context.Context, text, filename string) (json.RawMessage, error)
}

func (m *StructuredExtractorMock) ExtractStructured(ctx context.Context, text, filename string) (json.RawMessage, error) {
	return m.ExtractStructuredFunc(ctx, text, filename)
}
