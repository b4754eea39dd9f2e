// Package extract holds the contracts to the extraction backends: turning a
// stored file into text, and turning text into the structured tender JSON.
package extract

import (
	"context"
	"encoding/json"
	"io"
	"unicode/utf8"
)

// TextExtractor turns a file's raw bytes into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileType string) (string, error)
}

// StructuredExtractor turns one chunk of document text into the structured
// tender JSON. Implementations return RateLimitError, ParseError or LLMError
// so the caller can classify the failure.
type StructuredExtractor interface {
	ExtractStructured(ctx context.Context, text, filename string) (json.RawMessage, error)
}

// PlainTextExtractor handles text-native file types without any backend.
type PlainTextExtractor struct{}

// plainTypes are the file types read as-is.
var plainTypes = map[string]bool{
	"txt": true, "md": true, "csv": true, "json": true,
	"xml": true, "html": true,
}

// ExtractText reads the file and validates it is text.
func (PlainTextExtractor) ExtractText(ctx context.Context, r io.Reader, fileType string) (string, error) {
	if !plainTypes[fileType] {
		return "", &UnsupportedTypeError{FileType: fileType}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", &ParseError{Detail: "file is not valid UTF-8", Err: nil}
	}
	return string(data), nil
}
