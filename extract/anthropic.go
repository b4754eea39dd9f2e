package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

const extractionSystemPrompt = `You extract structured data from tender documents.
Return a single JSON object and nothing else. Use these top-level fields when
the document provides them: title, reference_number, issuing_authority,
submission_deadline, opening_date, estimated_value, currency, category,
description, eligibility_criteria (array), required_documents (array),
contact (object), lots (array of objects). Omit fields the document does not
mention. Do not invent values.`

// ClaudeExtractor implements StructuredExtractor over the Anthropic API.
type ClaudeExtractor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClaudeExtractor creates an extractor for the given model. maxTokens of
// zero means the default of 4096.
func NewClaudeExtractor(client anthropic.Client, model string, maxTokens int64) *ClaudeExtractor {
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &ClaudeExtractor{
		client:    client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

// ExtractStructured sends one chunk of document text to the model and parses
// the JSON object out of the reply.
func (e *ClaudeExtractor) ExtractStructured(ctx context.Context, text, filename string) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Document: %s\n\n%s", filename, text)

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: extractionSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			reply.WriteString(tb.Text)
		}
	}

	doc, err := firstJSONObject(reply.String())
	if err != nil {
		return nil, &ParseError{Detail: "model reply is not a JSON object", Err: err}
	}
	return doc, nil
}

func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &RateLimitError{RetryAfterSec: retryAfterSeconds(apierr), Err: err}
		case apierr.StatusCode >= 400 && apierr.StatusCode < 500:
			return &ParseError{Detail: "request rejected by backend", Err: err}
		default:
			return &LLMError{StatusCode: apierr.StatusCode, Err: err}
		}
	}
	return &LLMError{Err: err}
}

func retryAfterSeconds(apierr *anthropic.Error) int {
	if apierr.Response == nil {
		return 0
	}
	sec, err := strconv.Atoi(apierr.Response.Header.Get("Retry-After"))
	if err != nil {
		return 0
	}
	return sec
}

// firstJSONObject finds and validates the first top-level JSON object in s,
// tolerating prose or fencing around it.
func firstJSONObject(s string) (json.RawMessage, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	end := start + int(dec.InputOffset())
	raw := json.RawMessage(s[start:end])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON object in reply")
	}
	return raw, nil
}
