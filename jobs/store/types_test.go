package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchStateTerminal(t *testing.T) {
	tests := []struct {
		state    BatchState
		terminal bool
	}{
		{BatchQueued, false},
		{BatchExtracting, false},
		{BatchProcessing, false},
		{BatchCompleted, true},
		{BatchCompletedWithErrors, true},
		{BatchFailed, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.Terminal(), "state %s", tt.state)
	}
}

func TestErrorKindRetryable(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{ErrKindRetryable, true},
		{ErrKindTimeout, true},
		{ErrKindRateLimit, true},
		{ErrKindLLM, true},
		{ErrKindPermanent, false},
		{ErrKindParse, false},
		{ErrKindUnknown, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.retryable, tt.kind.Retryable(), "kind %s", tt.kind)
	}
}

func TestBatchStatsQuiescent(t *testing.T) {
	tests := []struct {
		name      string
		stats     BatchStats
		quiescent bool
	}{
		{"all done", BatchStats{Total: 3, Success: 2, Failed: 1}, true},
		{"pending left", BatchStats{Total: 3, Pending: 1, Success: 2}, false},
		{"in flight", BatchStats{Total: 3, Processing: 1, Success: 2}, false},
		{"not all terminal", BatchStats{Total: 3, Success: 2}, false},
		{"empty batch", BatchStats{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quiescent, tt.stats.Quiescent())
		})
	}
}

func TestWorkItemDurationMS(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	w := WorkItem{StartedAt: &start, CompletedAt: &end}
	assert.Equal(t, int64(1500), w.DurationMS())

	assert.Equal(t, int64(0), WorkItem{StartedAt: &start}.DurationMS())
	assert.Equal(t, int64(0), WorkItem{}.DurationMS())
}
