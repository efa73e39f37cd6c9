// Package llm implements the Anthropic Messages client the summary
// pipeline runs on: single completions for realtime summaries and the
// Message Batches API for backfill.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request is one summarization completion.
type Request struct {
	Model     string
	MaxTokens int
	// System is the static instruction block. It is sent with a cache
	// hint so repeated calls share the processed prefix.
	System string
	// Prompt is the per-story user content.
	Prompt string
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Response is a finished completion.
type Response struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Client is the completion surface the realtime summarizer depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Ping checks whether the API is reachable with the configured key.
	Ping(ctx context.Context) error
}

// Batcher is the batch surface the backfill summarizer depends on.
type Batcher interface {
	CreateBatch(ctx context.Context, reqs []BatchRequest) (*Batch, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	BatchResults(ctx context.Context, id string) ([]BatchResult, error)
}

// MaxBatchRequests is the Message Batches per-batch cap.
const MaxBatchRequests = 500

// BatchRequest tags a request with the caller's correlation id.
type BatchRequest struct {
	CustomID string
	Request  Request
}

// Batch processing states.
const (
	BatchInProgress = "in_progress"
	BatchCanceling  = "canceling"
	BatchEnded      = "ended"
)

// BatchCounts breaks a batch down by request outcome.
type BatchCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

// Batch is the server-side state of a submitted batch.
type Batch struct {
	ID        string
	Status    string
	Counts    BatchCounts
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Done reports whether every request in the batch has resolved.
func (b *Batch) Done() bool { return b.Status == BatchEnded }

// Result kinds within a finished batch.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
	ResultCanceled  = "canceled"
	ResultExpired   = "expired"
)

// BatchResult is the outcome of one request in a batch. Response is set
// only when Kind is ResultSucceeded.
type BatchResult struct {
	CustomID string
	Kind     string
	Response *Response
	Err      string
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("anthropic API error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("anthropic API error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether a later attempt could succeed: rate limits,
// overload, and server faults. Everything else is the request's fault.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
