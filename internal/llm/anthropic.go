package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/httpkit"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	maxAttempts = 3

	// maxResponseBytes bounds one JSON API response. Batch result
	// streams bypass this; they are read line by line.
	maxResponseBytes = 32 << 20 // 32 MB
)

// retryBaseDelay is a variable so tests can shorten the backoff.
var retryBaseDelay = 2 * time.Second

// AnthropicClient talks to the Anthropic Messages and Message Batches
// APIs. It satisfies both Client and Batcher.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewAnthropic creates a client from the configured credentials. The
// limiter paces completion calls at the configured requests per minute;
// batch status polling is not counted against it.
func NewAnthropic(cfg config.AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 50
	}

	// Completions can take a long time before the first header arrives.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		logger:  logger.With("provider", "anthropic"),
		http: httpkit.NewClient(
			// No global timeout; ctx deadlines control cancellation.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Wire types.

type messageRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    []systemBlock `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type apiErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiErrorBody struct {
	Error apiErrorDetail `json:"error"`
}

func buildMessageRequest(req Request) messageRequest {
	out := messageRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.System != "" {
		// The instruction block is identical across stories; the cache
		// hint lets the API reuse the processed prefix.
		out.System = []systemBlock{{
			Type:         "text",
			Text:         req.System,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}}
	}
	return out
}

func responseFromWire(wire messageResponse) *Response {
	var text strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Text:       text.String(),
		StopReason: wire.StopReason,
		Usage:      wire.Usage,
	}
}

// Complete sends one completion request, paced by the client limiter
// and retried on transient failures.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var wire messageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", buildMessageRequest(req), &wire); err != nil {
		return nil, err
	}
	resp := responseFromWire(wire)

	c.logger.Debug("completion received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cache_read_tokens", resp.Usage.CacheReadTokens,
	)
	return resp, nil
}

// Ping verifies the API is reachable and the key is valid with a
// one-token request. Single attempt; the caller owns the probe cadence.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := json.Marshal(messageRequest{
		Model:     c.model,
		MaxTokens: 1,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.roundTrip(ctx, http.MethodPost, "/v1/messages", body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("invalid API key")
		}
		return err
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// CreateBatch submits up to MaxBatchRequests requests for asynchronous
// processing.
func (c *AnthropicClient) CreateBatch(ctx context.Context, reqs []BatchRequest) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(reqs) > MaxBatchRequests {
		return nil, fmt.Errorf("batch size %d exceeds limit %d", len(reqs), MaxBatchRequests)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	type wireRequest struct {
		CustomID string         `json:"custom_id"`
		Params   messageRequest `json:"params"`
	}
	payload := struct {
		Requests []wireRequest `json:"requests"`
	}{Requests: make([]wireRequest, 0, len(reqs))}
	for _, r := range reqs {
		payload.Requests = append(payload.Requests, wireRequest{
			CustomID: r.CustomID,
			Params:   buildMessageRequest(r.Request),
		})
	}

	var wire batchWire
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages/batches", payload, &wire); err != nil {
		return nil, err
	}
	b := wire.batch()
	c.logger.Info("batch submitted", "batch_id", b.ID, "requests", len(reqs), "expires_at", b.ExpiresAt)
	return b, nil
}

// GetBatch fetches the processing state of a batch.
func (c *AnthropicClient) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var wire batchWire
	if err := c.doJSON(ctx, http.MethodGet, "/v1/messages/batches/"+id, nil, &wire); err != nil {
		return nil, err
	}
	return wire.batch(), nil
}

// BatchResults streams the per-request outcomes of an ended batch. One
// attempt; the polling worker retries on its own schedule.
func (c *AnthropicClient) BatchResults(ctx context.Context, id string) ([]BatchResult, error) {
	resp, err := c.roundTrip(ctx, http.MethodGet, "/v1/messages/batches/"+id+"/results", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	type resultLine struct {
		CustomID string `json:"custom_id"`
		Result   struct {
			Type    string           `json:"type"`
			Message *messageResponse `json:"message,omitempty"`
			Error   *apiErrorBody    `json:"error,omitempty"`
		} `json:"result"`
	}

	var out []BatchResult
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry resultLine
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decode result line: %w", err)
		}
		r := BatchResult{CustomID: entry.CustomID, Kind: entry.Result.Type}
		if entry.Result.Message != nil {
			r.Response = responseFromWire(*entry.Result.Message)
		}
		if entry.Result.Error != nil {
			r.Err = entry.Result.Error.Error.Message
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return out, nil
}

type batchWire struct {
	ID               string      `json:"id"`
	ProcessingStatus string      `json:"processing_status"`
	RequestCounts    BatchCounts `json:"request_counts"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

func (w batchWire) batch() *Batch {
	return &Batch{
		ID:        w.ID,
		Status:    w.ProcessingStatus,
		Counts:    w.RequestCounts,
		CreatedAt: w.CreatedAt,
		ExpiresAt: w.ExpiresAt,
	}
}

// doJSON runs one JSON request with retries on transient failures.
func (c *AnthropicClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	// Wire forensics cost nothing when trace is off.
	trace := c.logger.Enabled(ctx, config.LevelTrace)
	if trace && body != nil {
		c.logger.Log(ctx, config.LevelTrace, "request payload", "path", path, "body", string(body))
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay<<(attempt-1) + rand.N(500*time.Millisecond)
			c.logger.Warn("retrying request",
				"path", path,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.roundTrip(ctx, method, path, body)
		if err == nil {
			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			httpkit.DrainAndClose(resp.Body, 4096)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if trace {
				c.logger.Log(ctx, config.LevelTrace, "response payload", "path", path, "body", string(raw))
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// roundTrip performs a single HTTP exchange, converting non-2xx answers
// to *APIError. The caller owns the response body on success.
func (c *AnthropicClient) roundTrip(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: raw}
		var parsed apiErrorBody
		if json.Unmarshal([]byte(raw), &parsed) == nil && parsed.Error.Type != "" {
			apiErr.Kind = parsed.Error.Type
			apiErr.Message = parsed.Error.Message
		}
		c.logger.Error("API error", "path", path, "status", resp.StatusCode, "kind", apiErr.Kind)
		return nil, apiErr
	}
	return resp, nil
}
