// Package generator provides a provider-agnostic client for the content
// generator service with retry, model fallback, and rate limiting.
package generator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/c360studio/devflow/telemetry"
)

// maxResponseSize limits the generator response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a generation request.
type Request struct {
	// Messages is the chat history to send.
	Messages []Message

	// Model overrides the client's default model. Fallback models still
	// apply when it fails transiently.
	Model string

	// Temperature controls randomness. nil uses the client default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the client default.
	MaxTokens int
}

// Usage holds token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the generation result.
type Response struct {
	// Text is the generated content.
	Text string

	// Model is the model that actually served the call.
	Model string

	// Usage holds token consumption, when the provider reports it.
	Usage Usage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Generator is the part of the client that stage transforms depend on.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Config selects the provider dialect, endpoint, and models for a Client.
type Config struct {
	// Provider names the registered wire dialect.
	Provider string

	// Endpoint is the API base URL. Empty uses the provider default.
	Endpoint string

	// Model is the default model.
	Model string

	// FallbackModels are tried in order when the primary fails
	// transiently.
	FallbackModels []string

	// Temperature is the default sampling temperature. nil leaves the
	// provider default in place.
	Temperature *float64

	// MaxTokens is the default response cap. 0 leaves the provider
	// default in place.
	MaxTokens int

	// Timeout bounds a single HTTP call.
	Timeout time.Duration

	// MaxRPM is the process-wide request rate limit. 0 disables limiting.
	MaxRPM int
}

// Client calls the generator service with retry and fallback support.
type Client struct {
	provider    Provider
	endpoint    string
	model       string
	fallbacks   []string
	temperature *float64
	maxTokens   int
	httpClient  *http.Client
	retry       RetryConfig
	limiter     *rate.Limiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithTracer sets the tracer used for per-call spans.
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(client *Client) {
		client.tracer = tracer
	}
}

// NewClient creates a generator client for the configured provider.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	provider := GetProvider(cfg.Provider)
	if provider == nil {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", cfg.Provider, ListProviders())
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		provider:    provider,
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		fallbacks:   cfg.FallbackModels,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		retry:       DefaultRetryConfig(),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      slog.Default(),
	}
	if cfg.MaxRPM > 0 {
		// Token bucket refilling at MaxRPM per minute, holding a full
		// minute of burst.
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxRPM)/60.0), cfg.MaxRPM)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Generate sends a generation request, handling rate limiting, retry, and
// model fallback. The whole call is bounded by the retry budget.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	if c.retry.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.Budget)
		defer cancel()
	}

	var lastErr error
	for _, model := range c.modelChain(req.Model) {
		resp, err := c.tryModelWithRetry(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			c.logger.Warn("Fatal generator error, not trying fallbacks",
				"model", model,
				"error", err)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.logger.Warn("Model failed, trying fallback",
			"model", model,
			"error", err)
	}

	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// modelChain returns the models to try in order. override replaces the
// default primary; fallbacks follow either way.
func (c *Client) modelChain(override string) []string {
	primary := c.model
	if override != "" {
		primary = override
	}

	chain := []string{primary}
	for _, fb := range c.fallbacks {
		if fb == "" || fb == primary {
			continue
		}
		chain = append(chain, fb)
	}
	return chain
}

// tryModelWithRetry attempts a request against one model with backoff
// between transient failures.
func (c *Client) tryModelWithRetry(ctx context.Context, model string, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < c.retry.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Generator request failed, retrying",
				"model", model,
				"attempt", attempt,
				"max_attempts", c.retry.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff with +/- 25% jitter to
// avoid synchronized retries across workers.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request against the provider.
func (c *Client) doRequest(ctx context.Context, model string, req Request) (_ *Response, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, span := telemetry.StartGeneratorSpan(ctx, c.tracer, model)
	defer func() { telemetry.EndSpan(span, err) }()

	temperature := req.Temperature
	if temperature == nil {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	body, err := c.provider.BuildRequestBody(model, req.Messages, temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := c.provider.BuildURL(c.endpoint)
	c.logger.Debug("Sending generator request",
		"provider", c.provider.Name(),
		"model", model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("generator request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := c.provider.ParseResponse(respBody, model)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("parse provider response: %w", err))
	}
	return resp, nil
}

// classifyHTTPError determines whether an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("generator API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
