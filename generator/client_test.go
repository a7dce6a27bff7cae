package generator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/generator"
	_ "github.com/c360studio/devflow/generator/providers" // Register providers
)

func openAIResponse(model, content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func fastRetry() generator.RetryConfig {
	return generator.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        10 * time.Millisecond,
		Budget:            5 * time.Second,
	}
}

func newTestClient(t *testing.T, url string, opts ...generator.ClientOption) *generator.Client {
	t.Helper()
	client, err := generator.NewClient(generator.Config{
		Provider: "openai",
		Endpoint: url,
		Model:    "test-model",
	}, opts...)
	require.NoError(t, err)
	return client
}

func TestClient_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openAIResponse("test-model", "Hello! How can I help you?"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.Generate(context.Background(), generator.Request{
		Messages: []generator.Message{
			{Role: "user", Content: "Hello"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Text)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestClient_Generate_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable"))
			return
		}
		json.NewEncoder(w).Encode(openAIResponse("test-model", "Success after retries"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, generator.WithRetryConfig(fastRetry()))

	resp, err := client.Generate(context.Background(), generator.Request{
		Messages: []generator.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Text)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Generate_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, generator.WithRetryConfig(fastRetry()))

	_, err := client.Generate(context.Background(), generator.Request{
		Messages: []generator.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, generator.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load()) // Only one attempt
}

func TestClient_Generate_RateLimitIsTransient(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limited"))
			return
		}
		json.NewEncoder(w).Encode(openAIResponse("test-model", "Success"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, generator.WithRetryConfig(fastRetry()))

	resp, err := client.Generate(context.Background(), generator.Request{
		Messages: []generator.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success", resp.Text)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Generate_FallbackModel(t *testing.T) {
	var primaryAttempts, fallbackAttempts atomic.Int32

	// One endpoint serving two models: the primary always fails, the
	// fallback answers.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Model == "test-model" {
			primaryAttempts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Primary down"))
			return
		}
		fallbackAttempts.Add(1)
		json.NewEncoder(w).Encode(openAIResponse(req.Model, "From fallback"))
	}))
	defer server.Close()

	client, err := generator.NewClient(generator.Config{
		Provider:       "openai",
		Endpoint:       server.URL,
		Model:          "test-model",
		FallbackModels: []string{"backup-model"},
	}, generator.WithRetryConfig(generator.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        10 * time.Millisecond,
		Budget:            5 * time.Second,
	}))
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), generator.Request{
		Messages: []generator.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "From fallback", resp.Text)
	assert.Equal(t, "backup-model", resp.Model)
	assert.Equal(t, int32(2), primaryAttempts.Load())  // Tried twice (max attempts)
	assert.Equal(t, int32(1), fallbackAttempts.Load()) // Succeeded first try
}

func TestClient_Generate_BudgetBoundsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, generator.WithRetryConfig(generator.RetryConfig{
		MaxAttempts:       10,
		BackoffBase:       50 * time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        50 * time.Millisecond,
		Budget:            80 * time.Millisecond,
	}))

	start := time.Now()
	_, err := client.Generate(context.Background(), generator.Request{
		Messages: []generator.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_Generate_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, generator.Request{
		Messages: []generator.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "context")
}

func TestClient_Generate_RequiresMessages(t *testing.T) {
	client := newTestClient(t, "http://localhost:0")

	_, err := client.Generate(context.Background(), generator.Request{})
	require.Error(t, err)
	assert.True(t, generator.IsFatal(err))
	assert.Contains(t, err.Error(), "at least one message is required")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := generator.NewClient(generator.Config{Provider: "nope", Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")

	_, err = generator.NewClient(generator.Config{Provider: "openai"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}
