package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/generator"
)

func TestOpenAIProvider_Name(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAIProvider_BuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.openai.com/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "http://mock-generator:8091/v1",
			want:    "http://mock-generator:8091/v1/chat/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "https://api.openai.com/v1/",
			want:    "https://api.openai.com/v1/chat/completions",
		},
		{
			name:    "already complete",
			baseURL: "http://localhost:9999/v1/chat/completions",
			want:    "http://localhost:9999/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOpenAIProvider_SetHeaders(t *testing.T) {
	p := &OpenAIProvider{}

	t.Run("sets authorization header", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "test-api-key")

		req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
		p.SetHeaders(req)

		assert.Equal(t, "Bearer test-api-key", req.Header.Get("Authorization"))
	})

	t.Run("no header without key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")

		req, _ := http.NewRequest("POST", "https://api.openai.com/v1/chat/completions", nil)
		p.SetHeaders(req)

		assert.Empty(t, req.Header.Get("Authorization"))
	})
}

func TestOpenAIProvider_BuildRequestBody(t *testing.T) {
	p := &OpenAIProvider{}

	temp := 0.2
	body, err := p.BuildRequestBody("gpt-test", []generator.Message{
		{Role: "system", Content: "You plan software."},
		{Role: "user", Content: "Plan this."},
	}, &temp, 2048)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "gpt-test", req["model"])
	assert.Equal(t, 0.2, req["temperature"])
	assert.Equal(t, float64(2048), req["max_tokens"])
	assert.Len(t, req["messages"], 2)
}

func TestOpenAIProvider_BuildRequestBodyOmitsDefaults(t *testing.T) {
	p := &OpenAIProvider{}

	body, err := p.BuildRequestBody("gpt-test", []generator.Message{
		{Role: "user", Content: "hi"},
	}, nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	_, hasTemp := req["temperature"]
	_, hasMax := req["max_tokens"]
	assert.False(t, hasTemp)
	assert.False(t, hasMax)
}

func TestOpenAIProvider_ParseResponse(t *testing.T) {
	p := &OpenAIProvider{}

	body := []byte(`{
		"model": "gpt-test",
		"choices": [{"message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
	}`)

	resp, err := p.ParseResponse(body, "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, "gpt-test", resp.Model)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestOpenAIProvider_ParseResponseErrors(t *testing.T) {
	p := &OpenAIProvider{}

	_, err := p.ParseResponse([]byte(`{"choices": []}`), "gpt-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")

	_, err = p.ParseResponse([]byte(`not json`), "gpt-test")
	require.Error(t, err)
}

func TestOllamaProvider_DefaultURL(t *testing.T) {
	p := &OllamaProvider{}
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.BuildURL(""))
}
