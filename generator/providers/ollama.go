package providers

import (
	"strings"

	"github.com/c360studio/devflow/generator"
)

// OllamaProvider speaks the same OpenAI-compatible format against a local
// Ollama server. Separate from OpenAIProvider only for the default URL.
type OllamaProvider struct {
	OpenAIProvider // Embed for shared request/response format
}

func init() {
	generator.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}

	return baseURL + "/chat/completions"
}
