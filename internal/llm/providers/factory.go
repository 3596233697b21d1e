// Package providers builds the four fixed provider roles of spec.md §4.F
// from configuration, extending the constructor-switch shape of
// manifold/internal/llm/providers/factory.go to a role set instead of a
// single selected provider.
package providers

import (
	"net/http"

	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/llm/anthropic"
	"github.com/local/remy/internal/llm/ollama"
	"github.com/local/remy/internal/llm/openaicompat"
)

// Set holds the constructed clients for every routing role.
type Set struct {
	Primary *anthropic.Client
	AltA    *openaicompat.Client
	AltB    *openaicompat.Client
	Local   *ollama.Client
}

// Build constructs all four role clients sharing one HTTP client.
func Build(cfg config.Config, httpClient *http.Client) *Set {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Set{
		Primary: anthropic.New(cfg.Anthropic, httpClient),
		AltA:    openaicompat.New(cfg.AltA, httpClient),
		AltB:    openaicompat.New(cfg.AltB, httpClient),
		Local:   ollama.New(cfg.Local, httpClient),
	}
}
