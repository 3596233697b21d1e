// Package ollama implements the local fallback provider client (spec.md
// §4.F): an HTTP chunked-JSON stream from a local Ollama server, one JSON
// object per line. No tool use, no usage accounting (the spec marks the local
// fallback's usage as unavailable/zero). The streaming loop follows the
// teacher's SSE readers, adapted from data:-frame to raw-JSON-line framing:
// a json.Decoder reads one object at a time from the response body.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/llm"
)

// Client streams chat completions from a local Ollama server.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New builds the local fallback client.
func New(cfg config.OllamaConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	return &Client{baseURL: base, model: cfg.Model, httpClient: httpClient}
}

func (c *Client) Name() string { return "ollama" }

// SupportsTools reports false: the local fallback never drives tools.
func (c *Client) SupportsTools() bool { return false }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Stream posts to /api/chat with stream:true and decodes newline-delimited
// JSON chunks until the server marks the stream done.
func (c *Client) Stream(ctx context.Context, msgs []llm.Message, system string, _ []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	if model == "" {
		model = c.model
	}
	reqBody := chatRequest{Model: model, Stream: true, Messages: adaptMessages(msgs, system)}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return llm.StreamResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return llm.StreamResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.StreamResult{}, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return llm.StreamResult{}, &llm.StatusError{Provider: "ollama", Code: resp.StatusCode, Err: fmt.Errorf("ollama chat: %s", resp.Status)}
	}

	var sb strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatChunk
		if err := dec.Decode(&chunk); err != nil {
			if ctx.Err() != nil {
				return llm.StreamResult{}, ctx.Err()
			}
			break
		}
		if chunk.Message.Content != "" {
			sb.WriteString(chunk.Message.Content)
			if events != nil {
				select {
				case events <- llm.StreamEvent{TextDelta: chunk.Message.Content}:
				case <-ctx.Done():
					return llm.StreamResult{}, ctx.Err()
				}
			}
		}
		if chunk.Done {
			break
		}
	}

	return llm.StreamResult{
		Message:    llm.Message{Role: "assistant", Content: sb.String()},
		StopReason: "end_turn",
	}, nil
}

func adaptMessages(msgs []llm.Message, system string) []chatMessage {
	out := make([]chatMessage, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "tool":
			out = append(out, chatMessage{Role: "user", Content: "[tool result] " + m.Content})
		case "system", "assistant", "user":
			out = append(out, chatMessage{Role: role, Content: m.Content})
		default:
			out = append(out, chatMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}

// IsAvailable probes /api/tags with a short deadline, used by the router's
// fallback chain and /diagnostics.
func (c *Client) IsAvailable(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
