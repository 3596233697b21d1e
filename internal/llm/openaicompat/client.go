// Package openaicompat implements the Alt-A and Alt-B provider clients
// (spec.md §4.F): HTTP/SSE transport speaking the OpenAI chat-completions
// streaming protocol against a configurable base URL. Adapted from
// manifold/internal/llm/openai/client.go's ChatStream, generalized so one
// package serves both the Mistral and Moonshot endpoints; neither role
// supports tool use, so the tools slice is ignored.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/llm"
)

// Client is an OpenAI-API-compatible streaming chat client.
type Client struct {
	sdk   sdk.Client
	name  string
	model string
}

// New builds a client against cfg's BaseURL. DisplayName becomes the
// provider name surfaced in the router's fallback banner and last_model.
func New(cfg config.OpenAICompatConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	name := cfg.DisplayName
	if name == "" {
		name = "openai-compat"
	}
	return &Client{sdk: sdk.NewClient(opts...), name: name, model: cfg.Model}
}

func (c *Client) Name() string { return c.name }

// SupportsTools reports false: only the primary client drives tool use.
func (c *Client) SupportsTools() bool { return false }

// Stream drives one streaming chat-completions request, forwarding text
// deltas and capturing the usage snapshot from the final chunk (which may
// arrive with an empty choices list, before or after [DONE] depending on the
// backend — both shapes land here as a trailing chunk).
func (c *Client) Stream(ctx context.Context, msgs []llm.Message, system string, _ []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.pickModel(model)),
		Messages: adaptMessages(msgs, system),
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	var usage llm.Usage
	finish := ""
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.JSON.Usage.Valid() && chunk.JSON.Usage.Raw() != "null" {
				usage = llm.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			if events != nil {
				select {
				case events <- llm.StreamEvent{TextDelta: delta.Content}:
				case <-ctx.Done():
					return llm.StreamResult{}, ctx.Err()
				}
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return llm.StreamResult{}, c.wrapErr(err)
	}

	return llm.StreamResult{
		Message:    llm.Message{Role: "assistant", Content: sb.String()},
		StopReason: normalizeFinish(finish),
		Usage:      usage,
	}, nil
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// wrapErr lifts SDK status errors into llm.StatusError so the shared retry
// policy can classify them.
func (c *Client) wrapErr(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return &llm.StatusError{Provider: c.name, Code: apierr.StatusCode, Err: err}
	}
	return fmt.Errorf("%s stream: %w", c.name, err)
}

func normalizeFinish(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

func adaptMessages(msgs []llm.Message, system string) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, sdk.AssistantMessage(m.Content))
			}
		case "tool":
			// Tool results are flattened to user text: these backends have no
			// function-calling surface, but history must stay coherent after a
			// fallback mid-conversation.
			out = append(out, sdk.UserMessage(fmt.Sprintf("[tool result] %s", m.Content)))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// Ping probes the backend with a minimal request, used by /diagnostics.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:               sdk.ChatModel(c.model),
		Messages:            []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage("ping")},
		MaxCompletionTokens: sdk.Int(1),
	})
	if err != nil {
		return c.wrapErr(err)
	}
	return nil
}
