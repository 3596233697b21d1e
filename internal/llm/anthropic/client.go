// Package anthropic implements the primary LLM provider client (spec.md
// §4.F's Primary row): vendor SDK transport, vendor-native streaming deltas,
// tool use. Adapted from manifold/internal/llm/anthropic/client.go, trimmed
// of extended-thinking support (out of spec scope) and restructured around
// remy's channel-based llm.Provider interface instead of a callback
// (llm.StreamHandler) interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/llm"
)

const defaultMaxTokens int64 = 4096

// Client is the primary provider (spec.md §4.F, vendor SDK transport).
type Client struct {
	sdk       anthropicsdk.Client
	model     string
	maxTokens int64
	cacheCfg  config.PromptCacheConfig
	extra     map[string]any
}

// New builds the primary client from configuration, grounded on
// manifold/internal/llm/anthropic/client.go's New.
func New(cfg config.AnthropicConfig, httpClient *http.Client) *Client {
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

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropicsdk.ModelClaudeSonnet4_5)
	}

	cacheCfg := cfg.PromptCache
	if cacheCfg.Enabled && !cacheCfg.CacheSystem && !cacheCfg.CacheTools && !cacheCfg.CacheMessages {
		cacheCfg.CacheSystem = true
		cacheCfg.CacheTools = true
	}

	return &Client{
		sdk:       anthropicsdk.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
		cacheCfg:  cacheCfg,
		extra:     cfg.ExtraParams,
	}
}

func (c *Client) Name() string { return "anthropic" }

// SupportsTools reports true: this is the spec's only tool-capable client.
func (c *Client) SupportsTools() bool { return true }

// Stream drives a single Anthropic streaming request, decoding vendor SSE
// events into llm.StreamEvent and returning the accumulated snapshot once
// the stream completes, per the llm.Provider contract.
func (c *Client) Stream(ctx context.Context, msgs []llm.Message, system string, tools []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	sys, converted, err := adaptMessages(msgs, system, c.cacheCfg)
	if err != nil {
		return llm.StreamResult{}, err
	}
	toolDefs, err := adaptTools(tools, c.cacheCfg)
	if err != nil {
		return llm.StreamResult{}, err
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: c.maxTokens,
	}
	if len(c.extra) > 0 {
		params.SetExtraFields(c.extra)
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var acc anthropicsdk.Message
	var usage anthropicsdk.MessageDeltaUsage
	toolBuffers := map[int]*toolBuffer{}

	for stream.Next() {
		event := stream.Current()
		_ = acc.Accumulate(event) // the SDK's accumulator can choke on empty tool-input JSON; we track tool calls ourselves

		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropicsdk.ToolUseBlock); ok {
				id := strings.TrimSpace(block.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", len(toolBuffers)+1)
				}
				tb := &toolBuffer{name: block.Name, id: id}
				tb.appendInitial(block.Input)
				toolBuffers[int(ev.Index)] = tb
				if events != nil {
					sendEvent(ctx, events, llm.StreamEvent{ToolStarted: &llm.ToolCall{ID: id, Name: block.Name}})
				}
			}
		case anthropicsdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				if delta.Text != "" && events != nil {
					sendEvent(ctx, events, llm.StreamEvent{TextDelta: delta.Text})
				}
			case anthropicsdk.InputJSONDelta:
				if tb := toolBuffers[int(ev.Index)]; tb != nil {
					tb.appendPartial(delta.PartialJSON)
				}
			}
		case anthropicsdk.ContentBlockStopEvent:
			if tb := toolBuffers[int(ev.Index)]; tb != nil && events != nil {
				tc := tb.toToolCall()
				sendEvent(ctx, events, llm.StreamEvent{ToolFinished: &tc})
			}
		case anthropicsdk.MessageDeltaEvent:
			usage = ev.Usage
		}
	}
	if err := stream.Err(); err != nil {
		return llm.StreamResult{}, wrapErr(err)
	}

	msg := messageFromResponse(&acc)
	msg.ToolCalls = reconcileToolCalls(msg.ToolCalls, toolBuffers)

	return llm.StreamResult{
		Message:    msg,
		StopReason: string(acc.StopReason),
		Usage: llm.Usage{
			InputTokens:         int(usage.InputTokens),
			OutputTokens:        int(usage.OutputTokens),
			CacheCreationTokens: int(usage.CacheCreationInputTokens),
			CacheReadTokens:     int(usage.CacheReadInputTokens),
		},
	}, nil
}

// reconcileToolCalls prefers our own toolBuffer tracking whenever any buffer
// received streamed InputJSONDelta events, since the SDK's own accumulator
// does not reliably reassemble partial tool-call JSON.
func reconcileToolCalls(sdkCalls []llm.ToolCall, buffers map[int]*toolBuffer) []llm.ToolCall {
	streamed := false
	for _, tb := range buffers {
		if tb != nil && tb.hasDeltas {
			streamed = true
			break
		}
	}
	if !streamed && len(sdkCalls) > 0 {
		return sdkCalls
	}
	if len(buffers) == 0 {
		return sdkCalls
	}
	indices := make([]int, 0, len(buffers))
	for i := range buffers {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]llm.ToolCall, 0, len(indices))
	for _, idx := range indices {
		if tb := buffers[idx]; tb != nil {
			out = append(out, tb.toToolCall())
		}
	}
	return out
}

func sendEvent(ctx context.Context, events chan<- llm.StreamEvent, ev llm.StreamEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func adaptTools(tools []llm.ToolSchema, cacheCfg config.PromptCacheConfig) ([]anthropicsdk.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	cacheTools := cacheCfg.Enabled && cacheCfg.CacheTools
	cacheControl := anthropicsdk.CacheControlEphemeralParam{TTL: anthropicsdk.CacheControlEphemeralTTLTTL5m}
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := anthropicsdk.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if cacheTools {
			param.CacheControl = cacheControl
		}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropicsdk.String(desc)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptMessages(msgs []llm.Message, system string, cacheCfg config.PromptCacheConfig) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam, error) {
	var sysBlocks []anthropicsdk.TextBlockParam
	cacheSystem := cacheCfg.Enabled && cacheCfg.CacheSystem
	cacheMessages := cacheCfg.Enabled && cacheCfg.CacheMessages
	cacheControl := anthropicsdk.CacheControlEphemeralParam{TTL: anthropicsdk.CacheControlEphemeralTTLTTL5m}

	if strings.TrimSpace(system) != "" {
		if cacheSystem {
			sysBlocks = append(sysBlocks, anthropicsdk.TextBlockParam{Text: system, CacheControl: cacheControl})
		} else {
			sysBlocks = append(sysBlocks, anthropicsdk.TextBlockParam{Text: system})
		}
	}

	newTextBlock := func(text string) anthropicsdk.ContentBlockParamUnion {
		if !cacheMessages {
			return anthropicsdk.NewTextBlock(text)
		}
		return anthropicsdk.ContentBlockParamUnion{OfText: &anthropicsdk.TextBlockParam{Text: text, CacheControl: cacheControl}}
	}

	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	toolResultCount := 0
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				if cacheSystem {
					sysBlocks = append(sysBlocks, anthropicsdk.TextBlockParam{Text: m.Content, CacheControl: cacheControl})
				} else {
					sysBlocks = append(sysBlocks, anthropicsdk.TextBlockParam{Text: m.Content})
				}
			}
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropicsdk.NewUserMessage(newTextBlock(m.Content)))
			}
		case "assistant":
			var blocks []anthropicsdk.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, newTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropicsdk.NewAssistantMessage(blocks...))
			}
		case "tool":
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewToolResultBlock(id, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic provider: %s", m.Role)
		}
	}
	return sysBlocks, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

func messageFromResponse(resp *anthropicsdk.Message) llm.Message {
	if resp == nil {
		return llm.Message{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			sb.WriteString(v.Text)
		case anthropicsdk.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			args := v.Input
			if len(args) == 0 {
				if b, err := json.Marshal(v.Input); err == nil {
					args = b
				}
			}
			calls = append(calls, llm.ToolCall{Name: v.Name, Args: args, ID: id})
		}
	}
	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}
}

// wrapErr lifts SDK status errors into llm.StatusError so the shared retry
// policy can classify 429/5xx as transient and other 4xx as permanent.
func wrapErr(err error) error {
	var apierr *anthropicsdk.Error
	if errors.As(err, &apierr) {
		return &llm.StatusError{Provider: "anthropic", Code: apierr.StatusCode, Err: err}
	}
	return fmt.Errorf("anthropic stream: %w", err)
}

// Ping issues a minimal one-token request to verify API reachability, used
// by the health monitor and /diagnostics.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.sdk.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.model),
		MaxTokens: 1,
		Messages:  []anthropicsdk.MessageParam{anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// toolBuffer reassembles a streamed tool call's JSON input from
// InputJSONDelta events, since those deltas replace (not extend) the
// placeholder "{}" seen at content_block_start.
type toolBuffer struct {
	name      string
	id        string
	buf       strings.Builder
	hasDeltas bool
}

func (tb *toolBuffer) appendInitial(raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	tb.buf.WriteString(string(raw))
}

func (tb *toolBuffer) appendPartial(partial string) {
	if partial == "" {
		return
	}
	if !tb.hasDeltas {
		tb.buf.Reset()
		tb.hasDeltas = true
	}
	tb.buf.WriteString(partial)
}

func (tb *toolBuffer) toToolCall() llm.ToolCall {
	trimmed := strings.TrimSpace(tb.buf.String())
	if trimmed == "" {
		trimmed = "{}"
	} else {
		if !strings.HasPrefix(trimmed, "{") {
			trimmed = "{" + trimmed
		}
		if !strings.HasSuffix(trimmed, "}") {
			trimmed += "}"
		}
	}
	if !json.Valid([]byte(trimmed)) {
		trimmed = "{}"
	}
	return llm.ToolCall{Name: tb.name, Args: json.RawMessage(trimmed), ID: tb.id}
}
