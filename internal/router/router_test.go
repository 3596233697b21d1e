package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/apperr"
	"github.com/local/remy/internal/classifier"
	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/llm"
)

type fakeProvider struct {
	name      string
	chunks    []string
	err       error
	callCount int
	lastModel string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, msgs []llm.Message, system string, tools []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	f.callCount++
	f.lastModel = model
	if f.err != nil {
		return llm.StreamResult{}, f.err
	}
	var sb strings.Builder
	for _, c := range f.chunks {
		sb.WriteString(c)
		events <- llm.StreamEvent{TextDelta: c}
	}
	return llm.StreamResult{
		Message:    llm.Message{Role: "assistant", Content: sb.String()},
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

type fakeLocal struct {
	fakeProvider
	available bool
}

func (f *fakeLocal) IsAvailable(ctx context.Context) bool { return f.available }

func testConfig() config.Config {
	return config.Config{
		Anthropic: config.AnthropicConfig{Model: "claude-complex", ModelSimple: "claude-simple"},
		AltA:      config.OpenAICompatConfig{DisplayName: "mistral", Model: "mistral-medium", ModelLarge: "mistral-large"},
		AltB:      config.OpenAICompatConfig{DisplayName: "moonshot", Model: "kimi", LongContext: "kimi-long"},
		Retry:     config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}
}

func collect(t *testing.T, r *Router, text string, msgs []llm.Message) (string, error) {
	t.Helper()
	chunks := make(chan string, 64)
	err := r.Stream(context.Background(), text, msgs, 1, "", chunks)
	close(chunks)
	var sb strings.Builder
	for c := range chunks {
		sb.WriteString(c)
	}
	return sb.String(), err
}

func TestRoutineShortGoesToAltA(t *testing.T) {
	altA := &fakeProvider{name: "mistral", chunks: []string{"hi ", "there"}}
	primary := &fakeProvider{name: "anthropic"}
	r := New(primary, altA, &fakeProvider{}, &fakeLocal{available: true}, classifier.New(nil, zerolog.Nop()), testConfig(), zerolog.Nop())

	out, err := collect(t, r, "hello", []llm.Message{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	require.Equal(t, "hi there", out)
	require.Equal(t, 1, altA.callCount)
	require.Zero(t, primary.callCount)
	require.Equal(t, "mistral:mistral-medium", r.LastModel())
}

func TestCodingGoesToPrimaryComplex(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", chunks: []string{"done"}}
	r := New(primary, &fakeProvider{}, &fakeProvider{}, &fakeLocal{available: true}, classifier.New(nil, zerolog.Nop()), testConfig(), zerolog.Nop())

	_, err := collect(t, r, "please debug this stack trace", []llm.Message{{Role: "user", Content: "please debug this stack trace"}})
	require.NoError(t, err)
	require.Equal(t, 1, primary.callCount)
	require.Equal(t, "claude-complex", primary.lastModel)
}

func TestFallbackBannerAndLocalStream(t *testing.T) {
	boom := &llm.StatusError{Provider: "anthropic", Code: 529, Err: errors.New("overloaded")}
	primary := &fakeProvider{name: "anthropic", err: boom}
	local := &fakeLocal{available: true}
	local.chunks = []string{"local answer"}
	r := New(primary, &fakeProvider{}, &fakeProvider{}, local, classifier.New(nil, zerolog.Nop()), testConfig(), zerolog.Nop())

	out, err := collect(t, r, "please debug this stack trace", []llm.Message{{Role: "user", Content: "please debug this stack trace"}})
	require.NoError(t, err)
	require.Contains(t, out, "⚠️ anthropic unavailable — responding via local model")
	require.Contains(t, out, "local answer")
	require.Equal(t, "ollama:local", r.LastModel())
}

func TestServiceUnavailableWhenLocalDown(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", err: errors.New("connection refused")}
	local := &fakeLocal{available: false}
	r := New(primary, &fakeProvider{}, &fakeProvider{}, local, classifier.New(nil, zerolog.Nop()), testConfig(), zerolog.Nop())

	_, err := collect(t, r, "please debug this stack trace", []llm.Message{{Role: "user", Content: "please debug this stack trace"}})
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
}

func TestRetryOnTransientThenSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3

	attempts := 0
	primary := &retryProvider{failures: 2, then: []string{"recovered"}, attempts: &attempts}
	r := New(primary, &fakeProvider{}, &fakeProvider{}, &fakeLocal{available: true}, classifier.New(nil, zerolog.Nop()), cfg, zerolog.Nop())

	out, err := collect(t, r, "please debug this stack trace", []llm.Message{{Role: "user", Content: "please debug this stack trace"}})
	require.NoError(t, err)
	require.Equal(t, "recovered", out)
	require.Equal(t, 3, attempts)
}

type retryProvider struct {
	failures int
	then     []string
	attempts *int
}

func (p *retryProvider) Name() string { return "flaky" }

func (p *retryProvider) Stream(ctx context.Context, msgs []llm.Message, system string, tools []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	*p.attempts++
	if *p.attempts <= p.failures {
		return llm.StreamResult{}, &llm.StatusError{Provider: "flaky", Code: 503, Err: errors.New("unavailable")}
	}
	var sb strings.Builder
	for _, c := range p.then {
		sb.WriteString(c)
		events <- llm.StreamEvent{TextDelta: c}
	}
	return llm.StreamResult{Message: llm.Message{Role: "assistant", Content: sb.String()}, StopReason: "end_turn"}, nil
}

func TestUsageReflectsLastStream(t *testing.T) {
	altA := &fakeProvider{name: "mistral", chunks: []string{"ok"}}
	r := New(&fakeProvider{}, altA, &fakeProvider{}, &fakeLocal{available: true}, classifier.New(nil, zerolog.Nop()), testConfig(), zerolog.Nop())

	_, err := collect(t, r, "hi", []llm.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, 10, r.LastUsage().InputTokens)
	require.Equal(t, 5, r.LastUsage().OutputTokens)
}
