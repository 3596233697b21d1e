// Package router classifies each message and routes it to a provider per the
// routing matrix of spec.md §4.G, with an inline-banner fallback to the local
// model when the chosen provider fails. Grounded on
// original_source/remy/ai/router.py (matrix and banner text).
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/apperr"
	"github.com/local/remy/internal/classifier"
	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/llm"
)

// LocalFallback is the provider of last resort. Availability is probed
// before streaming so a dead local model surfaces as ServiceUnavailable
// rather than a second stream error.
type LocalFallback interface {
	llm.Provider
	IsAvailable(ctx context.Context) bool
}

// Router is the model router (component G).
type Router struct {
	primary    llm.Provider
	altA       llm.Provider
	altB       llm.Provider
	local      LocalFallback
	classifier *classifier.Classifier
	cfg        config.Config
	retry      llm.RetryPolicy
	log        zerolog.Logger

	lastUsage llm.Usage
	lastModel string
}

// New builds a router over the four provider roles.
func New(primary, altA, altB llm.Provider, local LocalFallback, cls *classifier.Classifier, cfg config.Config, log zerolog.Logger) *Router {
	return &Router{
		primary:    primary,
		altA:       altA,
		altB:       altB,
		local:      local,
		classifier: cls,
		cfg:        cfg,
		retry: llm.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			BaseDelay:       cfg.Retry.BaseDelay,
			RateLimitDelays: cfg.Retry.RateLimitDelays,
		},
		log: log,
	}
}

// LastUsage reports the usage snapshot of the most recent stream.
func (r *Router) LastUsage() llm.Usage { return r.lastUsage }

// LastModel reports the provider:model pair effectively used last.
func (r *Router) LastModel() string { return r.lastModel }

type route struct {
	provider llm.Provider
	name     string
	model    string
}

// pick applies the routing matrix. Token count is approximated as total
// characters divided by four.
func (r *Router) pick(category classifier.Category, approxTokens int) route {
	primaryComplex := route{r.primary, "anthropic", r.cfg.Anthropic.Model}
	primarySimple := route{r.primary, "anthropic", r.cfg.Anthropic.ModelSimple}

	switch category {
	case classifier.Routine:
		if approxTokens < 50_000 {
			return route{r.altA, r.cfg.AltA.DisplayName, r.cfg.AltA.Model}
		}
		return primarySimple
	case classifier.Summarization:
		if approxTokens < 100_000 {
			return primarySimple
		}
		return route{r.altA, r.cfg.AltA.DisplayName, r.cfg.AltA.ModelLarge}
	case classifier.Reasoning:
		if approxTokens > 128_000 {
			return route{r.altB, r.cfg.AltB.DisplayName, r.cfg.AltB.LongContext}
		}
		return primaryComplex
	case classifier.Coding:
		if approxTokens < 128_000 {
			return primaryComplex
		}
		return route{r.altB, r.cfg.AltB.DisplayName, r.cfg.AltB.LongContext}
	case classifier.Safety:
		return primaryComplex
	case classifier.Persona:
		return route{r.altB, r.cfg.AltB.DisplayName, r.cfg.AltB.Model}
	default:
		return primaryComplex
	}
}

func approxTokenCount(msgs []llm.Message, system string) int {
	total := len(system)
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total / 4
}

// Stream classifies text, routes to a provider, and forwards text chunks to
// chunks. On any provider error it emits the fallback banner and restarts
// the stream on the local model with the full original message list; if the
// local model is also down it returns a ServiceUnavailable error.
func (r *Router) Stream(ctx context.Context, text string, msgs []llm.Message, userID int64, system string, chunks chan<- string) error {
	r.lastUsage = llm.Usage{}
	r.lastModel = "unknown"

	category := r.classifier.Classify(ctx, text)
	approx := approxTokenCount(msgs, system)
	rt := r.pick(category, approx)

	r.log.Info().
		Str("category", string(category)).
		Int("approx_tokens", approx).
		Int64("user_id", userID).
		Str("provider", rt.name).
		Str("model", rt.model).
		Msg("routing message")

	r.lastModel = fmt.Sprintf("%s:%s", rt.name, rt.model)
	err := r.streamOnce(ctx, rt.provider, msgs, system, rt.model, chunks)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.ErrCancelled, ctx.Err())
	}

	r.log.Warn().Err(err).Str("provider", rt.name).Msg("provider unavailable, falling back to local model")
	if !r.local.IsAvailable(ctx) {
		return apperr.Wrap(apperr.ErrServiceUnavailable,
			fmt.Errorf("both %s and the local model are unavailable", rt.name))
	}

	banner := fmt.Sprintf("\n⚠️ %s unavailable — responding via local model\n\n", rt.name)
	select {
	case chunks <- banner:
	case <-ctx.Done():
		return apperr.Wrap(apperr.ErrCancelled, ctx.Err())
	}

	r.lastModel = "ollama:local"
	if err := r.streamOnce(ctx, r.local, msgs, system, "", chunks); err != nil {
		return apperr.Wrap(apperr.ErrServiceUnavailable, err)
	}
	return nil
}

// streamOnce drives one provider stream, forwarding deltas and retrying the
// initiation per the shared policy as long as nothing has been forwarded yet.
func (r *Router) streamOnce(ctx context.Context, p llm.Provider, msgs []llm.Message, system, model string, chunks chan<- string) error {
	return r.retry.Retry(ctx, r.log, func() (bool, error) {
		events := make(chan llm.StreamEvent, 16)
		forwarded := false
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				if ev.TextDelta == "" {
					continue
				}
				select {
				case chunks <- ev.TextDelta:
					forwarded = true
				case <-ctx.Done():
					return
				}
			}
		}()
		res, err := p.Stream(ctx, msgs, system, nil, model, events)
		close(events)
		<-done
		if err != nil {
			return forwarded, err
		}
		r.lastUsage = res.Usage
		return true, nil
	})
}
