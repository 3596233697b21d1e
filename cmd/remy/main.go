// Command remy is the assistant core: it wires every subsystem together —
// storage, memory, providers, router, tool registry, agentic loop, outbound
// queue, scheduler, proactive pipeline, and the admin HTTP surface — and
// runs until SIGTERM. Wiring order follows the late-binding strategy of
// spec.md §9: the tool registry is built before the scheduler and receives a
// handle that is filled once the scheduler exists.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/agent"
	"github.com/local/remy/internal/classifier"
	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/handler"
	"github.com/local/remy/internal/httpapi"
	"github.com/local/remy/internal/llm"
	"github.com/local/remy/internal/llm/providers"
	"github.com/local/remy/internal/memory/embedding"
	"github.com/local/remy/internal/memory/injector"
	"github.com/local/remy/internal/memory/knowledge"
	"github.com/local/remy/internal/observability"
	"github.com/local/remy/internal/plan"
	"github.com/local/remy/internal/proactive"
	"github.com/local/remy/internal/queue"
	"github.com/local/remy/internal/ratelimit"
	"github.com/local/remy/internal/router"
	"github.com/local/remy/internal/scheduler"
	"github.com/local/remy/internal/session"
	"github.com/local/remy/internal/store"
	"github.com/local/remy/internal/tools"
)

const basePrompt = "You are remy, a personal assistant. You have long-term memory about the user, " +
	"a set of tools for their calendar, mail, files, plans and reminders, and you are " +
	"direct, warm and concise."

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.LogPretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("remy exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.Open(baseCtx, filepath.Join(cfg.DataDir, "knowledge.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	// Memory subsystem.
	emb := embedding.New(cfg.Embedding, cfg.Qdrant, db, 4)
	know := knowledge.New(db, emb, cfg.FactMergeThreshold)
	inject := injector.New(know, emb)

	conv, err := conversation.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return err
	}

	// Provider roles and router.
	httpClient := &http.Client{Timeout: 5 * time.Minute}
	set := providers.Build(cfg, httpClient)

	classify := classifier.New(func(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
		text, _, err := llm.Complete(ctx, set.Primary, []llm.Message{{Role: "user", Content: prompt}}, system, cfg.Anthropic.ModelSimple)
		return text, err
	}, observability.Component(log, "classifier"))

	route := router.New(set.Primary, set.AltA, set.AltB, set.Local, classify, cfg, observability.Component(log, "router"))

	// Outbound queue; the transport adapter is external — the console
	// transport below stands in for local development.
	transport := newConsoleTransport(log)
	mirror := queue.NewKafkaMirror(cfg.KafkaBrokers, "", observability.Component(log, "kafka"))
	var qMirror queue.Mirror
	if mirror != nil {
		qMirror = mirror
		defer mirror.Close()
	}
	outbound := queue.New(db, transport, time.Second, qMirror, observability.Component(log, "queue"))
	if _, err := outbound.ReplayOnStartup(baseCtx); err != nil {
		return err
	}

	pingers := []httpapi.Pinger{
		{Name: "anthropic", Ping: set.Primary.Ping},
		{Name: cfg.AltA.DisplayName, Ping: set.AltA.Ping},
		{Name: cfg.AltB.DisplayName, Ping: set.AltB.Ping},
		{Name: "ollama", Ping: func(ctx context.Context) error {
			if !set.Local.IsAvailable(ctx) {
				return fmt.Errorf("ollama not reachable")
			}
			return nil
		}},
	}

	// Tool registry with the late-binding scheduler handle.
	schedHandle := &scheduler.Handle{}
	autoStore := scheduler.NewAutomationStore(db)
	planStore := plan.NewStore(db)
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		loc = time.UTC
	}
	registry := tools.NewRegistry(observability.Component(log, "tools"))
	tools.RegisterBuiltins(registry, tools.Deps{
		Knowledge:    know,
		Conversation: conv,
		Plans:        planStore,
		Automations:  autoStore,
		Scheduler:    schedHandle,
		Web:          tools.NewWebClient(),
		ProviderStatus: func(ctx context.Context) map[string]string {
			out := make(map[string]string, len(pingers))
			for _, p := range pingers {
				if err := p.Ping(ctx); err != nil {
					out[p.Name] = fmt.Sprintf("unreachable: %v", err)
				} else {
					out[p.Name] = "ok"
				}
			}
			return out
		},
		QueueDepth: func(ctx context.Context) (int, int, error) {
			stats, err := outbound.GetStats(ctx)
			return stats.Pending, stats.Failed, err
		},
		GenerateSteps: func(ctx context.Context, goal string) []string {
			return plan.GenerateSteps(ctx, set.Primary, cfg.Anthropic.ModelSimple, goal)
		},
		Summarize: func(ctx context.Context, turns []conversation.Turn) (string, error) {
			return summarizeTurns(ctx, set.Primary, cfg.Anthropic.ModelSimple, turns)
		},
		DataDir:     cfg.DataDir,
		AllowedDirs: cfg.AllowedFileDirs,
		Timezone:    loc,
		Log:         observability.Component(log, "tools"),
	})

	retry := llm.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay,
		RateLimitDelays: cfg.Retry.RateLimitDelays,
	}
	loop := &agent.Loop{
		Provider: set.Primary,
		Registry: registry,
		Retry:    retry,
		Log:      observability.Component(log, "agent"),
	}

	sessions := session.NewManager()

	// Proactive pipeline feeding the same loop as a user message.
	pipeline := &proactive.Pipeline{
		Sessions:            sessions,
		Conversation:        conv,
		Injector:            inject,
		Loop:                loop,
		Queue:               outbound,
		Transport:           transport,
		Automations:         autoStore,
		BasePrompt:          basePrompt,
		HistoryBudgetTokens: cfg.Tokens.MaxInputPerRequest,
		Log:                 observability.Component(log, "proactive"),
	}

	sched, err := scheduler.New(baseCtx, autoStore, cfg.Scheduler, pipeline.Fire, observability.Component(log, "scheduler"))
	if err != nil {
		return err
	}
	schedHandle.Set(sched)

	nightly := func(ctx context.Context) {
		if _, err := outbound.CleanupOldMessages(ctx, 7); err != nil {
			log.Warn().Err(err).Msg("nightly queue cleanup failed")
		}
		if cfg.Scheduler.ReindexEnabled {
			log.Info().Msg("nightly reindex tick")
		}
	}
	if err := sched.Start(baseCtx, nightly); err != nil {
		return err
	}

	outbound.StartProcessor(baseCtx)

	// Inbound handler, called by the chat transport adapter.
	inbound := &handler.Handler{
		Config:              cfg,
		Sessions:            sessions,
		Limiter:             ratelimit.New(cfg.RateLimit),
		Conversation:        conv,
		Injector:            inject,
		Loop:                loop,
		Router:              route,
		Queue:               outbound,
		Transport:           transport,
		BasePrompt:          basePrompt,
		HistoryBudgetTokens: cfg.Tokens.MaxInputPerRequest,
		Log:                 observability.Component(log, "handler"),
	}

	// Admin HTTP surface.
	admin := httpapi.New(outbound, pingers, nil, nil, observability.Component(log, "httpapi"))
	adminErr := make(chan error, 1)
	go func() { adminErr <- admin.Serve(baseCtx, cfg.HTTPAddr) }()
	admin.SetReady()

	// Local development REPL in lieu of a live chat adapter.
	if len(cfg.AllowedUserIDs) > 0 {
		go stdinChat(baseCtx, inbound, cfg.AllowedUserIDs[0], log)
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("remy running")
	<-baseCtx.Done()
	log.Info().Msg("shutting down")

	sched.Stop()
	outbound.StopProcessor()
	select {
	case err := <-adminErr:
		return err
	case <-time.After(6 * time.Second):
		return nil
	}
}

// summarizeTurns produces the compaction summary with the cheap model.
func summarizeTurns(ctx context.Context, p llm.Provider, model string, turns []conversation.Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		if t.IsToolTurn() || strings.TrimSpace(t.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	text, _, err := llm.Complete(ctx, p,
		[]llm.Message{{Role: "user", Content: "Summarise this conversation in a short paragraph, keeping every commitment, decision and open thread:\n\n" + b.String()}},
		"You condense conversations faithfully and briefly.", model)
	return text, err
}

// consoleTransport is the built-in development chat adapter: sends print to
// stdout with a stable incrementing id, edits overwrite by reprinting.
type consoleTransport struct {
	nextID atomic.Int64
	log    zerolog.Logger
}

func newConsoleTransport(log zerolog.Logger) *consoleTransport {
	return &consoleTransport{log: log}
}

func (c *consoleTransport) SendMessage(ctx context.Context, chatID, text string, replyTo int64, parseMode string) (int64, error) {
	id := c.nextID.Add(1)
	fmt.Printf("\n[%s #%d] %s\n", chatID, id, text)
	return id, nil
}

func (c *consoleTransport) EditMessage(ctx context.Context, chatID string, messageID int64, text, parseMode string) error {
	fmt.Printf("\r[%s #%d] %s\n", chatID, messageID, text)
	return nil
}

// stdinChat reads lines from stdin and runs them through the inbound
// handler as the given user.
func stdinChat(ctx context.Context, h *handler.Handler, userID int64, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	chatID := fmt.Sprintf("%d", userID)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err := h.HandleMessage(ctx, userID, chatID, text); err != nil {
			log.Error().Err(err).Msg("message handling failed")
		}
	}
}
