// Package config loads remy's configuration from environment variables (with
// an optional .env overlay and an optional YAML file), the way
// manifold/internal/config/loader.go does: godotenv.Overload, extensive
// os.Getenv reads with sensible defaults, and a firstNonEmpty alias helper
// for renamed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig configures the primary LLM client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string // "primary complex" — default/reasoning-grade model
	ModelSimple  string // "primary simple" — cheaper/faster model
	PromptCache  PromptCacheConfig
	ExtraParams  map[string]any
}

// PromptCacheConfig controls Anthropic ephemeral prompt caching scope.
type PromptCacheConfig struct {
	Enabled       bool
	CacheSystem   bool
	CacheTools    bool
	CacheMessages bool
}

// OpenAICompatConfig configures an OpenAI-API-compatible client (Alt-A/Alt-B).
type OpenAICompatConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	ModelLarge   string
	LongContext  string
	DisplayName  string // "mistral" | "moonshot", used in the fallback banner
}

// OllamaConfig configures the local fallback client.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

// EmbeddingConfig configures the embedding HTTP endpoint.
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIKey    string
	APIHeader string
	Timeout   int // seconds
	Dimension int
}

// QdrantConfig configures the ANN vector index.
type QdrantConfig struct {
	DSN        string
	Collection string
	Metric     string
}

// RetryConfig is the shared provider retry policy (spec.md §4.F).
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	RateLimitDelays []time.Duration
}

// RateLimitConfig is the per-user sliding window + concurrency cap (spec.md §5).
type RateLimitConfig struct {
	RedisURL          string
	MessagesPerMinute int
	MaxConcurrent     int
}

// SchedulerConfig holds cron expressions and the scheduler's local timezone.
type SchedulerConfig struct {
	Timezone             string
	MorningBriefingCron  string
	EveningCheckinCron   string
	NightlyConsolidation string
	ReindexEnabled       bool
}

// TokenBudgetConfig bounds per-request and per-user spend (spec.md §6).
type TokenBudgetConfig struct {
	MaxInputPerRequest int
	MaxOutputPerRequest int
	MaxPerUserPerHour   int
	DailySpendCapCents  int
}

// Config is the full set of recognised options from spec.md §6.
type Config struct {
	DataDir        string
	AllowedUserIDs []int64
	AllowedFileDirs []string

	Anthropic AnthropicConfig
	AltA      OpenAICompatConfig // Mistral
	AltB      OpenAICompatConfig // Moonshot
	Local     OllamaConfig

	Embedding EmbeddingConfig
	Qdrant    QdrantConfig

	Retry     RetryConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Tokens    TokenBudgetConfig

	FactMergeThreshold float64

	KafkaBrokers []string

	HTTPAddr string

	LogLevel  string
	LogPretty bool
}

func firstNonEmpty(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt64List(key string) []int64 {
	parts := envList(key)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Load builds a Config from environment variables, .env (if present) and an
// optional YAML file named by REMY_CONFIG_FILE. .env is loaded with
// godotenv.Overload, so its values replace variables already set in the
// process environment, and the YAML file is merged last, overriding both —
// following manifold's loader.go convention of godotenv.Overload followed by
// env reads.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		DataDir:         firstNonEmptyOr("REMY_DATA_DIR", "./data"),
		AllowedUserIDs:  envInt64List("REMY_ALLOWED_USER_IDS"),
		AllowedFileDirs: envList("REMY_ALLOWED_FILE_DIRS"),

		Anthropic: AnthropicConfig{
			APIKey:      firstNonEmpty("ANTHROPIC_API_KEY", "REMY_ANTHROPIC_API_KEY"),
			BaseURL:     os.Getenv("ANTHROPIC_BASE_URL"),
			Model:       firstNonEmptyOr("ANTHROPIC_MODEL", "claude-sonnet-4-6"),
			ModelSimple: firstNonEmptyOr("ANTHROPIC_MODEL_SIMPLE", "claude-haiku-4-5"),
			PromptCache: PromptCacheConfig{
				Enabled:     envBool("ANTHROPIC_PROMPT_CACHE", true),
				CacheSystem: envBool("ANTHROPIC_PROMPT_CACHE_SYSTEM", true),
				CacheTools:  envBool("ANTHROPIC_PROMPT_CACHE_TOOLS", true),
			},
		},
		AltA: OpenAICompatConfig{
			APIKey:      os.Getenv("MISTRAL_API_KEY"),
			BaseURL:     firstNonEmptyOr("MISTRAL_BASE_URL", "https://api.mistral.ai/v1"),
			Model:       firstNonEmptyOr("MISTRAL_MODEL_MEDIUM", "mistral-medium-latest"),
			ModelLarge:  firstNonEmptyOr("MISTRAL_MODEL_LARGE", "mistral-large-latest"),
			DisplayName: "mistral",
		},
		AltB: OpenAICompatConfig{
			APIKey:      os.Getenv("MOONSHOT_API_KEY"),
			BaseURL:     firstNonEmptyOr("MOONSHOT_BASE_URL", "https://api.moonshot.ai/v1"),
			Model:       firstNonEmptyOr("MOONSHOT_MODEL", "kimi-k2-turbo-preview"),
			LongContext: firstNonEmptyOr("MOONSHOT_MODEL_LONG_CONTEXT", "kimi-k2-turbo-preview"),
			DisplayName: "moonshot",
		},
		Local: OllamaConfig{
			BaseURL: firstNonEmptyOr("OLLAMA_BASE_URL", "http://localhost:11434"),
			Model:   firstNonEmptyOr("OLLAMA_MODEL", "llama3.1"),
		},

		Embedding: EmbeddingConfig{
			BaseURL:   firstNonEmptyOr("EMBEDDING_BASE_URL", "http://localhost:11434"),
			Path:      firstNonEmptyOr("EMBEDDING_PATH", "/v1/embeddings"),
			Model:     firstNonEmptyOr("EMBEDDING_MODEL", "nomic-embed-text"),
			APIKey:    os.Getenv("EMBEDDING_API_KEY"),
			APIHeader: firstNonEmptyOr("EMBEDDING_API_HEADER", "Authorization"),
			Timeout:   envInt("EMBEDDING_TIMEOUT_SECONDS", 30),
			Dimension: envInt("EMBEDDING_DIMENSION", 384),
		},
		Qdrant: QdrantConfig{
			DSN:        firstNonEmptyOr("QDRANT_DSN", "http://localhost:6334"),
			Collection: firstNonEmptyOr("QDRANT_COLLECTION", "remy_knowledge"),
			Metric:     firstNonEmptyOr("QDRANT_METRIC", "cosine"),
		},

		Retry: RetryConfig{
			MaxAttempts:     envInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:       time.Duration(envInt("RETRY_BASE_DELAY_SECONDS", 2)) * time.Second,
			RateLimitDelays: []time.Duration{30 * time.Second, 60 * time.Second},
		},
		RateLimit: RateLimitConfig{
			RedisURL:          os.Getenv("REDIS_URL"),
			MessagesPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 10),
			MaxConcurrent:     envInt("RATE_LIMIT_MAX_CONCURRENT", 3),
		},
		Scheduler: SchedulerConfig{
			Timezone:             firstNonEmptyOr("SCHEDULER_TIMEZONE", "UTC"),
			MorningBriefingCron:  firstNonEmptyOr("MORNING_BRIEFING_CRON", "0 7 * * *"),
			EveningCheckinCron:   firstNonEmptyOr("EVENING_CHECKIN_CRON", "0 19 * * *"),
			NightlyConsolidation: firstNonEmptyOr("NIGHTLY_CONSOLIDATION_CRON", "0 3 * * *"),
			ReindexEnabled:       envBool("REINDEX_ENABLED", true),
		},
		Tokens: TokenBudgetConfig{
			MaxInputPerRequest:  envInt("TOKENS_MAX_INPUT_PER_REQUEST", 150000),
			MaxOutputPerRequest: envInt("TOKENS_MAX_OUTPUT_PER_REQUEST", 8192),
			MaxPerUserPerHour:   envInt("TOKENS_MAX_PER_USER_PER_HOUR", 500000),
			DailySpendCapCents:  envInt("TOKENS_DAILY_SPEND_CAP_CENTS", 2000),
		},

		FactMergeThreshold: envFloat("FACT_MERGE_THRESHOLD", 0.15),

		KafkaBrokers: envList("KAFKA_BROKERS"),

		HTTPAddr: firstNonEmptyOr("HTTP_ADDR", ":8080"),

		LogLevel:  firstNonEmptyOr("LOG_LEVEL", "info"),
		LogPretty: envBool("LOG_PRETTY", false),
	}

	if path := os.Getenv("REMY_CONFIG_FILE"); path != "" {
		if err := mergeYAMLFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("load yaml config %s: %w", path, err)
		}
	}

	if len(cfg.AllowedFileDirs) == 0 {
		cfg.AllowedFileDirs = []string{cfg.DataDir}
	}

	return cfg, nil
}

func firstNonEmptyOr(key, def string) string {
	if v := firstNonEmpty(key); v != "" {
		return v
	}
	return def
}

// yamlOverlay only overrides the handful of options an operator is likely to
// want to pin in a checked-in file rather than the environment (cron
// expressions, timezone, thresholds); credentials stay env-only.
type yamlOverlay struct {
	DataDir            string   `yaml:"data_dir"`
	FactMergeThreshold *float64 `yaml:"fact_merge_threshold"`
	Scheduler          struct {
		Timezone             string `yaml:"timezone"`
		MorningBriefingCron  string `yaml:"morning_briefing_cron"`
		EveningCheckinCron   string `yaml:"evening_checkin_cron"`
		NightlyConsolidation string `yaml:"nightly_consolidation_cron"`
	} `yaml:"scheduler"`
}

func mergeYAMLFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov yamlOverlay
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return err
	}
	if ov.DataDir != "" {
		cfg.DataDir = ov.DataDir
	}
	if ov.FactMergeThreshold != nil {
		cfg.FactMergeThreshold = *ov.FactMergeThreshold
	}
	if ov.Scheduler.Timezone != "" {
		cfg.Scheduler.Timezone = ov.Scheduler.Timezone
	}
	if ov.Scheduler.MorningBriefingCron != "" {
		cfg.Scheduler.MorningBriefingCron = ov.Scheduler.MorningBriefingCron
	}
	if ov.Scheduler.EveningCheckinCron != "" {
		cfg.Scheduler.EveningCheckinCron = ov.Scheduler.EveningCheckinCron
	}
	if ov.Scheduler.NightlyConsolidation != "" {
		cfg.Scheduler.NightlyConsolidation = ov.Scheduler.NightlyConsolidation
	}
	return nil
}

// IsAllowedUser reports whether the given user id is on the allow-list. An
// empty allow-list means no users are configured (the operator has not
// finished setup) rather than "allow everyone".
func (c Config) IsAllowedUser(userID int64) bool {
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
