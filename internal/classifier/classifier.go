// Package classifier assigns each incoming message a task category for model
// routing (component M). Grounded on original_source/remy/ai/classifier.py:
// regex fast paths first, then a single cheap-model call for ambiguous long
// messages, memoised in a size-bounded TTL cache keyed by an MD5 of the
// normalised text. Kept separate from the router so the cache and regex set
// are testable in isolation.
package classifier

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Category is a routing task category (spec.md §4.G).
type Category string

const (
	Routine       Category = "routine"
	Summarization Category = "summarization"
	Reasoning     Category = "reasoning"
	Coding        Category = "coding"
	Safety        Category = "safety"
	Persona       Category = "persona"
)

const (
	cacheTTL = 300 * time.Second
	cacheMax = 256

	shortMessageLen = 100
	greetingMaxLen  = 80
)

var greetingPattern = regexp.MustCompile(`(?i)^(?:hi|hello|hey|thanks?|thank\s+you|ok|okay|cool|great|sure|yes|no|nope|yep)\b`)

var codingPattern = regexp.MustCompile(`(?is)\bwrite\b.*\b(?:script|function|class|file|test|code)\b` +
	`|\bcreate\b.*\b(?:project|module|app|api|bot|function|script|class)\b` +
	`|\brefactor\b|\bdebug\b|\bfix\s+(?:the|this|a)\b` +
	`|\bbuild\b|\bimplement\b|\bgenerate\s+(?:code|a)\b` +
	`|\bcommit\b|\bgit\b|\bdeploy\b` +
	`|\.py\b|\.ts\b|\.js\b|\.go\b|\.sh\b` +
	"|```" +
	`|step\s+\d|first.*then.*finally`)

var summarizePattern = regexp.MustCompile(`(?i)\b(?:summarize|summarise|tldr|tl;dr|recap|sum\s+up|brief(?:ly)?|overview|digest)\b` +
	`|\bwhat(?:'s|\s+is)\s+(?:in|the\s+gist\s+of)\b`)

var reasoningPattern = regexp.MustCompile(`(?i)\b(?:plan|strategy|analyse|analyze|think\s+through|walk\s+me\s+through` +
	`|pros?\s+and\s+cons?|trade-?offs?|compare|evaluate|should\s+i|help\s+me\s+decide)\b`)

var normalisePunct = regexp.MustCompile(`[^\w\s]`)
var normaliseWS = regexp.MustCompile(`\s+`)

// CompleteFunc is a one-shot cheap-model classification call: given a user
// prompt and system prompt, return the model's short answer. Injected rather
// than depending on a provider client directly, to avoid a cycle with the
// router.
type CompleteFunc func(ctx context.Context, prompt, system string, maxTokens int) (string, error)

type cacheEntry struct {
	category Category
	at       time.Time
}

// Classifier memoises classification results per normalised message.
type Classifier struct {
	complete CompleteFunc
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	order []string // FIFO eviction order

	flight singleflight.Group
}

// New builds a classifier. complete may be nil, in which case the LLM stage
// is skipped and ambiguous long messages default to routine.
func New(complete CompleteFunc, log zerolog.Logger) *Classifier {
	return &Classifier{
		complete: complete,
		log:      log,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// Classify returns the task category for text, consulting the cache first.
// Concurrent classifications of the same normalised text share one in-flight
// computation via singleflight.
func (c *Classifier) Classify(ctx context.Context, text string) Category {
	stripped := strings.TrimSpace(text)
	key := cacheKey(stripped)

	if cat, ok := c.cacheGet(key); ok {
		return cat
	}

	v, _, _ := c.flight.Do(key, func() (any, error) {
		cat := c.classifyUncached(ctx, stripped)
		c.cacheSet(key, cat)
		return cat, nil
	})
	return v.(Category)
}

func (c *Classifier) classifyUncached(ctx context.Context, stripped string) Category {
	if len(stripped) < greetingMaxLen && greetingPattern.MatchString(stripped) {
		return Routine
	}
	if codingPattern.MatchString(stripped) {
		return Coding
	}
	if summarizePattern.MatchString(stripped) {
		return Summarization
	}
	if reasoningPattern.MatchString(stripped) {
		return Reasoning
	}
	if len(stripped) < shortMessageLen {
		return Routine
	}
	if c.complete != nil {
		if cat, ok := c.classifyWithModel(ctx, stripped); ok {
			return cat
		}
	}
	return Routine
}

func (c *Classifier) classifyWithModel(ctx context.Context, stripped string) (Category, bool) {
	if len(stripped) > 800 {
		stripped = stripped[:800]
	}
	prompt := "Classify this message into ONE category:\n" +
		"ROUTINE: casual chat, greetings, short questions.\n" +
		"SUMMARIZATION: asking to summarize text, emails, or documents.\n" +
		"REASONING: complex planning, multi-step tasks, deep analysis.\n" +
		"SAFETY: requesting system changes, file writes, or sensitive actions.\n" +
		"CODING: writing or fixing code, scripts, or technical tasks.\n" +
		"PERSONA: roleplay or specific character interaction.\n\n" +
		"Reply with ONLY the category name.\n\n" +
		fmt.Sprintf("Message: %q", stripped)

	answer, err := c.complete(ctx, prompt, "You are an intent classifier. Reply only with the category name.", 10)
	if err != nil {
		c.log.Warn().Err(err).Msg("classifier model call failed")
		return "", false
	}
	up := strings.ToUpper(answer)
	switch {
	case strings.Contains(up, "SUMMARIZATION"):
		return Summarization, true
	case strings.Contains(up, "REASONING"):
		return Reasoning, true
	case strings.Contains(up, "SAFETY"):
		return Safety, true
	case strings.Contains(up, "CODING"):
		return Coding, true
	case strings.Contains(up, "PERSONA"):
		return Persona, true
	default:
		return Routine, true
	}
}

func cacheKey(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = normalisePunct.ReplaceAllString(norm, "")
	norm = normaliseWS.ReplaceAllString(norm, " ")
	sum := md5.Sum([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func (c *Classifier) cacheGet(key string) (Category, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.at) >= cacheTTL {
		delete(c.cache, key)
		return "", false
	}
	return entry.category, true
}

func (c *Classifier) cacheSet(key string, cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cache[key]; !exists && len(c.cache) >= cacheMax {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	if _, exists := c.cache[key]; !exists {
		c.order = append(c.order, key)
	}
	c.cache[key] = cacheEntry{category: cat, at: c.now()}
}
