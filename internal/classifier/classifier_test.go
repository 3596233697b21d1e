package classifier

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGreetingFastPath(t *testing.T) {
	c := New(nil, zerolog.Nop())
	require.Equal(t, Routine, c.Classify(context.Background(), "hey, how's it going?"))
	require.Equal(t, Routine, c.Classify(context.Background(), "thanks!"))
}

func TestCodingKeywords(t *testing.T) {
	c := New(nil, zerolog.Nop())
	require.Equal(t, Coding, c.Classify(context.Background(), "can you write a function to parse dates"))
	require.Equal(t, Coding, c.Classify(context.Background(), "fix the bug in server.go please"))
}

func TestSummarizationKeywords(t *testing.T) {
	c := New(nil, zerolog.Nop())
	require.Equal(t, Summarization, c.Classify(context.Background(), "give me a tldr of my inbox"))
}

func TestReasoningKeywords(t *testing.T) {
	c := New(nil, zerolog.Nop())
	require.Equal(t, Reasoning, c.Classify(context.Background(), "help me decide between these two apartments based on the pros and cons"))
}

func TestShortMessageDefaultsToRoutine(t *testing.T) {
	c := New(nil, zerolog.Nop())
	require.Equal(t, Routine, c.Classify(context.Background(), "what about tomorrow"))
}

func TestModelStageUsedForAmbiguousLongMessages(t *testing.T) {
	long := strings.Repeat("I was wondering about something that happened at work today and more context ", 4)
	called := int32(0)
	complete := func(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
		atomic.AddInt32(&called, 1)
		return "PERSONA", nil
	}
	c := New(complete, zerolog.Nop())
	require.Equal(t, Persona, c.Classify(context.Background(), long))
	require.EqualValues(t, 1, called)
}

func TestCacheHitSkipsModelCall(t *testing.T) {
	long := strings.Repeat("an ambiguous long message without any obvious routing keywords at all ", 4)
	called := int32(0)
	complete := func(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
		atomic.AddInt32(&called, 1)
		return "REASONING", nil
	}
	c := New(complete, zerolog.Nop())

	require.Equal(t, Reasoning, c.Classify(context.Background(), long))
	// Minor rephrasing that normalises identically (punctuation/case only).
	require.Equal(t, Reasoning, c.Classify(context.Background(), strings.ToUpper(long)))
	require.EqualValues(t, 1, called)
}

func TestModelFailureDefaultsToRoutine(t *testing.T) {
	long := strings.Repeat("words with no category signals repeated over and over again here ", 4)
	complete := func(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
		return "", context.DeadlineExceeded
	}
	c := New(complete, zerolog.Nop())
	require.Equal(t, Routine, c.Classify(context.Background(), long))
}

func TestCacheEvictsFIFOAtCapacity(t *testing.T) {
	c := New(nil, zerolog.Nop())
	for i := 0; i < cacheMax+10; i++ {
		c.Classify(context.Background(), strings.Repeat("x", i+1))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	require.LessOrEqual(t, len(c.cache), cacheMax)
}
