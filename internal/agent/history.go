package agent

import (
	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/llm"
)

// History reconstruction helpers shared by the message handler and the
// proactive pipeline, grounded on original_source/remy/bot/pipeline.py's
// _build_message_from_turn / _trim_messages_to_budget / orphan-drop steps
// and the token-budget logic in manifold/internal/agent/engine.go.

// MessagesFromTurns rebuilds provider messages from persisted turns,
// re-expanding sentinel-serialised tool round-trips into structured
// tool_use/tool_result messages.
func MessagesFromTurns(turns []conversation.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if !t.IsToolTurn() {
			out = append(out, llm.Message{Role: t.Role, Content: t.Content})
			continue
		}
		if len(t.ToolCalls) > 0 {
			out = append(out, llm.Message{Role: "assistant", Content: t.Content, ToolCalls: t.ToolCalls})
		}
		for _, tr := range t.ToolResults {
			out = append(out, llm.Message{Role: "tool", ToolID: tr.ToolUseID, Content: tr.Content})
		}
		if len(t.ToolResults) == 0 && t.ToolID != "" {
			out = append(out, llm.Message{Role: "tool", ToolID: t.ToolID, Content: t.Content})
		}
	}
	return out
}

// DropTrailingOrphanToolTurns removes assistant tool-use messages (and any
// dangling tool results) from the tail of history: a message list must not
// end on an unresolved tool call (see glossary, "orphan tool turn").
func DropTrailingOrphanToolTurns(msgs []llm.Message) []llm.Message {
	for len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role == "assistant" && len(last.ToolCalls) > 0 {
			msgs = msgs[:len(msgs)-1]
			continue
		}
		// A tool result with no preceding assistant tool call is equally
		// unusable at the tail. Results of one round trip sit in a row, so
		// look past sibling results to the message that issued the calls.
		if last.Role == "tool" {
			j := len(msgs) - 2
			for j >= 0 && msgs[j].Role == "tool" {
				j--
			}
			if j < 0 || len(msgs[j].ToolCalls) == 0 {
				msgs = msgs[:len(msgs)-1]
				continue
			}
		}
		break
	}
	return msgs
}

// TrimToBudget drops oldest messages until the approximate token count
// (chars/4) fits budget, always keeping at least the last message. The cut
// never lands between an assistant tool-use message and its results.
func TrimToBudget(msgs []llm.Message, budgetTokens int) []llm.Message {
	if budgetTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	start := 0
	for total > budgetTokens && start < len(msgs)-1 {
		total -= len(msgs[start].Content) / 4
		start++
	}
	// Never start history on a tool result whose tool_use was cut away.
	for start < len(msgs)-1 && msgs[start].Role == "tool" {
		start++
	}
	return msgs[start:]
}

// TurnsFromRoundTrip converts one ToolTurnComplete into the two persisted
// turns of a tool round-trip, serialised with the sentinel prefix.
func TurnsFromRoundTrip(tt ToolTurnComplete) (assistant conversation.Turn, results conversation.Turn) {
	assistant = conversation.Turn{
		Role:      "assistant",
		Content:   tt.Assistant.Content,
		ToolCalls: tt.Assistant.ToolCalls,
	}
	results = conversation.Turn{Role: "user"}
	for _, r := range tt.Results {
		results.ToolResults = append(results.ToolResults, conversation.ToolResult{ToolUseID: r.ID, Content: r.Content})
	}
	return assistant, results
}
