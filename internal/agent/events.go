package agent

import "github.com/local/remy/internal/llm"

// Event is the tagged union streamed by the loop (spec.md §4.H): exactly
// four variants, matched by type switch at the caller.
type Event interface{ isEvent() }

// TextChunk is partial model output.
type TextChunk struct {
	Text string
}

// ToolStatusChunk signals the model has decided to call a tool. InputPreview
// is empty at block start; arguments stream in afterwards.
type ToolStatusChunk struct {
	Name         string
	ID           string
	InputPreview string
}

// ToolResultChunk carries one executed tool's result string.
type ToolResultChunk struct {
	Name   string
	ID     string
	Result string
}

// ToolResult pairs a tool_use id with its result content.
type ToolResult struct {
	ID      string
	Name    string
	Content string
}

// ToolTurnComplete marks one durable round-trip: the assistant message with
// its tool_use blocks and the matching tool results. Callers must persist
// both before continuing (spec.md §4.H).
type ToolTurnComplete struct {
	Assistant llm.Message
	Results   []ToolResult
}

func (TextChunk) isEvent()        {}
func (ToolStatusChunk) isEvent()  {}
func (ToolResultChunk) isEvent()  {}
func (ToolTurnComplete) isEvent() {}
