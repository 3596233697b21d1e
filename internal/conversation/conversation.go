// Package conversation implements the per-session append-only conversation
// log (component D): one `<session_key>.jsonl` file per session, one line
// per turn, with a sentinel-prefixed serialization for tool-call round
// trips. Grounded on spec.md §4.D directly; the per-resource in-memory lock
// map follows the shape of the teacher's in-memory stores (e.g.
// manifold/internal/persistence/databases/chat_store_memory.go's
// map+sync.RWMutex idiom), adapted here to guard a file instead of a map.
package conversation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/local/remy/internal/apperr"
	"github.com/local/remy/internal/llm"
)

// toolsSentinel prefixes lines that carry a tool-call round trip, per
// spec.md §4.D. A plain text line has no prefix.
const toolsSentinel = "<TOOLS>"

// CompactedPrefix marks a synthesised summary turn written by Compact.
const CompactedPrefix = "[COMPACTED SUMMARY]"

// sessionKeyPattern is checked before any use of a session key as part of a
// filesystem path, per spec.md §4.D's traversal-prevention requirement.
var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ToolResult is one tool_result block inside a tool-turn, pairing a
// ToolCall.ID with the executor's result string.
type ToolResult struct {
	ToolUseID string
	Content   string
}

// Turn is one line of a conversation log.
type Turn struct {
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	ToolID      string         `json:"-"`
	ToolCalls   []llm.ToolCall `json:"-"`
	ToolResults []ToolResult   `json:"-"`
	Timestamp   time.Time      `json:"timestamp"`
}

// IsToolTurn reports whether this turn must use the sentinel serialization.
func (t Turn) IsToolTurn() bool {
	return len(t.ToolCalls) > 0 || len(t.ToolResults) > 0 || t.ToolID != ""
}

type plainLine struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// block is one content block inside a tool-turn's JSON array, mirroring the
// vendor content-block shapes closely enough to round trip losslessly.
type block struct {
	Type      string          `json:"type"` // text | tool_use | tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type toolLine struct {
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Blocks    []block   `json:"blocks"`
}

// Log is the conversation log store (component D).
type Log struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New opens a conversation log rooted at dir (typically <data_dir>/sessions).
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("create session dir: %w", err))
	}
	return &Log{dir: dir, locks: map[string]*sync.RWMutex{}}, nil
}

func (l *Log) lockFor(sessionKey string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[sessionKey]; ok {
		return m
	}
	m := &sync.RWMutex{}
	l.locks[sessionKey] = m
	return m
}

func (l *Log) pathFor(sessionKey string) (string, error) {
	if !sessionKeyPattern.MatchString(sessionKey) {
		return "", apperr.Validation("invalid session key")
	}
	return filepath.Join(l.dir, sessionKey+".jsonl"), nil
}

// AppendTurn appends one turn to the session's log file.
func (l *Log) AppendTurn(ctx context.Context, userID int64, sessionKey string, turn Turn) error {
	path, err := l.pathFor(sessionKey)
	if err != nil {
		return err
	}
	lock := l.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	line, err := encodeTurn(turn)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, fmt.Errorf("open session log: %w", err))
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return apperr.Wrap(apperr.ErrStorage, fmt.Errorf("append turn: %w", err))
	}
	return nil
}

// GetRecentTurns returns up to limit most recent turns, oldest first.
func (l *Log) GetRecentTurns(ctx context.Context, userID int64, sessionKey string, limit int) ([]Turn, error) {
	path, err := l.pathFor(sessionKey)
	if err != nil {
		return nil, err
	}
	lock := l.lockFor(sessionKey)
	lock.RLock()
	defer lock.RUnlock()

	turns, err := readAll(path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Compact rewrites the session file with a single synthesised assistant
// turn whose content begins with CompactedPrefix (spec.md §4.D).
func (l *Log) Compact(ctx context.Context, userID int64, sessionKey string, summary string) error {
	path, err := l.pathFor(sessionKey)
	if err != nil {
		return err
	}
	lock := l.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	content := CompactedPrefix + " " + summary
	// Re-compacting an already-compacted session is a no-op, so applying
	// compaction twice yields a byte-identical file.
	if existing, err := readAll(path); err == nil && len(existing) == 1 &&
		existing[0].Role == "assistant" && existing[0].Content == content {
		return nil
	}

	turn := Turn{Role: "assistant", Content: content, Timestamp: time.Now().UTC()}
	line, err := encodeTurn(turn)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(line+"\n"), 0o644); err != nil {
		return apperr.Wrap(apperr.ErrStorage, fmt.Errorf("compact session log: %w", err))
	}
	return nil
}

// Delete removes a session's log file entirely (used by delete_conversation).
func (l *Log) Delete(ctx context.Context, userID int64, sessionKey string) error {
	path, err := l.pathFor(sessionKey)
	if err != nil {
		return err
	}
	lock := l.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.ErrStorage, fmt.Errorf("delete session log: %w", err))
	}
	return nil
}

func encodeTurn(turn Turn) (string, error) {
	if !turn.IsToolTurn() {
		b, err := json.Marshal(plainLine{Role: turn.Role, Content: turn.Content, Timestamp: turn.Timestamp})
		if err != nil {
			return "", fmt.Errorf("encode turn: %w", err)
		}
		return string(b), nil
	}

	var blocks []block
	if turn.Content != "" && len(turn.ToolResults) == 0 && turn.ToolID == "" {
		blocks = append(blocks, block{Type: "text", Text: turn.Content})
	}
	for _, tc := range turn.ToolCalls {
		blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Args})
	}
	for _, tr := range turn.ToolResults {
		blocks = append(blocks, block{Type: "tool_result", ToolUseID: tr.ToolUseID, Content: tr.Content})
	}
	if len(turn.ToolResults) == 0 && turn.ToolID != "" {
		blocks = append(blocks, block{Type: "tool_result", ToolUseID: turn.ToolID, Content: turn.Content})
	}
	b, err := json.Marshal(toolLine{Role: turn.Role, Timestamp: turn.Timestamp, Blocks: blocks})
	if err != nil {
		return "", fmt.Errorf("encode tool turn: %w", err)
	}
	return toolsSentinel + string(b), nil
}

func decodeLine(line string) (Turn, error) {
	if strings.HasPrefix(line, toolsSentinel) {
		var tl toolLine
		if err := json.Unmarshal([]byte(line[len(toolsSentinel):]), &tl); err != nil {
			return Turn{}, fmt.Errorf("decode tool turn: %w", err)
		}
		turn := Turn{Role: tl.Role, Timestamp: tl.Timestamp}
		for _, b := range tl.Blocks {
			switch b.Type {
			case "text":
				turn.Content = b.Text
			case "tool_use":
				turn.ToolCalls = append(turn.ToolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Args: b.Input})
			case "tool_result":
				turn.ToolResults = append(turn.ToolResults, ToolResult{ToolUseID: b.ToolUseID, Content: b.Content})
				if turn.ToolID == "" {
					turn.ToolID = b.ToolUseID
					turn.Content = b.Content
				}
			}
		}
		return turn, nil
	}
	var pl plainLine
	if err := json.Unmarshal([]byte(line), &pl); err != nil {
		return Turn{}, fmt.Errorf("decode turn: %w", err)
	}
	return Turn{Role: pl.Role, Content: pl.Content, Timestamp: pl.Timestamp}, nil
}

func readAll(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("open session log: %w", err))
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		turn, err := decodeLine(line)
		if err != nil {
			continue // skip a corrupted line rather than fail the whole read
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("scan session log: %w", err))
	}
	return turns, nil
}

// SessionKeyForUserDay derives the UTC-calendar-day session key
// user_<id>_<YYYYMMDD>, the unit of conversation storage.
func SessionKeyForUserDay(userID int64, now time.Time) string {
	return fmt.Sprintf("user_%d_%s", userID, now.UTC().Format("20060102"))
}
