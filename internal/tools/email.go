package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/local/remy/internal/sanitize"
)

// Mail tool executors over a local JSON mailbox under <data_dir>/mail. Email
// bodies are untrusted input: every body surfaced to the model passes
// through the tag-escaping step first (spec.md §7).

type mailMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Date    string `json:"date"`
	Unread  bool   `json:"unread"`
}

func loadInbox(dataDir string) ([]mailMessage, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "mail", "inbox.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []mailMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse inbox: %w", err)
	}
	return msgs, nil
}

// escapeUntrusted runs the containment step and logs the required
// first-escape warning.
func escapeUntrusted(deps Deps, source, text string) string {
	escaped, did := sanitize.Escape(text)
	if did {
		deps.Log.Warn().Str("source", source).Msg("escaped tag-like tokens in untrusted content")
	}
	return escaped
}

func registerEmailTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "read_emails",
		Description: "List the most recent emails in the inbox.",
		Parameters: objSchema(map[string]any{
			"limit": prop("integer", "Max emails to list (default 5)."),
		}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			msgs, err := loadInbox(deps.DataDir)
			if err != nil {
				return "", err
			}
			if len(msgs) == 0 {
				return "Inbox is empty.", nil
			}
			limit := int(intInput(input, "limit"))
			if limit <= 0 || limit > 20 {
				limit = 5
			}
			if len(msgs) > limit {
				msgs = msgs[:limit]
			}
			var lines []string
			for _, m := range msgs {
				marker := " "
				if m.Unread {
					marker = "●"
				}
				lines = append(lines, fmt.Sprintf("%s [%s] %s — %s (%s)",
					marker, m.ID, escapeUntrusted(deps, "email", m.From), escapeUntrusted(deps, "email", m.Subject), m.Date))
			}
			return fmt.Sprintf("Recent emails (%d):\n%s", len(lines), strings.Join(lines, "\n")), nil
		},
	})

	r.Register(Definition{
		Name:        "search_mail",
		Description: "Search the inbox by sender, subject, or body text.",
		Parameters: objSchema(map[string]any{
			"query": prop("string", "Search text."),
		}, "query"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			query := strings.ToLower(strings.TrimSpace(strInput(input, "query")))
			if query == "" {
				return "Please provide a search query.", nil
			}
			msgs, err := loadInbox(deps.DataDir)
			if err != nil {
				return "", err
			}
			var lines []string
			for _, m := range msgs {
				haystack := strings.ToLower(m.From + " " + m.Subject + " " + m.Body)
				if strings.Contains(haystack, query) {
					lines = append(lines, fmt.Sprintf("• [%s] %s — %s",
						m.ID, escapeUntrusted(deps, "email", m.From), escapeUntrusted(deps, "email", m.Subject)))
				}
			}
			if len(lines) == 0 {
				return fmt.Sprintf("No emails matching %q.", query), nil
			}
			return fmt.Sprintf("Matches (%d):\n%s", len(lines), strings.Join(lines, "\n")), nil
		},
	})

	r.Register(Definition{
		Name:        "read_email",
		Description: "Read one email's full body by its ID.",
		Parameters: objSchema(map[string]any{
			"id": prop("string", "Email ID from read_emails or search_mail."),
		}, "id"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			id := strings.TrimSpace(strInput(input, "id"))
			msgs, err := loadInbox(deps.DataDir)
			if err != nil {
				return "", err
			}
			for _, m := range msgs {
				if m.ID == id {
					body := m.Body
					if len(body) > 4000 {
						body = body[:4000] + "\n[truncated]"
					}
					return fmt.Sprintf("From: %s\nSubject: %s\nDate: %s\n\n%s",
						escapeUntrusted(deps, "email", m.From),
						escapeUntrusted(deps, "email", m.Subject),
						m.Date,
						escapeUntrusted(deps, "email", body)), nil
				}
			}
			return fmt.Sprintf("No email with ID %q.", id), nil
		},
	})

	r.Register(Definition{
		Name:        "create_email_draft",
		Description: "Save an email draft for the user to review and send.",
		Parameters: objSchema(map[string]any{
			"to":      prop("string", "Recipient address."),
			"subject": prop("string", "Subject line."),
			"body":    prop("string", "Email body."),
		}, "to", "subject", "body"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			to := strings.TrimSpace(strInput(input, "to"))
			subject := strings.TrimSpace(strInput(input, "subject"))
			if to == "" || subject == "" {
				return "Please provide a recipient and a subject.", nil
			}
			draftsDir := filepath.Join(deps.DataDir, "mail", "drafts")
			if err := os.MkdirAll(draftsDir, 0o755); err != nil {
				return "", err
			}
			draft := map[string]string{
				"to":      to,
				"subject": subject,
				"body":    strInput(input, "body"),
				"created": time.Now().UTC().Format(time.RFC3339),
			}
			data, err := json.MarshalIndent(draft, "", "  ")
			if err != nil {
				return "", err
			}
			name := fmt.Sprintf("draft_%d.json", time.Now().UnixNano())
			if err := os.WriteFile(filepath.Join(draftsDir, name), data, 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Draft saved: %q to %s", subject, to), nil
		},
	})
}
