package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Contacts tool executors over <data_dir>/contacts.json. Contact notes are
// untrusted content and are tag-escaped before reaching the model.

type contact struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Birthday string `json:"birthday,omitempty"` // MM-DD or YYYY-MM-DD
	Notes    string `json:"notes,omitempty"`
}

func loadContacts(dataDir string) ([]contact, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "contacts.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []contact
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse contacts: %w", err)
	}
	return out, nil
}

// birthdayWithin reports whether a contact's birthday falls within the next
// days days of now, ignoring the year component.
func birthdayWithin(birthday string, now time.Time, days int) (time.Time, bool) {
	parts := strings.Split(birthday, "-")
	if len(parts) == 3 {
		parts = parts[1:] // drop the year
	}
	if len(parts) != 2 {
		return time.Time{}, false
	}
	month, err1 := strconv.Atoi(parts[0])
	day, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	next := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, now.Location())
	if next.Before(now.Truncate(24 * time.Hour)) {
		next = next.AddDate(1, 0, 0)
	}
	if next.After(now.AddDate(0, 0, days)) {
		return time.Time{}, false
	}
	return next, true
}

func registerContactTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "search_contacts",
		Description: "Search the user's contacts by name, email, or phone.",
		Parameters: objSchema(map[string]any{
			"query": prop("string", "Search text."),
		}, "query"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			query := strings.ToLower(strings.TrimSpace(strInput(input, "query")))
			if query == "" {
				return "Please provide a search query.", nil
			}
			contacts, err := loadContacts(deps.DataDir)
			if err != nil {
				return "", err
			}
			var lines []string
			for _, c := range contacts {
				haystack := strings.ToLower(c.Name + " " + c.Email + " " + c.Phone)
				if !strings.Contains(haystack, query) {
					continue
				}
				line := "• " + c.Name
				if c.Email != "" {
					line += " <" + c.Email + ">"
				}
				if c.Phone != "" {
					line += " " + c.Phone
				}
				if c.Notes != "" {
					line += " — " + escapeUntrusted(deps, "contact", c.Notes)
				}
				lines = append(lines, line)
			}
			if len(lines) == 0 {
				return fmt.Sprintf("No contacts matching %q.", query), nil
			}
			return strings.Join(lines, "\n"), nil
		},
	})

	r.Register(Definition{
		Name:        "upcoming_birthdays",
		Description: "List contacts with birthdays in the next 30 days.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			contacts, err := loadContacts(deps.DataDir)
			if err != nil {
				return "", err
			}
			now := time.Now().In(deps.loc())
			var lines []string
			for _, c := range contacts {
				if c.Birthday == "" {
					continue
				}
				if next, ok := birthdayWithin(c.Birthday, now, 30); ok {
					lines = append(lines, fmt.Sprintf("• %s — %s", c.Name, next.Format("Mon 2 Jan")))
				}
			}
			if len(lines) == 0 {
				return "No birthdays in the next 30 days.", nil
			}
			return "Upcoming birthdays:\n" + strings.Join(lines, "\n"), nil
		},
	})
}
