package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Calendar tool executors. The live Google integration is an external
// collaborator (spec.md §1); these executors adapt the same contract onto a
// local JSON store under <data_dir> so the agentic loop is exercised
// end-to-end without credentials.

type calendarEvent struct {
	Title    string `json:"title"`
	Start    string `json:"start"` // RFC 3339 or "2006-01-02 15:04"
	End      string `json:"end,omitempty"`
	Location string `json:"location,omitempty"`
}

func calendarPath(dataDir string) string {
	return filepath.Join(dataDir, "calendar.json")
}

func loadCalendar(dataDir string) ([]calendarEvent, error) {
	data, err := os.ReadFile(calendarPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []calendarEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse calendar store: %w", err)
	}
	return events, nil
}

func saveCalendar(dataDir string, events []calendarEvent) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(calendarPath(dataDir), data, 0o644)
}

func parseEventTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func registerCalendarTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "calendar_events",
		Description: "List upcoming calendar events, optionally for a specific date (YYYY-MM-DD).",
		Parameters: objSchema(map[string]any{
			"date": prop("string", "Optional date (YYYY-MM-DD); defaults to the next 7 days."),
		}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			events, err := loadCalendar(deps.DataDir)
			if err != nil {
				return "", err
			}
			loc := deps.loc()
			now := time.Now().In(loc)
			from := now
			to := now.AddDate(0, 0, 7)
			window := "the next 7 days"
			if d := strInput(input, "date"); d != "" {
				day, ok := parseEventTime(d, loc)
				if !ok {
					return fmt.Sprintf("Could not parse date %q — use YYYY-MM-DD.", d), nil
				}
				from = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
				to = from.AddDate(0, 0, 1)
				window = from.Format("Monday, 2 January")
			}

			var lines []string
			for _, ev := range events {
				start, ok := parseEventTime(ev.Start, loc)
				if !ok || start.Before(from) || !start.Before(to) {
					continue
				}
				line := fmt.Sprintf("• %s — %s", start.Format("Mon 2 Jan 15:04"), ev.Title)
				if ev.Location != "" {
					line += " @ " + ev.Location
				}
				lines = append(lines, line)
			}
			if len(lines) == 0 {
				return fmt.Sprintf("No events in %s.", window), nil
			}
			return fmt.Sprintf("Events for %s:\n%s", window, strings.Join(lines, "\n")), nil
		},
	})

	r.Register(Definition{
		Name:        "create_calendar_event",
		Description: "Create a calendar event.",
		Parameters: objSchema(map[string]any{
			"title":    prop("string", "Event title."),
			"start":    prop("string", "Start time, e.g. 2026-08-02 15:00."),
			"end":      prop("string", "Optional end time."),
			"location": prop("string", "Optional location."),
		}, "title", "start"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			title := strings.TrimSpace(strInput(input, "title"))
			start := strings.TrimSpace(strInput(input, "start"))
			if title == "" || start == "" {
				return "Please provide both a title and a start time.", nil
			}
			when, ok := parseEventTime(start, deps.loc())
			if !ok {
				return fmt.Sprintf("Could not parse start time %q.", start), nil
			}
			events, err := loadCalendar(deps.DataDir)
			if err != nil {
				return "", err
			}
			events = append(events, calendarEvent{
				Title:    title,
				Start:    when.Format(time.RFC3339),
				End:      strInput(input, "end"),
				Location: strInput(input, "location"),
			})
			if err := saveCalendar(deps.DataDir, events); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Event created: %s on %s", title, when.Format("Mon 2 Jan 15:04")), nil
		},
	})
}
