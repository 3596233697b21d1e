package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reminder/automation tool executors. Grounded on
// original_source/remy/ai/tools/automations.py: daily/weekly cron reminders,
// one-shot fire_at reminders, and the late-binding scheduler handle that is
// dereferenced at call time rather than construction time.

var dowMap = map[string]string{
	"mon": "1", "tue": "2", "wed": "3", "thu": "4",
	"fri": "5", "sat": "6", "sun": "0",
}

var dowNames = map[string]string{
	"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
	"4": "Thursday", "5": "Friday", "6": "Saturday", "*": "every day",
}

func registerAutomationTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "schedule_reminder",
		Description: "Create a recurring reminder that fires daily or weekly.",
		Parameters: objSchema(map[string]any{
			"label":     prop("string", "What to be reminded about."),
			"frequency": enumProp("How often.", "daily", "weekly"),
			"time":      prop("string", "Fire time HH:MM (default 09:00)."),
			"day":       prop("string", "Weekday for weekly reminders: mon..sun."),
		}, "label"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			label := strings.TrimSpace(strInput(input, "label"))
			if label == "" {
				return "Please provide a label for the reminder.", nil
			}
			hour, minute := 9, 0
			if parts := strings.Split(strInput(input, "time"), ":"); len(parts) == 2 {
				var h, m int
				if _, err := fmt.Sscanf(strInput(input, "time"), "%d:%d", &h, &m); err == nil && h < 24 && m < 60 {
					hour, minute = h, m
				}
			}

			var cronExpr, freqDesc string
			if strInput(input, "frequency") == "weekly" {
				dow, ok := dowMap[strings.ToLower(strings.TrimSpace(strInput(input, "day")))]
				if !ok {
					dow = "1"
				}
				cronExpr = fmt.Sprintf("%d %d * * %s", minute, hour, dow)
				freqDesc = fmt.Sprintf("every %s at %02d:%02d", dowNames[dow], hour, minute)
			} else {
				cronExpr = fmt.Sprintf("%d %d * * *", minute, hour)
				freqDesc = fmt.Sprintf("every day at %02d:%02d", hour, minute)
			}

			id, err := deps.Automations.Add(ctx, userID, label, cronExpr, "")
			if err != nil {
				return "", fmt.Errorf("save reminder: %w", err)
			}
			if sched := deps.Scheduler.Get(); sched != nil {
				if err := sched.AddAutomation(id, userID, label, cronExpr, ""); err != nil {
					return "", fmt.Errorf("register reminder: %w", err)
				}
			}
			return fmt.Sprintf("✅ Reminder set (ID %d): %q\nFires %s.", id, label, freqDesc), nil
		},
	})

	r.Register(Definition{
		Name:        "list_reminders",
		Description: "Show all scheduled reminders with their IDs.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			rows, err := deps.Automations.GetAll(ctx, userID)
			if err != nil {
				return "", err
			}
			if len(rows) == 0 {
				return "No reminders scheduled. Use schedule_reminder to create one.", nil
			}
			lines := []string{fmt.Sprintf("Scheduled reminders (%d):", len(rows))}
			for _, row := range rows {
				if row.IsOneShot() {
					lines = append(lines, fmt.Sprintf("[ID %d] %q — once at %s", row.ID, row.Label, row.FireAt))
					continue
				}
				last := row.LastRunAt
				if last == "" {
					last = "never"
				}
				parts := strings.Fields(row.Cron)
				desc := row.Cron
				if len(parts) == 5 {
					var minute, hour int
					fmt.Sscanf(parts[0], "%d", &minute)
					fmt.Sscanf(parts[1], "%d", &hour)
					freq := "daily"
					if parts[4] != "*" {
						freq = "every " + dowNames[parts[4]]
					}
					desc = fmt.Sprintf("%s at %02d:%02d", freq, hour, minute)
				}
				lines = append(lines, fmt.Sprintf("[ID %d] %q — %s | last run: %s", row.ID, row.Label, desc, last))
			}
			return strings.Join(lines, "\n"), nil
		},
	})

	r.Register(Definition{
		Name:        "remove_reminder",
		Description: "Remove a scheduled reminder by its ID.",
		Parameters: objSchema(map[string]any{
			"id": prop("integer", "Reminder ID from list_reminders."),
		}, "id"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			id := intInput(input, "id")
			if id == 0 {
				return "Please provide a reminder ID. Use list_reminders to find it.", nil
			}
			removed, err := deps.Automations.Remove(ctx, userID, id)
			if err != nil {
				return "", err
			}
			if !removed {
				return fmt.Sprintf("No reminder with ID %d found.", id), nil
			}
			if sched := deps.Scheduler.Get(); sched != nil {
				sched.RemoveAutomation(id)
			}
			return fmt.Sprintf("✅ Reminder %d removed.", id), nil
		},
	})

	r.Register(Definition{
		Name:        "set_one_time_reminder",
		Description: "Set a one-time reminder that fires at a specific date and time.",
		Parameters: objSchema(map[string]any{
			"label":   prop("string", "What to be reminded about."),
			"fire_at": prop("string", "When to fire, ISO 8601, e.g. 2026-08-02T15:30:00."),
		}, "label", "fire_at"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			label := strings.TrimSpace(strInput(input, "label"))
			fireAt := strings.TrimSpace(strInput(input, "fire_at"))
			if label == "" {
				return "Please provide a label for the reminder.", nil
			}
			if fireAt == "" {
				return "Please provide a fire_at datetime.", nil
			}
			when, err := parseLocalTime(fireAt, deps.loc())
			if err != nil {
				return fmt.Sprintf("Invalid fire_at format %q. Use ISO 8601, e.g. 2026-08-02T15:30:00.", fireAt), nil
			}
			if !when.After(time.Now()) {
				return "That time is already in the past. Please provide a future datetime.", nil
			}
			id, err := deps.Automations.Add(ctx, userID, label, "", fireAt)
			if err != nil {
				return "", fmt.Errorf("save reminder: %w", err)
			}
			if sched := deps.Scheduler.Get(); sched != nil {
				if err := sched.AddAutomation(id, userID, label, "", fireAt); err != nil {
					return "", fmt.Errorf("register reminder: %w", err)
				}
			}
			return fmt.Sprintf("✅ One-time reminder set (ID %d): %q\nFires %s.", id, label, when.Format("Mon 2 Jan at 15:04")), nil
		},
	})
}

func parseLocalTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
