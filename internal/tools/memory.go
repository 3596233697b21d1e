package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/local/remy/internal/memory/knowledge"
)

// Memory tool executors: the knowledge store's front door for the model.
// Grounded on original_source/remy/ai/tools/memory.py and the grocery_list
// executor in automations.py (unified shopping_item entity).

func registerMemoryTools(r *Registry, deps Deps) {
	k := deps.Knowledge

	r.Register(Definition{
		Name:        "get_facts",
		Description: "List stored facts about the user, optionally filtered by category.",
		Parameters: objSchema(map[string]any{
			"category": prop("string", "Optional category filter, e.g. location, health, project."),
		}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			items, err := k.GetByType(ctx, userID, "fact", 50, 0)
			if err != nil {
				return "", err
			}
			category := strings.ToLower(strInput(input, "category"))
			var lines []string
			for _, it := range items {
				if category != "" && it.Category() != category {
					continue
				}
				lines = append(lines, fmt.Sprintf("• [ID:%d] (%s) %s", it.ID, it.Category(), it.Content))
			}
			if len(lines) == 0 {
				return "No facts stored yet.", nil
			}
			return fmt.Sprintf("Known facts (%d):\n%s", len(lines), strings.Join(lines, "\n")), nil
		},
	})

	r.Register(Definition{
		Name:        "get_goals",
		Description: "List the user's goals and their statuses.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			items, err := k.GetByType(ctx, userID, "goal", 50, 0)
			if err != nil {
				return "", err
			}
			if len(items) == 0 {
				return "No goals tracked yet.", nil
			}
			var lines []string
			for _, it := range items {
				status, _ := it.Metadata["status"].(string)
				if status == "" {
					status = "active"
				}
				line := fmt.Sprintf("• [ID:%d] (%s) %s", it.ID, status, it.Content)
				if desc, _ := it.Metadata["description"].(string); desc != "" {
					line += " — " + desc
				}
				lines = append(lines, line)
			}
			return fmt.Sprintf("Goals (%d):\n%s", len(lines), strings.Join(lines, "\n")), nil
		},
	})

	r.Register(Definition{
		Name:        "manage_memory",
		Description: "Add, update, or delete a stored fact about the user.",
		Parameters: objSchema(map[string]any{
			"action":   enumProp("What to do.", "add", "update", "delete"),
			"content":  prop("string", "The fact text (add/update)."),
			"category": prop("string", "Fact category: name, location, occupation, health, medical, finance, hobby, relationship, preference, deadline, project, other."),
			"id":       prop("integer", "Fact ID (update/delete)."),
		}, "action"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			action := strInput(input, "action")
			switch action {
			case "add":
				content := strings.TrimSpace(strInput(input, "content"))
				if content == "" {
					return "Please provide the fact content.", nil
				}
				category := strings.ToLower(strInput(input, "category"))
				if !knowledge.FactCategories[category] {
					category = "other"
				}
				id, err := k.AddItem(ctx, userID, "fact", content, map[string]any{"category": category})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("✅ Remembered (ID %d): %s", id, content), nil
			case "update":
				id := intInput(input, "id")
				if id == 0 {
					return "Please provide the fact ID to update.", nil
				}
				var meta map[string]any
				if cat := strings.ToLower(strInput(input, "category")); knowledge.FactCategories[cat] {
					meta = map[string]any{"category": cat}
				}
				ok, err := k.Update(ctx, userID, id, strInput(input, "content"), meta)
				if err != nil {
					return "", err
				}
				if !ok {
					return fmt.Sprintf("Fact %d not found.", id), nil
				}
				return fmt.Sprintf("✅ Fact %d updated.", id), nil
			case "delete":
				id := intInput(input, "id")
				if id == 0 {
					return "Please provide the fact ID to delete.", nil
				}
				ok, err := k.Delete(ctx, userID, id)
				if err != nil {
					return "", err
				}
				if !ok {
					return fmt.Sprintf("Fact %d not found.", id), nil
				}
				return fmt.Sprintf("✅ Fact %d forgotten.", id), nil
			default:
				return fmt.Sprintf("Unknown action: %s", action), nil
			}
		},
	})

	r.Register(Definition{
		Name:        "manage_goal",
		Description: "Add a goal, or mark an existing goal completed or abandoned.",
		Parameters: objSchema(map[string]any{
			"action":      enumProp("What to do.", "add", "complete", "abandon"),
			"title":       prop("string", "Goal title (add)."),
			"description": prop("string", "Optional goal description (add)."),
			"id":          prop("integer", "Goal ID (complete/abandon)."),
		}, "action"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			action := strInput(input, "action")
			switch action {
			case "add":
				title := strings.TrimSpace(strInput(input, "title"))
				if title == "" {
					return "Please provide a goal title.", nil
				}
				meta := map[string]any{"status": "active"}
				if desc := strings.TrimSpace(strInput(input, "description")); desc != "" {
					meta["description"] = desc
				}
				id, err := k.AddItem(ctx, userID, "goal", title, meta)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("✅ Goal added (ID %d): %s", id, title), nil
			case "complete", "abandon":
				id := intInput(input, "id")
				if id == 0 {
					return "Please provide the goal ID.", nil
				}
				status := "completed"
				if action == "abandon" {
					status = "abandoned"
				}
				ok, err := k.Update(ctx, userID, id, "", map[string]any{"status": status})
				if err != nil {
					return "", err
				}
				if !ok {
					return fmt.Sprintf("Goal %d not found.", id), nil
				}
				return fmt.Sprintf("✅ Goal %d marked %s.", id, status), nil
			default:
				return fmt.Sprintf("Unknown action: %s", action), nil
			}
		},
	})

	r.Register(Definition{
		Name:        "get_memory_summary",
		Description: "Summarise what is stored in long-term memory: counts, categories, staleness.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			sum, err := k.GetMemorySummary(ctx, userID)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Memory summary:\n• %d facts, %d goals\n• %d facts added in the last 7 days\n",
				sum.TotalFacts, sum.TotalGoals, sum.RecentFacts7d)
			if len(sum.Categories) > 0 {
				b.WriteString("• By category:")
				for cat, n := range sum.Categories {
					fmt.Fprintf(&b, " %s=%d", cat, n)
				}
				b.WriteString("\n")
			}
			if sum.HasOldestFact {
				fmt.Fprintf(&b, "• Oldest fact (%s): %s\n", sum.OldestFactCreated.Format("2006-01-02"), sum.OldestFactContent)
			}
			fmt.Fprintf(&b, "• %d facts not referenced in 90+ days", sum.PotentiallyStale)
			return b.String(), nil
		},
	})

	r.Register(Definition{
		Name:        "grocery_list",
		Description: "Show, add to, remove from, or clear the shopping list.",
		Parameters: objSchema(map[string]any{
			"action": enumProp("What to do.", "show", "add", "remove", "clear"),
			"items":  prop("string", "Comma-separated items (add), or a name substring / item ID (remove)."),
		}, "action"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			action := strInput(input, "action")
			itemsRaw := strings.TrimSpace(strInput(input, "items"))
			switch action {
			case "show", "":
				items, err := k.GetByType(ctx, userID, "shopping_item", 100, 0)
				if err != nil {
					return "", err
				}
				if len(items) == 0 {
					return "Shopping list is empty.", nil
				}
				var lines []string
				for _, it := range items {
					lines = append(lines, fmt.Sprintf("• [ID:%d] %s", it.ID, it.Content))
				}
				return "Shopping list:\n" + strings.Join(lines, "\n"), nil
			case "add":
				if itemsRaw == "" {
					return "Please specify what to add.", nil
				}
				var added []string
				for _, part := range strings.Split(strings.ReplaceAll(itemsRaw, ";", ","), ",") {
					if part = strings.TrimSpace(part); part == "" {
						continue
					}
					if _, err := k.AddItem(ctx, userID, "shopping_item", part, nil); err != nil {
						return "", err
					}
					added = append(added, part)
				}
				return "✅ Added to shopping list: " + strings.Join(added, ", "), nil
			case "remove":
				if itemsRaw == "" {
					return "Please specify what to remove (name substring or item ID).", nil
				}
				if id := intInput(input, "items"); id != 0 {
					ok, err := k.Delete(ctx, userID, id)
					if err != nil {
						return "", err
					}
					if ok {
						return fmt.Sprintf("✅ Removed item %d.", id), nil
					}
					return fmt.Sprintf("Item %d not found.", id), nil
				}
				items, err := k.GetByType(ctx, userID, "shopping_item", 100, 0)
				if err != nil {
					return "", err
				}
				removed := 0
				for _, it := range items {
					if strings.Contains(strings.ToLower(it.Content), strings.ToLower(itemsRaw)) {
						if ok, err := k.Delete(ctx, userID, it.ID); err == nil && ok {
							removed++
						}
					}
				}
				return fmt.Sprintf("✅ Removed %d item(s) matching %q.", removed, itemsRaw), nil
			case "clear":
				items, err := k.GetByType(ctx, userID, "shopping_item", 500, 0)
				if err != nil {
					return "", err
				}
				for _, it := range items {
					_, _ = k.Delete(ctx, userID, it.ID)
				}
				return "✅ Shopping list cleared.", nil
			default:
				return fmt.Sprintf("Unknown action: %s", action), nil
			}
		},
	})
}
