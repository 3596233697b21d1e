// Package injector builds the <memory> XML context block appended to the
// system prompt before each agentic turn (component C). Grounded
// line-for-line on original_source/drbot/memory/injector.py: the three-stage
// fallback (ANN -> FTS keyword -> recency) for facts and goals, and the
// project-category README injection.
package injector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/local/remy/internal/memory/embedding"
	"github.com/local/remy/internal/memory/knowledge"
	"github.com/local/remy/internal/sanitize"
)

const (
	maxFacts          = 5
	maxGoals          = 3
	maxProjects       = 3
	maxProjectReadme  = 1500
)

// Injector is the memory injector (component C).
type Injector struct {
	knowledge *knowledge.Store
	embed     *embedding.Store
}

// New builds an Injector over a knowledge store and embedding store.
func New(k *knowledge.Store, e *embedding.Store) *Injector {
	return &Injector{knowledge: k, embed: e}
}

type factEntry struct {
	id       int64
	category string
	content  string
}

type goalEntry struct {
	id          int64
	title       string
	description string
}

// BuildContext returns the <memory> XML block, or "" if there is nothing to
// inject (spec.md §4.C).
func (inj *Injector) BuildContext(ctx context.Context, userID int64, currentMessage string) (string, error) {
	facts, err := inj.relevantFacts(ctx, userID, currentMessage)
	if err != nil {
		return "", err
	}
	projects, err := inj.projectContext(ctx, userID)
	if err != nil {
		return "", err
	}
	goals, err := inj.activeGoals(ctx, userID, currentMessage)
	if err != nil {
		return "", err
	}

	allFacts := append(facts, projects...)
	if len(allFacts) == 0 && len(goals) == 0 {
		return "", nil
	}

	// Stored content is ingested text; any XML-like tokens in it must be
	// neutralised before it re-enters a prompt (spec.md §7). The injector's
	// own tags below are the only ones permitted through.
	var b strings.Builder
	b.WriteString("<memory>")
	if len(allFacts) > 0 {
		b.WriteString("\n  <facts>")
		for _, f := range allFacts {
			cat := f.category
			if cat == "" {
				cat = "general"
			}
			content, _ := sanitize.Escape(f.content)
			fmt.Fprintf(&b, "\n    <fact category='%s'>%s</fact>", cat, content)
		}
		b.WriteString("\n  </facts>")
	}
	if len(goals) > 0 {
		b.WriteString("\n  <goals>")
		for _, g := range goals {
			suffix := ""
			if g.description != "" {
				suffix = " — " + g.description
			}
			line, _ := sanitize.Escape(g.title + suffix)
			fmt.Fprintf(&b, "\n    <goal>%s</goal>", line)
		}
		b.WriteString("\n  </goals>")
	}
	b.WriteString("\n</memory>")

	// Surfacing an item in a response context refreshes its
	// last_referenced_at (spec.md §4.A lifecycle).
	var ids []int64
	for _, f := range facts {
		if f.id != 0 {
			ids = append(ids, f.id)
		}
	}
	for _, g := range goals {
		if g.id != 0 {
			ids = append(ids, g.id)
		}
	}
	if len(ids) > 0 {
		_ = inj.knowledge.UpdateLastReferenced(ctx, userID, ids)
	}

	return b.String(), nil
}

// BuildSystemPrompt appends the memory block to basePrompt, separated by a
// blank line, or returns basePrompt unchanged when there is nothing to add.
func (inj *Injector) BuildSystemPrompt(ctx context.Context, userID int64, currentMessage, basePrompt string) (string, error) {
	block, err := inj.BuildContext(ctx, userID, currentMessage)
	if err != nil {
		return "", err
	}
	if block == "" {
		return basePrompt, nil
	}
	return basePrompt + "\n\n" + block, nil
}

func (inj *Injector) relevantFacts(ctx context.Context, userID int64, query string) ([]factEntry, error) {
	if inj.embed != nil {
		matches, err := inj.embed.SearchSimilarForType(ctx, userID, query, "knowledge_fact", maxFacts)
		if err == nil && len(matches) > 0 {
			ids := sourceIDs(matches)
			if items, err := inj.itemsByIDs(ctx, userID, "fact", ids); err == nil && len(items) > 0 {
				return toFacts(items), nil
			}
		}
	}

	if items, err := inj.knowledge.SearchKeyword(ctx, userID, "fact", query, maxFacts); err == nil && len(items) > 0 {
		return toFacts(items), nil
	}

	items, err := inj.knowledge.GetByType(ctx, userID, "fact", maxFacts, 0)
	if err != nil {
		return nil, err
	}
	return toFacts(items), nil
}

func (inj *Injector) activeGoals(ctx context.Context, userID int64, query string) ([]goalEntry, error) {
	if inj.embed != nil {
		matches, err := inj.embed.SearchSimilarForType(ctx, userID, query, "knowledge_goal", maxGoals)
		if err == nil && len(matches) > 0 {
			ids := sourceIDs(matches)
			if items, err := inj.itemsByIDs(ctx, userID, "goal", ids); err == nil && len(items) > 0 {
				return toGoals(filterActive(items)), nil
			}
		}
	}

	if items, err := inj.knowledge.SearchKeyword(ctx, userID, "goal", query, maxGoals); err == nil && len(items) > 0 {
		return toGoals(filterActive(items)), nil
	}

	items, err := inj.knowledge.GetByType(ctx, userID, "goal", maxGoals, 0)
	if err != nil {
		return nil, err
	}
	return toGoals(filterActive(items)), nil
}

func (inj *Injector) itemsByIDs(ctx context.Context, userID int64, entityType string, ids []int64) ([]knowledge.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	all, err := inj.knowledge.GetByType(ctx, userID, entityType, 200, 0)
	if err != nil {
		return nil, err
	}
	var out []knowledge.Item
	for _, it := range all {
		if set[it.ID] {
			out = append(out, it)
		}
	}
	return out, nil
}

func filterActive(items []knowledge.Item) []knowledge.Item {
	var out []knowledge.Item
	for _, it := range items {
		status, _ := it.Metadata["status"].(string)
		if status == "" || status == "active" {
			out = append(out, it)
		}
	}
	return out
}

func sourceIDs(matches []embedding.Match) []int64 {
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		if m.SourceID != 0 {
			ids = append(ids, m.SourceID)
		}
	}
	return ids
}

func toFacts(items []knowledge.Item) []factEntry {
	out := make([]factEntry, 0, len(items))
	for _, it := range items {
		out = append(out, factEntry{id: it.ID, category: it.Category(), content: it.Content})
	}
	return out
}

func toGoals(items []knowledge.Item) []goalEntry {
	out := make([]goalEntry, 0, len(items))
	for _, it := range items {
		desc, _ := it.Metadata["description"].(string)
		out = append(out, goalEntry{id: it.ID, title: it.Content, description: desc})
	}
	return out
}

// projectContext reads README.md from up to maxProjects tracked "project"
// category facts, capped at maxProjectReadme chars each.
func (inj *Injector) projectContext(ctx context.Context, userID int64) ([]factEntry, error) {
	facts, err := inj.knowledge.GetByType(ctx, userID, "fact", 200, 0)
	if err != nil {
		return nil, nil
	}
	var projects []knowledge.Item
	for _, f := range facts {
		if f.Category() == "project" {
			projects = append(projects, f)
		}
	}
	if len(projects) > maxProjects {
		projects = projects[:maxProjects]
	}

	var out []factEntry
	for _, p := range projects {
		readme := filepath.Join(p.Content, "README.md")
		data, err := os.ReadFile(readme)
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > maxProjectReadme {
			content = content[:maxProjectReadme]
		}
		out = append(out, factEntry{
			category: "project_context",
			content:  fmt.Sprintf("[%s] %s", p.Content, content),
		})
	}
	return out, nil
}
