package injector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/memory/knowledge"
	"github.com/local/remy/internal/store"
)

func openTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	db, err := store.Open(context.Background(), "file:"+t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return knowledge.New(db, nil, 0)
}

func TestBuildContextEmptyWhenNoMemory(t *testing.T) {
	k := openTestStore(t)
	inj := New(k, nil)
	block, err := inj.BuildContext(context.Background(), 1, "hello")
	require.NoError(t, err)
	require.Empty(t, block)
}

func TestBuildContextIncludesFactsAndGoals(t *testing.T) {
	k := openTestStore(t)
	ctx := context.Background()
	_, err := k.AddItem(ctx, 1, "fact", "Lives in Sydney", map[string]any{"category": "location"})
	require.NoError(t, err)
	_, err = k.AddItem(ctx, 1, "goal", "Finish taxes", map[string]any{"status": "active", "description": "by April"})
	require.NoError(t, err)

	inj := New(k, nil)
	block, err := inj.BuildContext(ctx, 1, "what do you know about me")
	require.NoError(t, err)
	require.Contains(t, block, "<memory>")
	require.Contains(t, block, "<fact category='location'>Lives in Sydney</fact>")
	require.Contains(t, block, "<goal>Finish taxes — by April</goal>")
}

func TestBuildContextOmitsInactiveGoals(t *testing.T) {
	k := openTestStore(t)
	ctx := context.Background()
	_, err := k.AddItem(ctx, 1, "goal", "Old completed goal", map[string]any{"status": "done"})
	require.NoError(t, err)

	inj := New(k, nil)
	block, err := inj.BuildContext(ctx, 1, "status")
	require.NoError(t, err)
	require.NotContains(t, block, "Old completed goal")
}

func TestBuildSystemPromptAppendsBlock(t *testing.T) {
	k := openTestStore(t)
	ctx := context.Background()
	_, err := k.AddItem(ctx, 1, "fact", "Has a dog", map[string]any{"category": "hobby"})
	require.NoError(t, err)

	inj := New(k, nil)
	prompt, err := inj.BuildSystemPrompt(ctx, 1, "anything", "You are Remy.")
	require.NoError(t, err)
	require.True(t, len(prompt) > len("You are Remy."))
	require.Contains(t, prompt, "You are Remy.\n\n<memory>")
}

func TestBuildSystemPromptUnchangedWhenNoMemory(t *testing.T) {
	k := openTestStore(t)
	inj := New(k, nil)
	prompt, err := inj.BuildSystemPrompt(context.Background(), 1, "anything", "You are Remy.")
	require.NoError(t, err)
	require.Equal(t, "You are Remy.", prompt)
}

func TestBuildContextEscapesTagLikeContent(t *testing.T) {
	k := openTestStore(t)
	ctx := context.Background()
	_, err := k.AddItem(ctx, 1, "fact", "Signature is <b>bold</b>", map[string]any{"category": "preference"})
	require.NoError(t, err)

	inj := New(k, nil)
	block, err := inj.BuildContext(ctx, 1, "what is my signature")
	require.NoError(t, err)
	require.Contains(t, block, "&lt;b&gt;bold&lt;/b&gt;")
	require.NotContains(t, block, "<b>")
	require.Contains(t, block, "<fact category='preference'>")
}

func TestBuildContextRefreshesLastReferenced(t *testing.T) {
	k := openTestStore(t)
	ctx := context.Background()
	_, err := k.AddItem(ctx, 1, "fact", "Plays tennis on Thursdays", map[string]any{"category": "hobby"})
	require.NoError(t, err)

	inj := New(k, nil)
	_, err = inj.BuildContext(ctx, 1, "tennis")
	require.NoError(t, err)

	items, err := k.GetByType(ctx, 1, "fact", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].LastReferencedAt)
}

func TestProjectContextInjectsReadme(t *testing.T) {
	k := openTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# My Project\nDetails here."), 0o644))
	_, err := k.AddItem(ctx, 1, "fact", dir, map[string]any{"category": "project"})
	require.NoError(t, err)

	inj := New(k, nil)
	block, err := inj.BuildContext(ctx, 1, "project status")
	require.NoError(t, err)
	require.Contains(t, block, "project_context")
	require.Contains(t, block, "My Project")
}
