package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), "file:"+t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertExactDuplicateIsNoOp(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	err := s.Upsert(ctx, 1, []Item{{EntityType: "fact", Content: "Lives in Sydney", Metadata: map[string]any{"category": "location"}}}, "sess-1")
	require.NoError(t, err)
	err = s.Upsert(ctx, 1, []Item{{EntityType: "fact", Content: "lives in sydney", Metadata: map[string]any{"category": "location"}}}, "sess-2")
	require.NoError(t, err)

	items, err := s.GetByType(ctx, 1, "fact", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestUpsertDistinctFactsBothPersist(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	err := s.Upsert(ctx, 1, []Item{
		{EntityType: "fact", Content: "Lives in Sydney", Metadata: map[string]any{"category": "location"}},
		{EntityType: "fact", Content: "Works as an engineer", Metadata: map[string]any{"category": "occupation"}},
	}, "sess-1")
	require.NoError(t, err)

	items, err := s.GetByType(ctx, 1, "fact", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestGetByTypeScopesToUser(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, 1, []Item{{EntityType: "fact", Content: "fact for user 1", Metadata: map[string]any{}}}, ""))
	require.NoError(t, s.Upsert(ctx, 2, []Item{{EntityType: "fact", Content: "fact for user 2", Metadata: map[string]any{}}}, ""))

	items, err := s.GetByType(ctx, 1, "fact", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "fact for user 1", items[0].Content)
}

func TestDeleteCascadesWhenNoEmbeddingIndex(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	id, err := s.AddItem(ctx, 1, "fact", "temporary fact", nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	ok, err := s.Delete(ctx, 1, id)
	require.NoError(t, err)
	require.True(t, ok)

	items, err := s.GetByType(ctx, 1, "fact", 10, 0)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestDeleteUnknownItemReturnsFalse(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ok, err := s.Delete(context.Background(), 1, 99999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateChangesContent(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	id, err := s.AddItem(ctx, 1, "goal", "finish taxes", map[string]any{"status": "active"})
	require.NoError(t, err)

	ok, err := s.Update(ctx, 1, id, "finish taxes by April", nil)
	require.NoError(t, err)
	require.True(t, ok)

	items, err := s.GetByType(ctx, 1, "goal", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "finish taxes by April", items[0].Content)
}

func TestGetMemorySummaryCountsByCategory(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, 1, []Item{
		{EntityType: "fact", Content: "Lives in Sydney", Metadata: map[string]any{"category": "location"}},
		{EntityType: "fact", Content: "Has a dog named Rex", Metadata: map[string]any{"category": "hobby"}},
		{EntityType: "goal", Content: "Finish taxes", Metadata: map[string]any{"status": "active"}},
	}, "sess-1"))

	summary, err := s.GetMemorySummary(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalFacts)
	require.Equal(t, 1, summary.TotalGoals)
	require.Equal(t, 1, summary.Categories["location"])
	require.True(t, summary.HasOldestFact)
}

func TestOversizeContentTruncatedTo500(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	long := strings.Repeat("x", 10_000)
	id, err := s.AddItem(ctx, 1, "fact", long, nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	items, err := s.GetByType(ctx, 1, "fact", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, items[0].Content, 500)
}

func TestUpdateLastReferencedMarksRows(t *testing.T) {
	db := openTestDB(t)
	s := New(db, nil, 0)
	ctx := context.Background()

	id, err := s.AddItem(ctx, 1, "fact", "marked fact", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLastReferenced(ctx, 1, []int64{id}))
}
