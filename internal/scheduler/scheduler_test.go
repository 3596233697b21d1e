package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), "file:"+t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Timezone:             "UTC",
		MorningBriefingCron:  "0 7 * * *",
		EveningCheckinCron:   "0 19 * * *",
		NightlyConsolidation: "0 3 * * *",
	}
}

func TestAutomationStoreAddRequiresExactlyOneTrigger(t *testing.T) {
	s := NewAutomationStore(openTestDB(t))
	ctx := context.Background()

	_, err := s.Add(ctx, 1, "both set", "0 9 * * *", "2026-08-02T09:00:00Z")
	require.Error(t, err)
	_, err = s.Add(ctx, 1, "neither set", "", "")
	require.Error(t, err)

	id, err := s.Add(ctx, 1, "pay rent", "0 9 * * *", "")
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestAutomationStoreRoundTrip(t *testing.T) {
	s := NewAutomationStore(openTestDB(t))
	ctx := context.Background()

	id, err := s.Add(ctx, 1, "water plants", "30 8 * * *", "")
	require.NoError(t, err)
	_, err = s.Add(ctx, 2, "other user", "0 9 * * *", "")
	require.NoError(t, err)

	rows, err := s.GetAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "water plants", rows[0].Label)
	require.Equal(t, "30 8 * * *", rows[0].Cron)
	require.False(t, rows[0].IsOneShot())

	ok, err := s.Remove(ctx, 1, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Remove(ctx, 1, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkRanRecordsTimestamp(t *testing.T) {
	s := NewAutomationStore(openTestDB(t))
	ctx := context.Background()

	id, err := s.Add(ctx, 1, "check in", "0 19 * * *", "")
	require.NoError(t, err)
	require.NoError(t, s.MarkRan(ctx, id, time.Date(2026, 8, 1, 19, 0, 0, 0, time.UTC)))

	rows, err := s.GetAll(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "2026-08-01T19:00:00Z", rows[0].LastRunAt)
}

func TestOneShotFiresAndSelfRemoves(t *testing.T) {
	db := openTestDB(t)
	as := NewAutomationStore(db)
	ctx := context.Background()

	var mu sync.Mutex
	var fired []Automation
	fire := func(ctx context.Context, a Automation) {
		mu.Lock()
		fired = append(fired, a)
		mu.Unlock()
	}

	s, err := New(ctx, as, testSchedulerConfig(), fire, zerolog.Nop())
	require.NoError(t, err)

	id, err := as.Add(ctx, 1, "take medication", "", time.Now().UTC().Add(20*time.Millisecond).Format(time.RFC3339))
	require.NoError(t, err)
	require.NoError(t, s.AddAutomation(id, 1, "take medication", "", time.Now().UTC().Add(20*time.Millisecond).Format(time.RFC3339)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "take medication", fired[0].Label)

	rows, err := as.GetAll(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, rows, "one-shot should self-remove from the store after firing")
}

func TestInvalidCronRejected(t *testing.T) {
	s, err := New(context.Background(), NewAutomationStore(openTestDB(t)), testSchedulerConfig(), func(context.Context, Automation) {}, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, s.AddAutomation(1, 1, "bad", "not a cron", ""))
}

func TestRemoveAutomationDetachesEntry(t *testing.T) {
	s, err := New(context.Background(), NewAutomationStore(openTestDB(t)), testSchedulerConfig(), func(context.Context, Automation) {}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.AddAutomation(7, 1, "weekly review", "0 9 * * 1", ""))
	s.mu.Lock()
	_, ok := s.entries[7]
	s.mu.Unlock()
	require.True(t, ok)

	s.RemoveAutomation(7)
	s.mu.Lock()
	_, ok = s.entries[7]
	s.mu.Unlock()
	require.False(t, ok)
}
