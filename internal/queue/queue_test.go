package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
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

type fakeTransport struct {
	mu       sync.Mutex
	sent     []string
	failures int
	nextID   int64
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID, text string, replyTo int64, parseMode string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("network down")
	}
	f.sent = append(f.sent, text)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, chatID string, messageID int64, text, parseMode string) error {
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func statusOf(t *testing.T, db *store.DB, id int64) string {
	t.Helper()
	var status string
	require.NoError(t, db.QueryRowContext(context.Background(),
		`SELECT status FROM outbound_queue WHERE id=?`, id).Scan(&status))
	return status
}

func TestEnqueueThenProcessDelivers(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{}
	q := New(db, tr, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "chat-1", "hello", 0, "", 3)
	require.NoError(t, err)
	require.Equal(t, StatusPending, statusOf(t, db, id))

	require.Equal(t, 1, q.ProcessPending(ctx))
	require.Equal(t, StatusSent, statusOf(t, db, id))
	require.Equal(t, 1, tr.sentCount())
}

func TestTransientFailureRetriesThenSends(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{failures: 1}
	q := New(db, tr, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "chat-1", "retry me", 0, "", 3)
	require.NoError(t, err)

	require.Equal(t, 0, q.ProcessPending(ctx))
	require.Equal(t, StatusPending, statusOf(t, db, id))

	require.Equal(t, 1, q.ProcessPending(ctx))
	require.Equal(t, StatusSent, statusOf(t, db, id))
}

func TestExhaustedRetriesMarksFailed(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{failures: 10}
	q := New(db, tr, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "chat-1", "doomed", 0, "", 2)
	require.NoError(t, err)

	q.ProcessPending(ctx)
	require.Equal(t, StatusPending, statusOf(t, db, id))
	q.ProcessPending(ctx)
	require.Equal(t, StatusFailed, statusOf(t, db, id))

	// Failed rows are not picked up again.
	require.Equal(t, 0, q.ProcessPending(ctx))
}

func TestReplayOnStartupResetsSendingRows(t *testing.T) {
	db := openTestDB(t)
	q := New(db, &fakeTransport{}, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "chat-1", "crashed mid-send", 0, "", 3)
	require.NoError(t, err)
	require.NoError(t, q.markSending(ctx, id))

	n, err := q.ReplayOnStartup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StatusPending, statusOf(t, db, id))

	// The redelivery then succeeds end to end (spec.md §8 scenario 5).
	require.Equal(t, 1, q.ProcessPending(ctx))
	require.Equal(t, StatusSent, statusOf(t, db, id))
}

func TestQueueDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := store.Open(ctx, "file:"+dir+"/q.db")
	require.NoError(t, err)
	q := New(db, nil, time.Second, nil, zerolog.Nop())
	_, err = q.Enqueue(ctx, "chat-1", "survive me", 0, "", 3)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := store.Open(ctx, "file:"+dir+"/q.db")
	require.NoError(t, err)
	defer db2.Close()
	q2 := New(db2, nil, time.Second, nil, zerolog.Nop())
	pending, err := q2.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "survive me", pending[0].Text)
}

func TestSendReturnsTransportHandle(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{}
	q := New(db, tr, time.Second, nil, zerolog.Nop())

	msgID, err := q.Send(context.Background(), "chat-1", "placeholder", 0, "Markdown")
	require.NoError(t, err)
	require.EqualValues(t, 1, msgID)
}

func TestSendFailureLeavesRowForRedelivery(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{failures: 1}
	q := New(db, tr, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := q.Send(ctx, "chat-1", "placeholder", 0, "")
	require.Error(t, err)

	pending, err := q.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestGetStatsCounts(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{}
	q := New(db, tr, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "chat-1", "one", 0, "", 3)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "chat-1", "two", 0, "", 3)
	require.NoError(t, err)
	q.ProcessPending(ctx)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
	require.Equal(t, 2, stats.Sent24h)
}

func TestSent24hBoundaryAcrossTimeFormats(t *testing.T) {
	// sent_at is stored RFC 3339 ('T' separator) while the cutoff comes from
	// datetime('now'): rows just outside the window on the cutoff's own
	// calendar date must still be excluded.
	db := openTestDB(t)
	q := New(db, &fakeTransport{}, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	outside, err := q.Enqueue(ctx, "chat-1", "24.5h ago", 0, "", 3)
	require.NoError(t, err)
	inside, err := q.Enqueue(ctx, "chat-1", "23h ago", 0, "", 3)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`UPDATE outbound_queue SET status='sent', sent_at=strftime('%Y-%m-%dT%H:%M:%fZ', 'now', '-24 hours', '-30 minutes') WHERE id=?`,
		outside)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE outbound_queue SET status='sent', sent_at=strftime('%Y-%m-%dT%H:%M:%fZ', 'now', '-23 hours') WHERE id=?`,
		inside)
	require.NoError(t, err)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Sent24h)
}

func TestCleanupBoundaryAcrossTimeFormats(t *testing.T) {
	db := openTestDB(t)
	q := New(db, &fakeTransport{}, time.Second, nil, zerolog.Nop())
	ctx := context.Background()

	stale, err := q.Enqueue(ctx, "chat-1", "7d1h ago", 0, "", 3)
	require.NoError(t, err)
	fresh, err := q.Enqueue(ctx, "chat-1", "6d23h ago", 0, "", 3)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`UPDATE outbound_queue SET status='sent', created_at=strftime('%Y-%m-%dT%H:%M:%fZ', 'now', '-7 days', '-1 hours') WHERE id=?`,
		stale)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`UPDATE outbound_queue SET status='sent', created_at=strftime('%Y-%m-%dT%H:%M:%fZ', 'now', '-6 days', '-23 hours') WHERE id=?`,
		fresh)
	require.NoError(t, err)

	deleted, err := q.CleanupOldMessages(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	var remaining int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_queue`).Scan(&remaining))
	require.Equal(t, 1, remaining)
}

func TestProcessorLoopDrainsQueue(t *testing.T) {
	db := openTestDB(t)
	tr := &fakeTransport{}
	q := New(db, tr, 10*time.Millisecond, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "chat-1", "background", 0, "", 3)
	require.NoError(t, err)

	q.StartProcessor(ctx)
	defer q.StopProcessor()

	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
