// Package queue implements the write-ahead outbound delivery queue
// (component I). Every outbound message is durably persisted before the
// transport is invoked; a background processor drains pending rows and a
// startup replay resets rows caught mid-send by a crash. Grounded
// line-for-line on original_source/remy/delivery/queue.py's state machine.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/apperr"
)

// Queue entry statuses (spec.md §3).
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Transport delivers messages to the chat platform. Sends return a stable
// message id; edits are idempotent (spec.md §6).
type Transport interface {
	SendMessage(ctx context.Context, chatID, text string, replyTo int64, parseMode string) (int64, error)
	EditMessage(ctx context.Context, chatID string, messageID int64, text, parseMode string) error
}

// Message is one row of the outbound queue.
type Message struct {
	ID           int64
	ChatID       string
	Text         string
	Type         string
	ReplyTo      int64
	ParseMode    string
	Status       string
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	SentAt       *time.Time
	ErrorMessage string
}

// Stats summarises queue state for /diagnostics.
type Stats struct {
	Pending  int
	Sending  int
	Sent24h  int
	Failed   int
}

type db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Mirror receives a copy of delivery events for external consumers. The
// write-ahead table stays the source of truth regardless; mirror failures
// are logged and ignored.
type Mirror interface {
	Publish(ctx context.Context, event string, payload any)
}

// Queue is the outbound queue (component I).
type Queue struct {
	db        db
	transport Transport
	interval  time.Duration
	mirror    Mirror
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a queue. transport may be nil until the chat adapter is live;
// the processor skips work until it is set.
func New(d db, transport Transport, interval time.Duration, mirror Mirror, log zerolog.Logger) *Queue {
	if interval <= 0 {
		interval = time.Second
	}
	return &Queue{db: d, transport: transport, interval: interval, mirror: mirror, log: log}
}

// Enqueue persists a message before any transport call, returning the queue
// entry id (the write-ahead step of spec.md §4.I).
func (q *Queue) Enqueue(ctx context.Context, chatID, text string, replyTo int64, parseMode string, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var reply any
	if replyTo != 0 {
		reply = replyTo
	}
	var mode any
	if parseMode != "" {
		mode = parseMode
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO outbound_queue (chat_id, message_text, message_type, reply_to_message_id, parse_mode, status, max_retries, created_at)
		 VALUES (?, ?, 'text', ?, ?, ?, ?, ?)`,
		chatID, text, reply, mode, StatusPending, maxRetries, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("enqueue: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	q.log.Debug().Int64("queue_id", id).Str("chat_id", chatID).Msg("enqueued message")
	return id, nil
}

// Send is the synchronous write-ahead path used for placeholder messages
// that need a transport handle for later edits (spec.md §4.K step 6): the
// row is persisted first, then delivered inline. On transport failure the
// row stays pending for the background processor and an error is returned.
func (q *Queue) Send(ctx context.Context, chatID, text string, replyTo int64, parseMode string) (int64, error) {
	queueID, err := q.Enqueue(ctx, chatID, text, replyTo, parseMode, 3)
	if err != nil {
		return 0, err
	}
	if err := q.markSending(ctx, queueID); err != nil {
		return 0, err
	}
	msgID, err := q.transport.SendMessage(ctx, chatID, text, replyTo, parseMode)
	if err != nil {
		q.markFailure(ctx, queueID, err.Error())
		return 0, fmt.Errorf("send: %w", err)
	}
	q.markSent(ctx, queueID)
	return msgID, nil
}

// GetPending returns up to limit pending rows, oldest first (FIFO per chat).
func (q *Queue) GetPending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, chat_id, message_text, message_type, reply_to_message_id, parse_mode,
		 status, retry_count, max_retries, created_at, sent_at, error_message
		 FROM outbound_queue WHERE status=? ORDER BY created_at ASC LIMIT ?`,
		StatusPending, limit,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var reply sql.NullInt64
		var mode, sentAt, errMsg, createdAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Text, &m.Type, &reply, &mode,
			&m.Status, &m.RetryCount, &m.MaxRetries, &createdAt, &sentAt, &errMsg); err != nil {
			return nil, err
		}
		m.ReplyTo = reply.Int64
		m.ParseMode = mode.String
		m.ErrorMessage = errMsg.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt.String); err == nil {
			m.CreatedAt = t
		}
		if sentAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, sentAt.String); err == nil {
				m.SentAt = &t
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queue) markSending(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE outbound_queue SET status=? WHERE id=?`, StatusSending, id)
	return err
}

func (q *Queue) markSent(ctx context.Context, id int64) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status=?, sent_at=? WHERE id=?`,
		StatusSent, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		q.log.Error().Err(err).Int64("queue_id", id).Msg("mark sent failed")
		return
	}
	if q.mirror != nil {
		q.mirror.Publish(ctx, "message_sent", map[string]any{"queue_id": id})
	}
}

// markFailure transitions back to pending while retries remain, else failed.
func (q *Queue) markFailure(ctx context.Context, id int64, errMsg string) {
	var retryCount, maxRetries int
	err := q.db.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM outbound_queue WHERE id=?`, id,
	).Scan(&retryCount, &maxRetries)
	if err != nil {
		return
	}
	retryCount++
	status := StatusPending
	if retryCount >= maxRetries {
		status = StatusFailed
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status=?, retry_count=?, error_message=? WHERE id=?`,
		status, retryCount, errMsg, id)
	if err != nil {
		q.log.Error().Err(err).Int64("queue_id", id).Msg("mark failure failed")
		return
	}
	if status == StatusFailed {
		q.log.Error().Int64("queue_id", id).Int("attempts", retryCount).Str("error", errMsg).Msg("message permanently failed")
	} else {
		q.log.Warn().Int64("queue_id", id).Int("attempt", retryCount).Int("max", maxRetries).Str("error", errMsg).Msg("message delivery failed, will retry")
	}
}

// ProcessPending delivers a batch of pending messages, returning how many
// were sent. Deliveries are strictly sequential, FIFO.
func (q *Queue) ProcessPending(ctx context.Context) int {
	if q.transport == nil {
		return 0
	}
	msgs, err := q.GetPending(ctx, 5)
	if err != nil {
		q.log.Error().Err(err).Msg("queue poll failed")
		return 0
	}
	processed := 0
	for _, m := range msgs {
		if err := q.markSending(ctx, m.ID); err != nil {
			continue
		}
		_, err := q.transport.SendMessage(ctx, m.ChatID, m.Text, m.ReplyTo, m.ParseMode)
		if err != nil {
			q.markFailure(ctx, m.ID, err.Error())
			continue
		}
		q.markSent(ctx, m.ID)
		processed++
	}
	return processed
}

// ReplayOnStartup resets rows stuck in sending back to pending: the
// transport call in flight at crash time is assumed unresolved and is
// redelivered (at-least-once semantics).
func (q *Queue) ReplayOnStartup(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status=? WHERE status=?`, StatusPending, StatusSending)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info().Int64("count", n).Msg("reset in-flight messages for replay")
	}
	return int(n), nil
}

// GetStats returns queue statistics for diagnostics.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		status string
		dest   *int
	}{
		{StatusPending, &s.Pending},
		{StatusSending, &s.Sending},
		{StatusFailed, &s.Failed},
	}
	for _, c := range counts {
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM outbound_queue WHERE status=?`, c.status).Scan(c.dest); err != nil {
			return s, err
		}
	}
	// sent_at is stored in RFC 3339 form ('T' separator); datetime() on both
	// sides normalizes the formats so the comparison is chronological, not
	// lexicographic.
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbound_queue WHERE status=? AND datetime(sent_at) > datetime('now', '-1 day')`,
		StatusSent).Scan(&s.Sent24h); err != nil {
		return s, err
	}
	return s, nil
}

// CleanupOldMessages removes sent/failed rows older than days days.
func (q *Queue) CleanupOldMessages(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 7
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM outbound_queue WHERE status IN (?, ?) AND datetime(created_at) < datetime('now', ?)`,
		StatusSent, StatusFailed, fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info().Int64("count", n).Msg("cleaned up old queue messages")
	}
	return int(n), nil
}

// StartProcessor launches the background delivery loop at the configured
// poll interval.
func (q *Queue) StartProcessor(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.processorLoop(ctx)
	q.log.Info().Dur("interval", q.interval).Msg("started outbound queue processor")
}

// StopProcessor halts the background loop, blocking until it exits.
func (q *Queue) StopProcessor() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stop)
	done := q.done
	q.mu.Unlock()
	<-done
	q.log.Info().Msg("stopped outbound queue processor")
}

func (q *Queue) processorLoop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.ProcessPending(ctx)
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
