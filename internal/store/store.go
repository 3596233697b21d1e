// Package store opens the single-file knowledge.db and applies its schema.
// spec.md §6 requires every table (knowledge, embeddings, automations,
// outbound_queue, plans, plan_steps, plan_attempts, background_jobs) to live
// in one file. The teacher's persistence layer (internal/persistence)
// targets Postgres via pgx for a client-server deployment, which is
// incompatible with that single-file, single-process requirement; remy
// swaps the engine for embedded modernc.org/sqlite (SPEC_FULL.md §5) while
// keeping the teacher's shape of a constructor returning a thin wrapper
// struct around the driver handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle for knowledge.db.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema. A single process-wide pool is used, per spec.md §5's
// shared-resource policy; sqlite serializes writers internally, so the pool
// size is capped at 1 writer connection via SetMaxOpenConns only when the
// driver requires it — modernc.org/sqlite handles concurrent readers safely
// without that restriction, so it is left at the driver default.
func Open(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db := &DB{sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS knowledge (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	entity_type TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 1.0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_referenced_at DATETIME,
	source_session TEXT,
	embedding_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_knowledge_user_type ON knowledge(user_id, entity_type);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
	content, content='knowledge', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
	INSERT INTO knowledge_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
	INSERT INTO knowledge_fts(knowledge_fts, rowid, content) VALUES('delete', old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_au AFTER UPDATE ON knowledge BEGIN
	INSERT INTO knowledge_fts(knowledge_fts, rowid, content) VALUES('delete', old.id, old.content);
	INSERT INTO knowledge_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS embeddings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	source_type TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	content_text TEXT NOT NULL,
	model_name TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_user_type ON embeddings(user_id, source_type, source_id);

CREATE TABLE IF NOT EXISTS automations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	label TEXT NOT NULL,
	cron TEXT NOT NULL DEFAULT '',
	fire_at TEXT,
	last_run_at TEXT
);

CREATE TABLE IF NOT EXISTS outbound_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id TEXT NOT NULL,
	message_text TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	reply_to_message_id INTEGER,
	parse_mode TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at TEXT NOT NULL,
	sent_at TEXT,
	error_message TEXT,
	kafka_mirrored INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_queue(status, created_at);

CREATE TABLE IF NOT EXISTS plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS plan_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id INTEGER NOT NULL REFERENCES plans(id),
	position INTEGER NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE(plan_id, position)
);

CREATE TABLE IF NOT EXISTS plan_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	step_id INTEGER NOT NULL REFERENCES plan_steps(id),
	outcome TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	attempted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS background_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	detail TEXT NOT NULL DEFAULT ''
);
`

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
