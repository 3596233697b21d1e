// Package knowledge implements the unified knowledge store (component A):
// facts, goals and shopping items in one table with semantic deduplication
// on upsert. Grounded on original_source/remy/memory/knowledge.py's
// KnowledgeStore (merge algorithm, summary query, lifecycle operations).
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/local/remy/internal/memory/embedding"
)

// defaultFactMergeThreshold mirrors config.Config.FactMergeThreshold's
// default (config.FACT_MERGE_THRESHOLD env var, spec.md §4.A).
const defaultFactMergeThreshold = 0.15

// Valid fact categories, per spec.md §3.
var FactCategories = map[string]bool{
	"name": true, "location": true, "occupation": true, "health": true,
	"medical": true, "finance": true, "hobby": true, "relationship": true,
	"preference": true, "deadline": true, "project": true, "other": true,
}

const maxContentLen = 500

// Item is a knowledge item (spec.md §3). Metadata carries entity-type
// specific fields: facts require "category"; goals carry "status" and an
// optional "description"; shopping items carry none.
type Item struct {
	ID               int64
	UserID           int64
	EntityType       string // fact | goal | shopping_item
	Content          string
	Metadata         map[string]any
	Confidence       float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastReferencedAt *time.Time
	SourceSession    string
	EmbeddingID      *int64
}

// Category returns metadata["category"], defaulting to "other".
func (i Item) Category() string {
	if c, ok := i.Metadata["category"].(string); ok && c != "" {
		return c
	}
	return "other"
}

// Summary is the return shape of GetMemorySummary (spec.md §4.A).
type Summary struct {
	TotalFacts         int
	TotalGoals         int
	RecentFacts7d      int
	Categories         map[string]int
	OldestFactContent  string
	OldestFactCreated  time.Time
	HasOldestFact      bool
	PotentiallyStale   int
}

type db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the knowledge store (component A).
type Store struct {
	db         db
	embeddings *embedding.Store
	threshold  float64
}

// New builds a knowledge store. threshold is the fact-merge cosine-distance
// cutoff (spec.md §4.A default 0.15).
func New(d db, embeddings *embedding.Store, threshold float64) *Store {
	if threshold <= 0 {
		threshold = defaultFactMergeThreshold
	}
	return &Store{db: d, embeddings: embeddings, threshold: threshold}
}

// Upsert inserts items with semantic deduplication for facts (spec.md §4.A).
// Goals and shopping items use exact-match dedup only.
func (s *Store) Upsert(ctx context.Context, userID int64, items []Item, sessionKey string) error {
	for _, item := range items {
		if err := s.upsertOne(ctx, userID, item, sessionKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertOne(ctx context.Context, userID int64, item Item, sessionKey string) error {
	item.Content = truncate(item.Content, maxContentLen)
	if strings.TrimSpace(item.Content) == "" {
		return fmt.Errorf("knowledge: content must not be empty")
	}

	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM knowledge WHERE user_id=? AND entity_type=? AND LOWER(content)=LOWER(?)`,
		userID, item.EntityType, item.Content,
	).Scan(&existingID)
	if err == nil {
		return nil // exact match: abort with no write
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("dedup lookup: %w", err)
	}

	if item.EntityType == "fact" && s.embeddings != nil {
		merged, err := s.trySupersede(ctx, userID, item, sessionKey)
		if err != nil {
			return err
		}
		if merged {
			return nil
		}
	}

	_, err = s.insert(ctx, userID, item, sessionKey)
	return err
}

// trySupersede looks for a same-category semantic near-duplicate among the
// top-5 ANN neighbours and overwrites it in place, preserving the row id.
func (s *Store) trySupersede(ctx context.Context, userID int64, item Item, sessionKey string) (bool, error) {
	category := item.Category()
	matches, err := s.embeddings.SearchSimilarForType(ctx, userID, item.Content, "knowledge_fact", 5)
	if err != nil {
		return false, nil // ANN unavailable: fall through to insert
	}
	for _, m := range matches {
		if m.Distance >= s.threshold {
			continue
		}
		var metaRaw string
		err := s.db.QueryRowContext(ctx,
			`SELECT metadata FROM knowledge WHERE id=? AND user_id=?`, m.SourceID, userID,
		).Scan(&metaRaw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("load supersede candidate: %w", err)
		}
		var meta map[string]any
		_ = json.Unmarshal([]byte(metaRaw), &meta)
		matchCategory := "other"
		if c, ok := meta["category"].(string); ok && c != "" {
			matchCategory = c
		}
		if matchCategory != category {
			continue
		}
		if err := s.supersede(ctx, userID, m.SourceID, item.Content, item.Metadata, sessionKey); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) supersede(ctx context.Context, userID, itemID int64, content string, metadata map[string]any, sessionKey string) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	var sess any
	if sessionKey != "" {
		sess = sessionKey
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE knowledge SET content=?, metadata=?, updated_at=datetime('now'),
		 source_session=COALESCE(?, source_session) WHERE id=? AND user_id=?`,
		content, string(metaJSON), sess, itemID, userID,
	)
	if err != nil {
		return fmt.Errorf("supersede: %w", err)
	}
	if s.embeddings != nil {
		embID, err := s.embeddings.UpsertEmbedding(ctx, userID, "knowledge_fact", itemID, content)
		if err == nil {
			_, _ = s.db.ExecContext(ctx, `UPDATE knowledge SET embedding_id=? WHERE id=?`, embID, itemID)
		}
	}
	return nil
}

func (s *Store) insert(ctx context.Context, userID int64, item Item, sessionKey string) (int64, error) {
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return 0, err
	}
	confidence := item.Confidence
	if confidence == 0 {
		confidence = 1.0
	}
	var sess any
	if sessionKey != "" {
		sess = sessionKey
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (user_id, entity_type, content, metadata, confidence,
		 created_at, updated_at, last_referenced_at, source_session)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'), datetime('now'), ?)`,
		userID, item.EntityType, item.Content, string(metaJSON), confidence, sess,
	)
	if err != nil {
		return 0, fmt.Errorf("insert knowledge item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if s.embeddings != nil {
		embID, err := s.embeddings.UpsertEmbedding(ctx, userID, "knowledge_"+item.EntityType, id, item.Content)
		if err == nil {
			_, _ = s.db.ExecContext(ctx, `UPDATE knowledge SET embedding_id=? WHERE id=?`, embID, id)
		}
	}
	return id, nil
}

// AddItem manually inserts a single item bypassing extraction, returning its id.
func (s *Store) AddItem(ctx context.Context, userID int64, entityType, content string, metadata map[string]any) (int64, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	item := Item{EntityType: entityType, Content: truncate(content, maxContentLen), Metadata: metadata, Confidence: 1.0}
	if err := s.upsertOne(ctx, userID, item, ""); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM knowledge WHERE user_id=? AND entity_type=? AND content=? ORDER BY id DESC LIMIT 1`,
		userID, entityType, item.Content,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SearchKeyword runs an fts5 MATCH query scoped to one entity type, used as
// the second-stage fallback in the memory injector's retrieval protocol
// (spec.md §4.C) when ANN search returns nothing.
func (s *Store) SearchKeyword(ctx context.Context, userID int64, entityType, query string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := ftsQuery(query)
	if terms == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.id, k.entity_type, k.content, k.metadata, k.confidence, k.created_at, k.updated_at,
		 k.last_referenced_at, k.source_session, k.embedding_id
		 FROM knowledge k JOIN knowledge_fts f ON f.rowid = k.id
		 WHERE k.user_id=? AND k.entity_type=? AND knowledge_fts MATCH ?
		 ORDER BY bm25(knowledge_fts) LIMIT ?`,
		userID, entityType, terms, limit,
	)
	if err != nil {
		return nil, nil // fts query errors (e.g. malformed MATCH syntax) fall through to recency
	}
	defer rows.Close()
	return scanItems(rows, userID)
}

// ftsQuery turns free text into a conservative fts5 MATCH expression: each
// alphanumeric token ORed together, so any overlapping word counts as a hit.
func ftsQuery(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	for i, f := range fields {
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " OR ")
}

// GetByType fetches items of a type for a user, ordered most-recent first.
func (s *Store) GetByType(ctx context.Context, userID int64, entityType string, limit int, minConfidence float64) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, content, metadata, confidence, created_at, updated_at,
		 last_referenced_at, source_session, embedding_id
		 FROM knowledge WHERE user_id=? AND entity_type=? AND confidence >= ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, entityType, minConfidence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get_by_type: %w", err)
	}
	defer rows.Close()
	return scanItems(rows, userID)
}

func scanItems(rows *sql.Rows, userID int64) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var metaRaw string
		var lastRef sql.NullTime
		var sourceSession sql.NullString
		var embID sql.NullInt64
		if err := rows.Scan(&it.ID, &it.EntityType, &it.Content, &metaRaw, &it.Confidence,
			&it.CreatedAt, &it.UpdatedAt, &lastRef, &sourceSession, &embID); err != nil {
			return nil, err
		}
		it.UserID = userID
		_ = json.Unmarshal([]byte(metaRaw), &it.Metadata)
		if lastRef.Valid {
			t := lastRef.Time
			it.LastReferencedAt = &t
		}
		it.SourceSession = sourceSession.String
		if embID.Valid {
			it.EmbeddingID = &embID.Int64
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetMemorySummary returns the structured overview from spec.md §4.A.
func (s *Store) GetMemorySummary(ctx context.Context, userID int64) (Summary, error) {
	var sum Summary
	sum.Categories = map[string]int{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge WHERE user_id=? AND entity_type='fact'`, userID,
	).Scan(&sum.TotalFacts); err != nil {
		return sum, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge WHERE user_id=? AND entity_type='goal'`, userID,
	).Scan(&sum.TotalGoals); err != nil {
		return sum, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge WHERE user_id=? AND entity_type='fact' AND created_at >= datetime('now', '-7 days')`, userID,
	).Scan(&sum.RecentFacts7d); err != nil {
		return sum, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(json_extract(metadata, '$.category'), 'other') AS cat, COUNT(*)
		 FROM knowledge WHERE user_id=? AND entity_type='fact' GROUP BY cat ORDER BY COUNT(*) DESC`, userID,
	)
	if err != nil {
		return sum, err
	}
	for rows.Next() {
		var cat string
		var cnt int
		if err := rows.Scan(&cat, &cnt); err != nil {
			rows.Close()
			return sum, err
		}
		sum.Categories[cat] = cnt
	}
	rows.Close()

	var content string
	var created time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT content, created_at FROM knowledge WHERE user_id=? AND entity_type='fact' ORDER BY created_at ASC LIMIT 1`, userID,
	).Scan(&content, &created)
	if err == nil {
		sum.OldestFactContent = content
		sum.OldestFactCreated = created
		sum.HasOldestFact = true
	} else if err != sql.ErrNoRows {
		return sum, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge WHERE user_id=? AND entity_type='fact'
		 AND (last_referenced_at IS NULL OR last_referenced_at < datetime('now', '-90 days'))`, userID,
	).Scan(&sum.PotentiallyStale); err != nil {
		return sum, err
	}
	return sum, nil
}

// UpdateLastReferenced marks items as surfaced in a response context.
func (s *Store) UpdateLastReferenced(ctx context.Context, userID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE knowledge SET last_referenced_at=datetime('now') WHERE user_id=? AND id IN (%s)`, placeholders),
		args...,
	)
	return err
}

// Update changes content and/or metadata of an existing item.
func (s *Store) Update(ctx context.Context, userID, itemID int64, content string, metadata map[string]any) (bool, error) {
	var sets []string
	var args []any
	if content != "" {
		sets = append(sets, "content=?")
		args = append(args, truncate(content, maxContentLen))
	}
	if metadata != nil {
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata=?")
		args = append(args, string(metaJSON))
	}
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, itemID, userID)
	query := fmt.Sprintf(`UPDATE knowledge SET %s, updated_at=datetime('now') WHERE id=? AND user_id=?`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes a knowledge item and cascades to its embedding row
// (spec.md §3 and §8's explicit invariant — see DESIGN.md resolution #4).
func (s *Store) Delete(ctx context.Context, userID, itemID int64) (bool, error) {
	var embID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT embedding_id FROM knowledge WHERE id=? AND user_id=?`, itemID, userID).Scan(&embID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE id=? AND user_id=?`, itemID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if embID.Valid && s.embeddings != nil {
		_ = s.embeddings.DeleteEmbedding(ctx, embID.Int64)
	}
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
