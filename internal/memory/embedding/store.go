// Package embedding implements the embedding store (component B): a lazily
// loaded embedding client fronted by a bounded worker pool, backed by a
// Qdrant ANN index. Grounded on manifold/internal/embedding/client.go for
// the HTTP embed call and manifold/internal/persistence/databases/qdrant_vector.go
// for the ANN half (Upsert/Delete/SimilaritySearch, UUIDv5 point-id
// derivation, PAYLOAD_ID_FIELD convention).
package embedding

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/errgroup"

	"github.com/local/remy/internal/config"
)

// payloadIDField mirrors manifold's PAYLOAD_ID_FIELD: Qdrant only accepts
// UUIDs or positive integers as point ids, so non-UUID source ids are
// rederived as a deterministic UUIDv5 and the original kept in the payload.
const payloadIDField = "_original_id"

// userIDField, sourceTypeField and sourceIDField are payload keys used to
// scope ANN search to a user and a source_type (spec.md §4.B).
const (
	userIDField     = "user_id"
	sourceTypeField = "source_type"
	sourceIDField   = "source_id"
	contentField    = "content_text"
)

// Match is one ANN hit, resolved back to the originating row.
type Match struct {
	ID         int64
	SourceType string
	SourceID   int64
	Content    string
	Distance   float64 // 1 - cosine similarity; lower is more similar
}

// Row is a persisted embedding metadata row (spec.md §3 Embedding).
type Row struct {
	ID          int64
	UserID      int64
	SourceType  string
	SourceID    int64
	ContentText string
	ModelName   string
}

// metaStore is the subset of *store.DB the embedding store needs for the
// parallel "text as metadata row" half of spec.md §3's Embedding type.
// *store.DB (embedding *sql.DB) satisfies this directly.
type metaStore interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the embedding store (component B). The vendor ANN client is
// lazily created on first use so process startup never blocks on a
// reachability check the spec doesn't require.
type Store struct {
	cfg   config.EmbeddingConfig
	qcfg  config.QdrantConfig
	meta  metaStore
	pool  chan struct{} // bounds concurrent CPU-adjacent embed calls

	mu     sync.Mutex
	client *qdrant.Client
}

// New builds an embedding store. meta is the sqlite handle used for the
// "embeddings" metadata table; workers bounds the embed worker pool so embed
// never blocks the caller's event loop (spec.md §5).
func New(cfg config.EmbeddingConfig, qcfg config.QdrantConfig, meta metaStore, workers int) *Store {
	if workers <= 0 {
		workers = 4
	}
	return &Store{cfg: cfg, qcfg: qcfg, meta: meta, pool: make(chan struct{}, workers)}
}

// Embed computes an L2-normalized embedding vector for text, running on the
// bounded worker pool (spec.md §4.B: "must not block the I/O scheduling of
// concurrent requests").
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	s.pool <- struct{}{}
	defer func() { <-s.pool }()
	vecs, err := rawEmbed(ctx, s.cfg, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedBatch embeds many texts concurrently via an errgroup bounded by the
// same worker pool, preserving input order.
func (s *Store) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range texts {
		i, t := i, t
		g.Go(func() error {
			v, err := s.Embed(gctx, t)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) lazyClient() (*qdrant.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := newQdrantClient(s.qcfg, s.cfg.Dimension)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

// UpsertEmbedding stores content_text under the embeddings metadata table
// and indexes its vector in Qdrant, returning the new embedding row id.
func (s *Store) UpsertEmbedding(ctx context.Context, userID int64, sourceType string, sourceID int64, text string) (int64, error) {
	vec, err := s.Embed(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	res, err := s.meta.ExecContext(ctx,
		`INSERT INTO embeddings (user_id, source_type, source_id, content_text, model_name, created_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		userID, sourceType, sourceID, text, s.cfg.Model,
	)
	if err != nil {
		return 0, fmt.Errorf("store embedding row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("embedding row id: %w", err)
	}

	client, err := s.lazyClient()
	if err != nil {
		// ANN unavailable: metadata row still exists, keyword/recency fallback
		// covers retrieval per spec.md §4.B.
		return id, nil
	}
	pointID := pointIDFor(id)
	payload := map[string]any{
		payloadIDField:  strconv.FormatInt(id, 10),
		userIDField:     strconv.FormatInt(userID, 10),
		sourceTypeField: sourceType,
		sourceIDField:   strconv.FormatInt(sourceID, 10),
		contentField:    text,
	}
	if err := upsertPoint(ctx, client, s.qcfg.Collection, pointID, vec, payload); err != nil {
		return id, fmt.Errorf("ann upsert: %w", err)
	}
	return id, nil
}

// DeleteEmbedding removes both the metadata row and its ANN point, used by
// knowledge deletion cascade (spec.md §3, §8).
func (s *Store) DeleteEmbedding(ctx context.Context, id int64) error {
	if _, err := s.meta.ExecContext(ctx, `DELETE FROM embeddings WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete embedding row: %w", err)
	}
	client, err := s.lazyClient()
	if err != nil {
		return nil
	}
	return deletePoint(ctx, client, s.qcfg.Collection, pointIDFor(id))
}

// SearchSimilarForType runs an ANN search scoped to one user and source_type,
// resolving hits back to Row data via the qdrant payload (no extra sqlite
// round trip needed). Returns an empty slice, not an error, when the ANN
// index is unavailable — callers fall back to keyword search per spec.md
// §4.B.
func (s *Store) SearchSimilarForType(ctx context.Context, userID int64, query string, sourceType string, limit int) ([]Match, error) {
	client, err := s.lazyClient()
	if err != nil {
		return nil, nil
	}
	vec, err := s.Embed(ctx, query)
	if err != nil {
		return nil, nil
	}
	filter := map[string]string{
		userIDField:     strconv.FormatInt(userID, 10),
		sourceTypeField: sourceType,
	}
	hits, err := similaritySearch(ctx, client, s.qcfg.Collection, vec, limit, filter)
	if err != nil {
		return nil, nil
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		sid, _ := strconv.ParseInt(h.payload[sourceIDField], 10, 64)
		out = append(out, Match{
			SourceType: h.payload[sourceTypeField],
			SourceID:   sid,
			Content:    h.payload[contentField],
			Distance:   1 - h.score,
		})
	}
	return out, nil
}

// SearchSimilar is the unscoped variant: same ANN query across every
// source_type of a user.
func (s *Store) SearchSimilar(ctx context.Context, userID int64, query string, limit int) ([]Match, error) {
	client, err := s.lazyClient()
	if err != nil {
		return nil, nil
	}
	vec, err := s.Embed(ctx, query)
	if err != nil {
		return nil, nil
	}
	hits, err := similaritySearch(ctx, client, s.qcfg.Collection, vec, limit, map[string]string{
		userIDField: strconv.FormatInt(userID, 10),
	})
	if err != nil {
		return nil, nil
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		sid, _ := strconv.ParseInt(h.payload[sourceIDField], 10, 64)
		out = append(out, Match{
			SourceType: h.payload[sourceTypeField],
			SourceID:   sid,
			Content:    h.payload[contentField],
			Distance:   1 - h.score,
		})
	}
	return out, nil
}

func pointIDFor(rowID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strconv.FormatInt(rowID, 10))).String()
}
