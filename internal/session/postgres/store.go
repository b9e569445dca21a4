// Package postgres provides the PostgreSQL-backed [session.Store].
//
// Sessions and their result histories live in two tables; each appended
// result is stored as a JSONB document alongside a pgvector embedding of its
// transcript, which keeps past sessions searchable by semantic similarity.
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn, embedder, logger)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/candorlab/candor/internal/session"
	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/provider/embeddings"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS analysis_sessions (
    id         TEXT         PRIMARY KEY,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    in_flight  BOOLEAN      NOT NULL DEFAULT FALSE,
    last_used  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlResults returns the results DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlResults(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS analysis_results (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES analysis_sessions (id) ON DELETE CASCADE,
    document    JSONB        NOT NULL,
    transcript  TEXT         NOT NULL DEFAULT '',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_session
    ON analysis_results (session_id, id);

CREATE INDEX IF NOT EXISTS idx_analysis_results_embedding
    ON analysis_results USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate ensures the required tables, indexes, and the pgvector extension
// exist. Idempotent and safe to run on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	for _, stmt := range []string{ddlSessions, ddlResults(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

var _ session.Store = (*Store)(nil)

// Store is the PostgreSQL [session.Store]. All methods are safe for
// concurrent use; in-flight exclusion is enforced by a conditional UPDATE, so
// it holds across multiple processes sharing one database.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	logger   *slog.Logger
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate]. embedder may be nil, in which case result
// rows carry no embedding.
func New(ctx context.Context, dsn string, embedder embeddings.Provider, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	dims := 0
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	if dims == 0 {
		dims = 1536
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// Ping verifies database connectivity. Readiness checks use it.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Create implements [session.Store].
func (s *Store) Create(ctx context.Context) (session.Info, error) {
	id, err := generateID()
	if err != nil {
		return session.Info{}, fmt.Errorf("postgres store: generate id: %w", err)
	}
	var info session.Info
	err = s.pool.QueryRow(ctx,
		`INSERT INTO analysis_sessions (id) VALUES ($1) RETURNING id, created_at`,
		id,
	).Scan(&info.ID, &info.CreatedAt)
	if err != nil {
		return session.Info{}, fmt.Errorf("postgres store: create session: %w", err)
	}
	return info, nil
}

// Get implements [session.Store].
func (s *Store) Get(ctx context.Context, id string) (session.Info, error) {
	const q = `
		SELECT s.id, s.created_at,
		       (SELECT count(*) FROM analysis_results r WHERE r.session_id = s.id)
		FROM   analysis_sessions s
		WHERE  s.id = $1`

	var info session.Info
	err := s.pool.QueryRow(ctx, q, id).Scan(&info.ID, &info.CreatedAt, &info.TurnCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Info{}, session.ErrNotFound
	}
	if err != nil {
		return session.Info{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return info, nil
}

// Acquire implements [session.Store]. The conditional UPDATE admits exactly
// one caller even across processes.
func (s *Store) Acquire(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_sessions
		SET    in_flight = TRUE, last_used = now()
		WHERE  id = $1 AND NOT in_flight`, id)
	if err != nil {
		return fmt.Errorf("postgres store: acquire: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM analysis_sessions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres store: acquire: %w", err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrAnalysisInProgress
}

// Release implements [session.Store].
func (s *Store) Release(ctx context.Context, id string) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE analysis_sessions
		SET    in_flight = FALSE, last_used = now()
		WHERE  id = $1`, id); err != nil {
		s.logger.Warn("session release failed", "session_id", id, "error", err)
	}
}

// Append implements [session.Store]. The result document and its embedding
// are written in one transaction; an embedding failure degrades to a row
// without a vector rather than losing the result.
func (s *Store) Append(ctx context.Context, id string, result analysis.Result) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres store: marshal result: %w", err)
	}

	var vec *pgvector.Vector
	if s.embedder != nil && result.Transcript != "" {
		if raw, err := s.embedder.Embed(ctx, result.Transcript); err != nil {
			s.logger.Warn("transcript embedding failed", "session_id", id, "error", err)
		} else {
			v := pgvector.NewVector(raw)
			vec = &v
		}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_results (session_id, document, transcript, embedding)
		SELECT $1, $2, $3, $4
		WHERE  EXISTS (SELECT 1 FROM analysis_sessions WHERE id = $1)`,
		id, doc, result.Transcript, vec)
	if err != nil {
		return fmt.Errorf("postgres store: append result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// History implements [session.Store].
func (s *Store) History(ctx context.Context, id string) ([]analysis.Result, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT document
		FROM   analysis_results
		WHERE  session_id = $1
		ORDER  BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query history: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.Result, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return analysis.Result{}, err
		}
		var r analysis.Result
		if err := json.Unmarshal(doc, &r); err != nil {
			return analysis.Result{}, fmt.Errorf("unmarshal document: %w", err)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan history: %w", err)
	}
	if results == nil {
		results = []analysis.Result{}
	}
	return results, nil
}

// Delete implements [session.Store]. Result rows go with the session via
// ON DELETE CASCADE; deleting an unknown session is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM analysis_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	return nil
}

// generateID produces a random 16-byte hex string using crypto/rand.
func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Similar returns up to limit past results across all sessions whose
// transcript embedding is nearest to the query text, most similar first.
// Requires an embedder.
func (s *Store) Similar(ctx context.Context, query string, limit int) ([]analysis.Result, error) {
	if s.embedder == nil {
		return nil, errors.New("postgres store: similarity search needs an embeddings provider")
	}
	if limit <= 0 {
		limit = 10
	}
	raw, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT document
		FROM   analysis_results
		WHERE  embedding IS NOT NULL
		ORDER  BY embedding <=> $1
		LIMIT  $2`, pgvector.NewVector(raw), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similarity query: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.Result, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return analysis.Result{}, err
		}
		var r analysis.Result
		if err := json.Unmarshal(doc, &r); err != nil {
			return analysis.Result{}, fmt.Errorf("unmarshal document: %w", err)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan similarity rows: %w", err)
	}
	if results == nil {
		results = []analysis.Result{}
	}
	return results, nil
}
