package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a pgvector-backed Store. Profiles live in a speakers
// table; each reference embedding is a row in speaker_embeddings with a
// vector column, so re-enrollment is a plain append and similarity search
// runs on the HNSW index. All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore, establishes a connection pool to
// the database at dsn, registers pgvector types on every connection, and
// runs Migrate to ensure the schema exists.
//
// embeddingDimensions must match the output dimension of the embedding
// provider (e.g., 192 for ECAPA-TDNN). Changing this value after the first
// migration requires a manual schema change.
func NewPostgresStore(ctx context.Context, dsn string, embeddingDimensions int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres registry: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres registry: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. It backs the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const ddlSpeakers = `
CREATE TABLE IF NOT EXISTS speakers (
    speaker_id   TEXT         PRIMARY KEY,
    display_name TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speakers_display_name
    ON speakers (display_name);
`

// ddlEmbeddings returns the embeddings DDL with the vector dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlEmbeddings(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speaker_embeddings (
    id         BIGSERIAL    PRIMARY KEY,
    speaker_id TEXT         NOT NULL REFERENCES speakers (speaker_id) ON DELETE CASCADE,
    embedding  vector(%d)   NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speaker_embeddings_speaker
    ON speaker_embeddings (speaker_id);

CREATE INDEX IF NOT EXISTS idx_speaker_embeddings_vec
    ON speaker_embeddings USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSpeakers,
		ddlEmbeddings(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres registry migrate: %w", err)
		}
	}
	return nil
}

// Insert stores a new profile and its reference embeddings in one
// transaction.
func (s *PostgresStore) Insert(ctx context.Context, p SpeakerProfile) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres registry: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO speakers (speaker_id, display_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)`,
		p.SpeakerID, p.DisplayName, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres registry: insert speaker: %w", err)
	}

	for _, e := range p.Embeddings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO speaker_embeddings (speaker_id, embedding) VALUES ($1, $2)`,
			p.SpeakerID, pgvector.NewVector(e),
		); err != nil {
			return fmt.Errorf("postgres registry: insert embedding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres registry: commit: %w", err)
	}
	return nil
}

// AppendEmbeddings adds reference embeddings to an existing profile.
func (s *PostgresStore) AppendEmbeddings(ctx context.Context, speakerID string, embs [][]float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres registry: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE speakers SET updated_at = $2 WHERE speaker_id = $1`,
		speakerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres registry: touch speaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, e := range embs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO speaker_embeddings (speaker_id, embedding) VALUES ($1, $2)`,
			speakerID, pgvector.NewVector(e),
		); err != nil {
			return fmt.Errorf("postgres registry: insert embedding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres registry: commit: %w", err)
	}
	return nil
}

// Get returns the profile for speakerID, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, speakerID string) (SpeakerProfile, error) {
	var p SpeakerProfile
	err := s.pool.QueryRow(ctx,
		`SELECT speaker_id, display_name, created_at, updated_at
		 FROM speakers WHERE speaker_id = $1`,
		speakerID,
	).Scan(&p.SpeakerID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SpeakerProfile{}, ErrNotFound
	}
	if err != nil {
		return SpeakerProfile{}, fmt.Errorf("postgres registry: get speaker: %w", err)
	}

	embs, err := s.loadEmbeddings(ctx, speakerID)
	if err != nil {
		return SpeakerProfile{}, err
	}
	p.Embeddings = embs
	return p, nil
}

// List returns all profiles ordered by creation time, each with its
// reference embeddings loaded.
func (s *PostgresStore) List(ctx context.Context) ([]SpeakerProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT speaker_id, display_name, created_at, updated_at
		 FROM speakers ORDER BY created_at, speaker_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: list speakers: %w", err)
	}

	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SpeakerProfile, error) {
		var p SpeakerProfile
		err := row.Scan(&p.SpeakerID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres registry: scan speakers: %w", err)
	}

	for i := range profiles {
		embs, err := s.loadEmbeddings(ctx, profiles[i].SpeakerID)
		if err != nil {
			return nil, err
		}
		profiles[i].Embeddings = embs
	}
	if profiles == nil {
		profiles = []SpeakerProfile{}
	}
	return profiles, nil
}

// BestMatches ranks profiles by their closest reference embedding using the
// pgvector cosine-distance operator. Similarity is 1 − distance.
func (s *PostgresStore) BestMatches(ctx context.Context, embedding []float32, limit int) ([]Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT speaker_id, 1 - MIN(embedding <=> $1) AS similarity
		 FROM   speaker_embeddings
		 GROUP  BY speaker_id
		 ORDER  BY similarity DESC, speaker_id
		 LIMIT  $2`,
		pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: best matches: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		err := row.Scan(&m.SpeakerID, &m.Similarity)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres registry: scan matches: %w", err)
	}
	if matches == nil {
		matches = []Match{}
	}
	return matches, nil
}

func (s *PostgresStore) loadEmbeddings(ctx context.Context, speakerID string) ([][]float32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT embedding FROM speaker_embeddings
		 WHERE speaker_id = $1 ORDER BY id`,
		speakerID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: load embeddings: %w", err)
	}

	embs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]float32, error) {
		var vec pgvector.Vector
		if err := row.Scan(&vec); err != nil {
			return nil, err
		}
		return vec.Slice(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres registry: scan embeddings: %w", err)
	}
	return embs, nil
}
