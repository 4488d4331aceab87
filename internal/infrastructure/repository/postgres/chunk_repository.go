package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const schemaLockID = int64(2026101901)

// ChunkRepository is the relational catalog of built chunk corpora, keyed by build id.
type ChunkRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent indexer and api startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS index_builds (
	build_id TEXT PRIMARY KEY,
	chunk_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	build_id TEXT NOT NULL REFERENCES index_builds(build_id) ON DELETE CASCADE,
	chunk_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	title TEXT NOT NULL,
	source_url TEXT NOT NULL,
	position INTEGER NOT NULL,
	total_in_document INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	text TEXT NOT NULL,
	PRIMARY KEY (build_id, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_chunks_build_ordinal ON chunks(build_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_index_builds_created_at ON index_builds(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveCorpus stores one build's chunks in a single transaction. Re-saving a build overwrites it.
func (r *ChunkRepository) SaveCorpus(ctx context.Context, buildID string, chunks []domain.Chunk) error {
	if buildID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "save corpus", errors.New("build id is required"))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin corpus tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO index_builds (build_id, chunk_count, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (build_id) DO UPDATE SET chunk_count = EXCLUDED.chunk_count
`, buildID, len(chunks), r.now()); err != nil {
		return fmt.Errorf("insert index build: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chunks (
	build_id, chunk_id, ordinal, title, source_url, position, total_in_document, token_count, text
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (build_id, chunk_id) DO UPDATE SET
	ordinal = EXCLUDED.ordinal,
	title = EXCLUDED.title,
	source_url = EXCLUDED.source_url,
	position = EXCLUDED.position,
	total_in_document = EXCLUDED.total_in_document,
	token_count = EXCLUDED.token_count,
	text = EXCLUDED.text
`,
			buildID, c.ID, c.Ordinal, c.Title, c.SourceURL, c.Position, c.TotalInDocument, c.TokenCount, c.Text,
		); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit corpus tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) GetChunk(ctx context.Context, buildID, chunkID string) (*domain.Chunk, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT chunk_id, ordinal, title, source_url, position, total_in_document, token_count, text
FROM chunks
WHERE build_id = $1 AND chunk_id = $2
`, buildID, chunkID)

	var c domain.Chunk
	err := row.Scan(&c.ID, &c.Ordinal, &c.Title, &c.SourceURL, &c.Position, &c.TotalInDocument, &c.TokenCount, &c.Text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get chunk", fmt.Errorf("chunk %s in build %s", chunkID, buildID))
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return &c, nil
}

func (r *ChunkRepository) LatestBuildID(ctx context.Context) (string, error) {
	var buildID string
	err := r.db.QueryRowContext(ctx, `SELECT build_id FROM index_builds ORDER BY created_at DESC LIMIT 1`).Scan(&buildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.WrapError(domain.ErrNotFound, "latest build", errors.New("no builds recorded"))
		}
		return "", fmt.Errorf("scan latest build: %w", err)
	}
	return buildID, nil
}
