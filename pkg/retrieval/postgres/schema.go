package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlChunks declares the chunks table keyed by book id, generalized from the
// teacher's session/speaker/entity-scoped L2 table to a book/chapter/page/
// paragraph locator. embeddingDimensions is interpolated into the vector
// column type since pgvector requires a fixed dimension per column.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    id              TEXT      PRIMARY KEY,
    book_id         TEXT      NOT NULL,
    content         TEXT      NOT NULL,
    embedding       vector(%d) NOT NULL,
    chapter_index   INT       NOT NULL DEFAULT 0,
    page            INT       NOT NULL DEFAULT 0,
    paragraph_index INT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chunks_book_id ON chunks (book_id);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw
    ON chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the chunks table and its indexes if they do not already
// exist. Idempotent; safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlChunks(embeddingDimensions)); err != nil {
		return fmt.Errorf("retrieval migrate: %w", err)
	}
	return nil
}
