// Package postgres implements [retrieval.Index] over a PostgreSQL chunks
// table indexed with pgvector's HNSW cosine operator.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/inknowing/dialogue-runtime/pkg/retrieval"
)

// Compile-time check that Index satisfies retrieval.Index.
var _ retrieval.Index = (*Index)(nil)

// Index is the pgvector-backed Retrieval Index Adapter.
//
// All methods are safe for concurrent use.
type Index struct {
	pool     *pgxpool.Pool
	embedder retrieval.Embedder
}

// New establishes a connection pool to dsn, registers pgvector types on
// every connection, runs [Migrate], and returns an Index that embeds
// queries via embedder (spec §4.7: "embedding of the query is either
// performed in the adapter or requested through the Model Router's
// embedding descriptor" — embedder may be backed by either).
func New(ctx context.Context, dsn string, embeddingDimensions int, embedder retrieval.Embedder) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("retrieval index: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("retrieval index: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval index: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval index: migrate: %w", err)
	}

	return &Index{pool: pool, embedder: embedder}, nil
}

// Close releases all connections held by the underlying pool.
func (i *Index) Close() {
	i.pool.Close()
}

// Ping verifies connectivity to the underlying database, for use as a
// readiness/liveness check.
func (i *Index) Ping(ctx context.Context) error {
	return i.pool.Ping(ctx)
}

// IndexChunk upserts a pre-embedded chunk. Ingestion is out of the Dialogue
// Runtime's scope (spec §1 Non-goals), but the write path is exposed so
// the external vectorization pipeline can share this adapter's schema.
func (i *Index) IndexChunk(ctx context.Context, bookID, chunkID, content string, embedding []float32, chapterIndex, page, paragraphIndex int) error {
	vec := pgvector.NewVector(embedding)
	_, err := i.pool.Exec(ctx, `
		INSERT INTO chunks (id, book_id, content, embedding, chapter_index, page, paragraph_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			book_id = EXCLUDED.book_id, content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			chapter_index = EXCLUDED.chapter_index, page = EXCLUDED.page,
			paragraph_index = EXCLUDED.paragraph_index`,
		chunkID, bookID, content, vec, chapterIndex, page, paragraphIndex)
	if err != nil {
		return fmt.Errorf("retrieval index: index chunk %s: %w", chunkID, err)
	}
	return nil
}

// TopK implements [retrieval.Index]. On any failure — embedding or query —
// it logs and returns an empty, non-nil slice rather than an error,
// matching the soft-failure contract of spec §4.7/§7.
func (i *Index) TopK(ctx context.Context, bookID, queryText string, k int, filterRange *retrieval.ChapterRange) ([]retrieval.Chunk, error) {
	embedding, err := i.embedder.Embed(ctx, queryText)
	if err != nil {
		slog.Warn("retrieval index: embed query failed, returning empty", "book_id", bookID, "err", err)
		return []retrieval.Chunk{}, nil
	}

	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, bookID} // $1 = query vector, $2 = book_id
	where := "book_id = $2"
	if filterRange != nil {
		args = append(args, filterRange.From, filterRange.To)
		where += fmt.Sprintf(" AND chapter_index BETWEEN $%d AND $%d", len(args)-1, len(args))
	}

	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT content, chapter_index, page, paragraph_index, 1 - (embedding <=> $1) AS similarity
		FROM   chunks
		WHERE  %s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, where, limitArg)

	rows, err := i.pool.Query(ctx, q, args...)
	if err != nil {
		slog.Warn("retrieval index: query failed, returning empty", "book_id", bookID, "err", err)
		return []retrieval.Chunk{}, nil
	}

	results, err := pgx.CollectRows(rows, pgx.RowToStructByPos[retrieval.Chunk])
	if err != nil {
		slog.Warn("retrieval index: scan failed, returning empty", "book_id", bookID, "err", err)
		return []retrieval.Chunk{}, nil
	}
	if results == nil {
		results = []retrieval.Chunk{}
	}
	return results, nil
}
