package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inknowing/dialogue-runtime/pkg/retrieval"
	"github.com/inknowing/dialogue-runtime/pkg/retrieval/postgres"
)

const testEmbeddingDim = 4

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DIALOGUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIALOGUE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// stubEmbedder returns a fixed vector regardless of input text, so TopK's
// ordering can be verified against hand-picked stored vectors.
type stubEmbedder struct {
	vec []float32
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, nil
}

func newTestIndex(t *testing.T, embedder retrieval.Embedder) *postgres.Index {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS chunks CASCADE"); err != nil {
		t.Fatalf("drop chunks: %v", err)
	}

	idx, err := postgres.New(ctx, dsn, testEmbeddingDim, embedder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(idx.Close)
	return idx
}

func TestTopKScopesByBookAndOrdersBySimilarity(t *testing.T) {
	idx := newTestIndex(t, stubEmbedder{vec: []float32{1, 0, 0, 0}})
	ctx := context.Background()

	if err := idx.IndexChunk(ctx, "book-1", "c1", "near match", []float32{1, 0, 0, 0}, 1, 1, 1); err != nil {
		t.Fatalf("index chunk c1: %v", err)
	}
	if err := idx.IndexChunk(ctx, "book-1", "c2", "far match", []float32{0, 1, 0, 0}, 2, 1, 1); err != nil {
		t.Fatalf("index chunk c2: %v", err)
	}
	if err := idx.IndexChunk(ctx, "book-2", "c3", "other book", []float32{1, 0, 0, 0}, 1, 1, 1); err != nil {
		t.Fatalf("index chunk c3: %v", err)
	}

	chunks, err := idx.TopK(ctx, "book-1", "query text", 5, nil)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("TopK: want 2 chunks scoped to book-1, got %d", len(chunks))
	}
	if chunks[0].ChunkText != "near match" {
		t.Errorf("TopK[0] = %q, want the closer match first", chunks[0].ChunkText)
	}
}

func TestTopKFiltersByChapterRange(t *testing.T) {
	idx := newTestIndex(t, stubEmbedder{vec: []float32{1, 0, 0, 0}})
	ctx := context.Background()

	if err := idx.IndexChunk(ctx, "book-1", "c1", "chapter 1", []float32{1, 0, 0, 0}, 1, 1, 1); err != nil {
		t.Fatalf("index chunk c1: %v", err)
	}
	if err := idx.IndexChunk(ctx, "book-1", "c2", "chapter 9", []float32{1, 0, 0, 0}, 9, 1, 1); err != nil {
		t.Fatalf("index chunk c2: %v", err)
	}

	chunks, err := idx.TopK(ctx, "book-1", "query", 5, &retrieval.ChapterRange{From: 0, To: 3})
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkText != "chapter 1" {
		t.Fatalf("TopK with chapter range: want only chapter 1, got %+v", chunks)
	}
}
