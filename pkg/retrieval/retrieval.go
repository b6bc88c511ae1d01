// Package retrieval defines the Retrieval Index Adapter: a uniform
// semantic-search API over an external vector store, scoped by book id.
package retrieval

import "context"

// ChapterRange optionally restricts a query to a contiguous chapter span.
type ChapterRange struct {
	From int
	To   int
}

// Chunk is one semantically-searchable excerpt of a book, keyed by its
// locator within the source text.
type Chunk struct {
	ChunkText      string
	ChapterIndex   int
	Page           int
	ParagraphIndex int
	Similarity     float64
}

// Index is the Retrieval Index Adapter contract (spec §4.7). Implementations
// must return an empty, non-nil slice rather than an error on soft failure —
// a degraded retrieval path should never fail a turn outright.
type Index interface {
	// TopK returns up to k chunks most similar to queryText, scoped to
	// bookID and optionally restricted to filterRange. Embedding of the
	// query is performed by the implementation, either directly or via an
	// injected [Embedder] (the postgres implementation takes one in its New).
	TopK(ctx context.Context, bookID, queryText string, k int, filterRange *ChapterRange) ([]Chunk, error)
}

// Embedder computes a single query embedding. Satisfied by
// pkg/provider/embeddings.Provider or by the Model Router's embedding
// descriptor path (spec §4.7: "embedding of the query is either performed
// in the adapter or requested through the Model Router's embedding
// descriptor").
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoIndex is an [Index] that always returns an empty result, for
// deployments with no retrieval backend configured.
type NoIndex struct{}

func (NoIndex) TopK(context.Context, string, string, int, *ChapterRange) ([]Chunk, error) {
	return nil, nil
}
