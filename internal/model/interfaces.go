package model

import "context"

// Embedder turns batches of text into fixed-dimension, L2-normalized vectors.
// Implementations must be safe for concurrent use and must preserve input
// order in the returned slice. Transport failures surface as
// ErrBackendUnavailable so callers can decide whether to retry.
type Embedder interface {
	Embed(ctx context.Context, batch []string) ([][]float32, error)
	Dim() int
}

// VectorStore is a persistent ANN index of (id, vector, metadata, text).
// Upsert is idempotent by ID. The collection has one fixed dimension;
// vectors of a different length are rejected with ErrDimensionMismatch.
type VectorStore interface {
	Upsert(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, vector []float32, topK int) ([]RetrievalHit, error)
	Delete(ctx context.Context, docID string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// Generator is a prompted completion backend, typically a local model server.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (GenerateResult, error)
	ModelID() string
	Healthy(ctx context.Context) bool
}
