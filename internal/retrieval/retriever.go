// Package retrieval embeds queries and ranks vector-store hits.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"docrag/internal/config"
	"docrag/internal/model"
)

type Retriever struct {
	embedder model.Embedder
	store    model.VectorStore
	logger   *zap.Logger
}

func New(embedder model.Embedder, store model.VectorStore, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{embedder: embedder, store: store, logger: logger}
}

// Retrieve embeds the query, searches the store and drops every hit below
// the similarity threshold. The result may be empty even on a populated
// store; the orchestrator answers that case with its deterministic refusal
// instead of prompting the generator with weak context.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, cfg config.Snapshot) ([]model.RetrievalHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", model.ErrValidation)
	}
	if topK <= 0 {
		topK = cfg.TopK
	}
	if topK > 20 {
		topK = 20
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one query", model.ErrInternal, len(vectors))
	}

	// over-fetch so threshold filtering still fills top_k
	hits, err := r.store.Search(ctx, vectors[0], topK*2)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []model.RetrievalHit{}, nil
	}

	filtered := make([]model.RetrievalHit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity >= cfg.SimilarityThreshold {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		r.logger.Debug("no hits at or above threshold",
			zap.Float64("threshold", cfg.SimilarityThreshold),
			zap.Int("candidates", len(hits)))
		return []model.RetrievalHit{}, nil
	}

	filtered = dedupeByChunkID(filtered)
	sort.SliceStable(filtered, func(a, b int) bool {
		if filtered[a].Similarity == filtered[b].Similarity {
			if filtered[a].DocID == filtered[b].DocID {
				return filtered[a].ChunkIndex < filtered[b].ChunkIndex
			}
			return filtered[a].DocID < filtered[b].DocID
		}
		return filtered[a].Similarity > filtered[b].Similarity
	})
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

func dedupeByChunkID(hits []model.RetrievalHit) []model.RetrievalHit {
	seen := make(map[string]struct{}, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if _, ok := seen[h.ChunkID]; ok {
			continue
		}
		seen[h.ChunkID] = struct{}{}
		out = append(out, h)
	}
	return out
}
