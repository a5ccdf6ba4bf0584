// Package indexer runs the document ingestion pipeline: chunk, embed in
// batches, then upsert into the vector store.
package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docrag/internal/chunker"
	"docrag/internal/config"
	"docrag/internal/model"
)

// embedMaxInflight caps concurrent embedding calls across all documents so
// a large indexing burst cannot starve the generator backend.
const embedMaxInflight = 2

type Indexer struct {
	embedder model.Embedder
	store    model.VectorStore
	logger   *zap.Logger

	docLocks *keyedMutex
	embedSem chan struct{}
}

func New(embedder model.Embedder, store model.VectorStore, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		embedder: embedder,
		store:    store,
		logger:   logger,
		docLocks: newKeyedMutex(),
		embedSem: make(chan struct{}, embedMaxInflight),
	}
}

// IndexDocument chunks, embeds and upserts one document. Re-indexing an
// existing doc_id replaces its previous chunks. Embedding happens before any
// upsert, so a document that fails midway leaves no partial presence in the
// store.
//
// Concurrent calls on distinct doc_ids proceed in parallel; calls on the
// same doc_id serialize on a keyed lock.
func (ix *Indexer) IndexDocument(ctx context.Context, docID, text string, kind model.DocKind, clearExisting bool, cfg config.Snapshot) (model.IndexReport, error) {
	started := time.Now()
	report := model.IndexReport{DocID: docID, BytesIn: len(text)}

	if clearExisting {
		if err := ix.store.Clear(ctx); err != nil {
			return report, fmt.Errorf("clear collection: %w", err)
		}
	}

	ch := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkSize, ix.logger)
	chunks, err := ch.ChunkDocument(docID, text, kind)
	if err != nil {
		return report, err
	}

	ix.docLocks.Lock(docID)
	defer ix.docLocks.Unlock(docID)

	if err := ix.embedChunks(ctx, chunks, cfg.EmbedBatchSize); err != nil {
		return report, err
	}

	// replace any prior chunks for this document now that the new set is
	// fully embedded
	if !clearExisting {
		if err := ix.store.Delete(ctx, docID); err != nil {
			return report, fmt.Errorf("delete prior chunks for %s: %w", docID, err)
		}
	}

	for start := 0; start < len(chunks); start += cfg.EmbedBatchSize {
		end := start + cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		entries := make([]model.Entry, 0, end-start)
		for _, c := range chunks[start:end] {
			entries = append(entries, model.Entry{
				ID:         c.ChunkID,
				DocID:      c.DocID,
				ChunkIndex: c.ChunkIndex,
				Vector:     c.Embedding,
				Text:       c.Text,
				Metadata:   c.Metadata,
			})
		}
		if err := ix.store.Upsert(ctx, entries); err != nil {
			// idempotent upserts make a retry on the same input safe
			report.ChunksCreated = start
			report.ElapsedMS = time.Since(started).Milliseconds()
			return report, fmt.Errorf("upsert batch at %d: %w", start, err)
		}
		report.ChunksCreated = end
	}

	report.ElapsedMS = time.Since(started).Milliseconds()
	ix.logger.Info("document indexed",
		zap.String("doc_id", docID),
		zap.Int("chunks", report.ChunksCreated),
		zap.Int("bytes_in", report.BytesIn),
		zap.Int64("elapsed_ms", report.ElapsedMS))
	return report, nil
}

// embedChunks fills in chunk embeddings batch by batch. Batches of one
// document run sequentially; the semaphore bounds parallelism across
// documents.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []model.Chunk, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 32
	}
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		select {
		case ix.embedSem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		<-ix.embedSem
		if err != nil {
			return fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("%w: embedder returned %d vectors for %d inputs", model.ErrInternal, len(vectors), len(texts))
		}
		for i := range vectors {
			chunks[start+i].Embedding = vectors[i]
		}
	}
	return nil
}
