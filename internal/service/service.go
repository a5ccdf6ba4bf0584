// Package service owns the assembled RAG pipeline: config, embedder, vector
// store, generator, and the operations the control surface dispatches to.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"docrag/internal/config"
	"docrag/internal/indexer"
	"docrag/internal/model"
	"docrag/internal/query"
	"docrag/internal/retrieval"
)

// Default deadlines per operation, applied at the request entry point.
const (
	IndexTimeout  = 5 * time.Minute
	QueryTimeout  = 2 * time.Minute
	HealthTimeout = 5 * time.Second
)

// Service is the explicit composition root: one value constructed at startup
// and shared by every handler. There is no package-level state.
type Service struct {
	Config    *config.Manager
	Embedder  model.Embedder
	Store     model.VectorStore
	Generator model.Generator

	indexer      *indexer.Indexer
	orchestrator *query.Orchestrator
	logger       *zap.Logger
}

// StoreStats is implemented by stores that can describe themselves beyond
// the VectorStore contract.
type StoreStats interface {
	Stats() model.VectorStoreStats
}

func New(cfg *config.Manager, embedder model.Embedder, store model.VectorStore, generator model.Generator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	retriever := retrieval.New(embedder, store, logger.Named("retrieval"))
	return &Service{
		Config:       cfg,
		Embedder:     embedder,
		Store:        store,
		Generator:    generator,
		indexer:      indexer.New(embedder, store, logger.Named("indexer")),
		orchestrator: query.New(retriever, generator, logger.Named("query")),
		logger:       logger,
	}
}

// IndexReport mirrors the /index response body.
type IndexReport struct {
	Status        string `json:"status"`
	Filename      string `json:"filename"`
	ChunksCreated int    `json:"chunks_created"`
	Message       string `json:"message"`
}

// Index reads filePath, detects the document kind from its extension, and
// runs the indexing pipeline. The file's base name becomes the doc_id.
func (s *Service) Index(ctx context.Context, filePath string, clearExisting bool) (IndexReport, error) {
	cfg := s.Config.Get()
	if !cfg.Enabled {
		return IndexReport{}, errDisabled()
	}

	kind, err := kindForPath(filePath)
	if err != nil {
		return IndexReport{}, err
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return IndexReport{}, fmt.Errorf("%w: file not found: %s", model.ErrNotFound, filePath)
		}
		return IndexReport{}, fmt.Errorf("read %s: %w", filePath, err)
	}

	docID := filepath.Base(filePath)
	report, err := s.indexer.IndexDocument(ctx, docID, string(raw), kind, clearExisting, cfg)
	if err != nil {
		return IndexReport{}, err
	}

	return IndexReport{
		Status:        "success",
		Filename:      docID,
		ChunksCreated: report.ChunksCreated,
		Message:       fmt.Sprintf("Successfully indexed %d chunks from %s", report.ChunksCreated, docID),
	}, nil
}

// Query answers a question against the indexed corpus.
func (s *Service) Query(ctx context.Context, queryText string, topK int, includeChunks bool) (model.QueryResult, error) {
	cfg := s.Config.Get()
	if !cfg.Enabled {
		return model.QueryResult{}, errDisabled()
	}
	return s.orchestrator.Answer(ctx, queryText, query.Options{TopK: topK, IncludeChunks: includeChunks}, cfg)
}

// Clear drops every indexed chunk but keeps the storage location.
func (s *Service) Clear(ctx context.Context) error {
	return s.Store.Clear(ctx)
}

// Stats mirrors the /stats response body.
type Stats struct {
	VectorStore    model.VectorStoreStats    `json:"vector_store"`
	EmbeddingModel model.EmbeddingModelStats `json:"embedding_model"`
	Config         config.Snapshot           `json:"config"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	cfg := s.Config.Get()

	var storeStats model.VectorStoreStats
	if described, ok := s.Store.(StoreStats); ok {
		storeStats = described.Stats()
	} else {
		count, err := s.Store.Count(ctx)
		if err != nil {
			return Stats{}, err
		}
		storeStats = model.VectorStoreStats{
			CollectionName: cfg.CollectionName,
			DocumentCount:  count,
			DBPath:         cfg.VectorDBPath,
		}
	}

	return Stats{
		VectorStore: storeStats,
		EmbeddingModel: model.EmbeddingModelStats{
			ModelName:          cfg.EmbeddingModel,
			EmbeddingDimension: s.Embedder.Dim(),
			Device:             "cpu",
		},
		Config: cfg,
	}, nil
}

// Health mirrors the /health response body.
type Health struct {
	RAGEnabled               bool   `json:"rag_enabled"`
	EmbeddingsModelAvailable bool   `json:"embeddings_model_available"`
	VectorStoreReady         bool   `json:"vector_store_ready"`
	GeneratorAvailable       bool   `json:"generator_available"`
	Message                  string `json:"message"`
}

func (s *Service) Health(ctx context.Context) Health {
	cfg := s.Config.Get()

	embeddingsOK := s.Embedder.Dim() > 0
	_, countErr := s.Store.Count(ctx)
	storeOK := countErr == nil
	generatorOK := s.Generator.Healthy(ctx)

	msg := "RAG system operational"
	if !embeddingsOK || !storeOK || !generatorOK {
		msg = "Some components unavailable"
	}
	return Health{
		RAGEnabled:               cfg.Enabled,
		EmbeddingsModelAvailable: embeddingsOK,
		VectorStoreReady:         storeOK,
		GeneratorAvailable:       generatorOK,
		Message:                  msg,
	}
}

// UpdateConfig applies a patch and persists the accepted snapshot next to
// the vector store.
func (s *Service) UpdateConfig(patch map[string]any) (config.Snapshot, error) {
	snap, err := s.Config.Update(patch)
	if err != nil {
		return config.Snapshot{}, err
	}
	if err := config.Save(filepath.Join(snap.VectorDBPath, "config.json"), snap); err != nil {
		s.logger.Warn("persist config", zap.Error(err))
	}
	return snap, nil
}

// ErrDisabled marks operations rejected because the master switch is off.
var ErrDisabled = errors.New("rag is disabled")

func errDisabled() error {
	return fmt.Errorf("%w: set enabled=true to use /index and /query", ErrDisabled)
}

func kindForPath(path string) (model.DocKind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return model.KindMarkdown, nil
	case ".json":
		return model.KindJSONBlocks, nil
	default:
		return "", fmt.Errorf("%w: unsupported file kind %q (expected .md or .json)", model.ErrValidation, filepath.Ext(path))
	}
}
