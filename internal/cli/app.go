package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"docrag/internal/backend"
	"docrag/internal/config"
	"docrag/internal/service"
	"docrag/internal/store"
)

// app bundles everything a command needs, plus the cleanup hook for the
// store's database handle.
type app struct {
	svc    *service.Service
	logger *zap.Logger
	close  func()
}

// buildApp loads .env and the persisted config, then wires the service the
// same way regardless of which command asked for it.
func buildApp(ctx context.Context) (*app, error) {
	// .env values never override an already-exported environment
	_ = godotenv.Load(".env.local", ".env")

	logger, err := newLogger(globalFlags.Debug)
	if err != nil {
		return nil, err
	}

	configPath := globalFlags.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(config.Default().VectorDBPath, "config.json")
	}
	snap, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	dim := backend.DimForModel(snap.EmbeddingModel, snap.EmbeddingDimension)
	client := backend.NewClient(snap.GeneratorEndpoint, snap.EmbeddingModel, snap.GeneratorModel, dim, logger.Named("backend"))

	vs := store.NewSQLiteStore(snap.VectorDBPath, snap.CollectionName, dim, logger.Named("store"))
	if err := vs.Open(ctx); err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	manager, err := config.NewManager(snap)
	if err != nil {
		_ = vs.Close()
		logger.Sync()
		return nil, err
	}
	manager.SetEmbeddingDimension(dim)

	svc := service.New(manager, client, vs, client, logger)
	return &app{
		svc:    svc,
		logger: logger,
		close: func() {
			_ = vs.Close()
			_ = logger.Sync()
		},
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
