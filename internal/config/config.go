package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"docrag/internal/model"
)

// PromptVersion tags the answer prompt template carried by every snapshot.
// Bump when the template in the query package changes shape.
const PromptVersion = "v1"

// Snapshot is one immutable view of the runtime parameters. Handlers capture
// a snapshot at entry and use it throughout the request; mid-flight config
// updates never affect an operation already in progress.
type Snapshot struct {
	Enabled             bool    `json:"enabled"`
	ChunkSize           int     `json:"chunk_size"`
	ChunkOverlap        int     `json:"chunk_overlap"`
	MinChunkSize        int     `json:"min_chunk_size"`
	EmbedBatchSize      int     `json:"embed_batch_size"`
	EmbeddingModel      string  `json:"embedding_model"`
	EmbeddingDimension  int     `json:"embedding_dimension"`
	VectorDBPath        string  `json:"vector_db_path"`
	CollectionName      string  `json:"collection_name"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	GeneratorEndpoint   string  `json:"generator_endpoint"`
	GeneratorModel      string  `json:"generator_model"`
	Temperature         float64 `json:"temperature"`
	MaxTokens           int     `json:"max_tokens"`
	ContextWindow       int     `json:"context_window"`
	ContextChunkChars   int     `json:"context_chunk_chars"`
	PromptVersion       string  `json:"prompt_version"`
}

// Default returns the baseline snapshot. Values mirror what the upstream
// conversion tool ships with.
func Default() Snapshot {
	return Snapshot{
		Enabled:             true,
		ChunkSize:           800,
		ChunkOverlap:        100,
		MinChunkSize:        100,
		EmbedBatchSize:      32,
		EmbeddingModel:      "all-minilm",
		EmbeddingDimension:  384,
		VectorDBPath:        filepath.Join(".", "data", "vector_db"),
		CollectionName:      "marker_documents",
		TopK:                5,
		SimilarityThreshold: 0.3,
		GeneratorEndpoint:   "http://localhost:11434",
		GeneratorModel:      "gemma2:2b",
		Temperature:         0.3,
		MaxTokens:           512,
		ContextWindow:       2048,
		ContextChunkChars:   2000,
		PromptVersion:       PromptVersion,
	}
}

// mutableFields are the keys Update accepts. Everything else in the snapshot
// is either immutable (changing it requires a rebuild) or derived.
var mutableFields = map[string]struct{}{
	"enabled":              {},
	"chunk_size":           {},
	"chunk_overlap":        {},
	"min_chunk_size":       {},
	"embed_batch_size":     {},
	"top_k":                {},
	"similarity_threshold": {},
	"generator_endpoint":   {},
	"generator_model":      {},
	"temperature":          {},
	"max_tokens":           {},
	"context_window":       {},
	"context_chunk_chars":  {},
}

var immutableFields = map[string]struct{}{
	"embedding_model":     {},
	"embedding_dimension": {},
	"vector_db_path":      {},
	"collection_name":     {},
	"prompt_version":      {},
}

// Validate checks every range constraint. A snapshot that fails validation is
// never published.
func Validate(s Snapshot) error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{s.ChunkSize >= 200 && s.ChunkSize <= 2000, "chunk_size must be in [200, 2000]"},
		{s.ChunkOverlap >= 0 && s.ChunkOverlap <= 500, "chunk_overlap must be in [0, 500]"},
		{s.ChunkOverlap < s.ChunkSize, "chunk_overlap must be smaller than chunk_size"},
		{s.MinChunkSize >= 50, "min_chunk_size must be at least 50"},
		{s.MinChunkSize <= s.ChunkSize, "min_chunk_size must not exceed chunk_size"},
		{s.EmbedBatchSize >= 1 && s.EmbedBatchSize <= 256, "embed_batch_size must be in [1, 256]"},
		{s.TopK >= 1 && s.TopK <= 20, "top_k must be in [1, 20]"},
		{s.SimilarityThreshold >= 0 && s.SimilarityThreshold <= 1, "similarity_threshold must be in [0, 1]"},
		{s.GeneratorEndpoint != "", "generator_endpoint is required"},
		{s.Temperature >= 0 && s.Temperature <= 1, "temperature must be in [0, 1]"},
		{s.MaxTokens >= 1 && s.MaxTokens <= 8192, "max_tokens must be in [1, 8192]"},
		{s.ContextWindow >= 512 && s.ContextWindow <= 32768, "context_window must be in [512, 32768]"},
		{s.ContextChunkChars >= 200 && s.ContextChunkChars <= 8000, "context_chunk_chars must be in [200, 8000]"},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s", model.ErrValidation, c.msg)
		}
	}
	return nil
}

// Manager publishes immutable snapshots. Reads are a lock-free atomic pointer
// load; writers serialize on a mutex, validate the candidate, and swap the
// pointer only on success, so a rejected update leaves Get() byte-identical.
type Manager struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewManager publishes the given snapshot after validating it.
func NewManager(s Snapshot) (*Manager, error) {
	if s.PromptVersion == "" {
		s.PromptVersion = PromptVersion
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	m := &Manager{}
	m.current.Store(&s)
	return m, nil
}

// Get returns the current snapshot by value.
func (m *Manager) Get() Snapshot {
	return *m.current.Load()
}

// Update applies a patch of json-decoded values keyed by snapshot field name.
// Unknown keys fail with ErrNotFound, immutable keys with ErrImmutableField,
// and out-of-range results with ErrValidation; in every failure case the
// published snapshot is untouched.
func (m *Manager) Update(patch map[string]any) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.current.Load()
	for key, raw := range patch {
		if _, bad := immutableFields[key]; bad {
			return Snapshot{}, fmt.Errorf("%w: %s", model.ErrImmutableField, key)
		}
		if _, ok := mutableFields[key]; !ok {
			return Snapshot{}, fmt.Errorf("%w: unknown config field %q", model.ErrNotFound, key)
		}
		if err := applyField(&next, key, raw); err != nil {
			return Snapshot{}, err
		}
	}
	if err := Validate(next); err != nil {
		return Snapshot{}, err
	}

	m.current.Store(&next)
	return next, nil
}

// SetEmbeddingDimension records the dimension reported by the embedder at
// startup. It bypasses Update because the field is read-only for clients.
func (m *Manager) SetEmbeddingDimension(dim int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.current.Load()
	next.EmbeddingDimension = dim
	m.current.Store(&next)
}

func applyField(s *Snapshot, key string, raw any) error {
	switch key {
	case "enabled":
		v, ok := raw.(bool)
		if !ok {
			return typeErr(key, "boolean")
		}
		s.Enabled = v
	case "chunk_size":
		return setInt(&s.ChunkSize, key, raw)
	case "chunk_overlap":
		return setInt(&s.ChunkOverlap, key, raw)
	case "min_chunk_size":
		return setInt(&s.MinChunkSize, key, raw)
	case "embed_batch_size":
		return setInt(&s.EmbedBatchSize, key, raw)
	case "top_k":
		return setInt(&s.TopK, key, raw)
	case "similarity_threshold":
		return setFloat(&s.SimilarityThreshold, key, raw)
	case "generator_endpoint":
		return setString(&s.GeneratorEndpoint, key, raw)
	case "generator_model":
		return setString(&s.GeneratorModel, key, raw)
	case "temperature":
		return setFloat(&s.Temperature, key, raw)
	case "max_tokens":
		return setInt(&s.MaxTokens, key, raw)
	case "context_window":
		return setInt(&s.ContextWindow, key, raw)
	case "context_chunk_chars":
		return setInt(&s.ContextChunkChars, key, raw)
	}
	return nil
}

func setInt(dst *int, key string, raw any) error {
	// encoding/json decodes numbers into float64
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return typeErr(key, "integer")
	}
	*dst = int(f)
	return nil
}

func setFloat(dst *float64, key string, raw any) error {
	f, ok := raw.(float64)
	if !ok {
		return typeErr(key, "number")
	}
	*dst = f
	return nil
}

func setString(dst *string, key string, raw any) error {
	v, ok := raw.(string)
	if !ok {
		return typeErr(key, "string")
	}
	*dst = v
	return nil
}

func typeErr(key, want string) error {
	return fmt.Errorf("%w: %s must be a %s", model.ErrValidation, key, want)
}

// Load reads a snapshot from a JSON file. A missing file returns the
// defaults so first boot works without any setup.
func Load(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Snapshot{}, fmt.Errorf("read config %s: %w", path, err)
	}

	s := Default()
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.PromptVersion = PromptVersion
	if err := Validate(s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Save writes the snapshot as a single indented JSON object.
func Save(path string, s Snapshot) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
