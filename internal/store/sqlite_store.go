package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"docrag/internal/model"
)

// SQLiteStore is a persistent vector store. Rows are durable in SQLite and
// mirrored into memory at open time; searches scan the in-memory mirror
// under a read lock, so disk is only touched by writes.
//
// Searches share the read lock and run concurrently with each other. Upsert,
// Delete and Clear take the write lock, so each write excludes every Search
// and every other write.
type SQLiteStore struct {
	path       string
	collection string
	dim        int
	logger     *zap.Logger

	mu   sync.RWMutex
	db   *sql.DB
	rows map[string]*storedRow
}

type storedRow struct {
	seq   int64 // insertion order, preserved across replacement
	entry model.Entry
}

func NewSQLiteStore(dir, collection string, dim int, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{
		path:       filepath.Join(dir, collection+".sqlite"),
		collection: collection,
		dim:        dim,
		logger:     logger,
	}
}

// Open creates the schema if needed, checks that the persisted collection
// dimension matches the configured one, and loads every row into memory.
func (s *SQLiteStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS collection (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  name TEXT NOT NULL,
  dim INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  chunk_id TEXT NOT NULL UNIQUE,
  doc_id TEXT NOT NULL,
  chunk_index INTEGER NOT NULL,
  text TEXT NOT NULL,
  heading TEXT NOT NULL DEFAULT '',
  section_path TEXT NOT NULL DEFAULT '[]',
  page_number INTEGER NOT NULL DEFAULT 0,
  total_chunks INTEGER NOT NULL DEFAULT 0,
  vector BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	var storedDim int
	var storedName string
	err = db.QueryRowContext(ctx, `SELECT name, dim FROM collection WHERE id = 1`).Scan(&storedName, &storedDim)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx,
			`INSERT INTO collection(id, name, dim) VALUES(1, ?, ?)`, s.collection, s.dim); err != nil {
			_ = db.Close()
			return err
		}
	case err != nil:
		_ = db.Close()
		return err
	default:
		if storedDim != s.dim {
			_ = db.Close()
			return fmt.Errorf("%w: collection %s has dimension %d, embedder reports %d; rebuild required",
				model.ErrDimensionMismatch, storedName, storedDim, s.dim)
		}
	}

	rows, err := loadRows(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.rows = rows
	s.logger.Info("vector store opened",
		zap.String("path", s.path),
		zap.String("collection", s.collection),
		zap.Int("dim", s.dim),
		zap.Int("rows", len(rows)))
	return nil
}

func loadRows(ctx context.Context, db *sql.DB) (map[string]*storedRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT seq, chunk_id, doc_id, chunk_index, text, heading, section_path, page_number, total_chunks, vector
		 FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*storedRow)
	for rows.Next() {
		var (
			seq         int64
			entry       model.Entry
			sectionRaw  string
			vectorBlob  []byte
			pageNumber  int
			totalChunks int
			heading     string
		)
		if err := rows.Scan(&seq, &entry.ID, &entry.DocID, &entry.ChunkIndex, &entry.Text,
			&heading, &sectionRaw, &pageNumber, &totalChunks, &vectorBlob); err != nil {
			return nil, err
		}
		entry.Metadata = model.ChunkMetadata{
			Heading:     heading,
			PageNumber:  pageNumber,
			TotalChunks: totalChunks,
		}
		if sectionRaw != "" && sectionRaw != "[]" {
			if err := json.Unmarshal([]byte(sectionRaw), &entry.Metadata.SectionPath); err != nil {
				return nil, fmt.Errorf("decode section_path for %s: %w", entry.ID, err)
			}
		}
		entry.Vector = decodeVector(vectorBlob)
		out[entry.ID] = &storedRow{seq: seq, entry: entry}
	}
	return out, rows.Err()
}

// Upsert inserts or replaces entries by ID inside one transaction. Every
// vector is dimension-checked before any write happens so a bad batch leaves
// the store untouched.
func (s *SQLiteStore) Upsert(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if len(e.Vector) != s.dim {
			return fmt.Errorf("%w: entry %s has dimension %d, collection expects %d",
				model.ErrDimensionMismatch, e.ID, len(e.Vector), s.dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store not opened", model.ErrInternal)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks(chunk_id, doc_id, chunk_index, text, heading, section_path, page_number, total_chunks, vector)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET
		   doc_id=excluded.doc_id,
		   chunk_index=excluded.chunk_index,
		   text=excluded.text,
		   heading=excluded.heading,
		   section_path=excluded.section_path,
		   page_number=excluded.page_number,
		   total_chunks=excluded.total_chunks,
		   vector=excluded.vector`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		section, err := json.Marshal(e.Metadata.SectionPath)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.DocID, e.ChunkIndex, e.Text,
			e.Metadata.Heading, string(section), e.Metadata.PageNumber,
			e.Metadata.TotalChunks, encodeVector(e.Vector)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// mirror into memory; replacement keeps the original insertion seq
	for _, e := range entries {
		copied := e
		copied.Vector = append([]float32(nil), e.Vector...)
		if existing, ok := s.rows[e.ID]; ok {
			existing.entry = copied
			continue
		}
		var seq int64
		if err := s.db.QueryRowContext(ctx, `SELECT seq FROM chunks WHERE chunk_id = ?`, e.ID).Scan(&seq); err != nil {
			return err
		}
		s.rows[e.ID] = &storedRow{seq: seq, entry: copied}
	}
	return nil
}

// Search returns up to topK hits ordered by cosine similarity descending,
// ties broken by insertion order. An empty collection returns an empty
// slice, not an error.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]model.RetrievalHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query vector has dimension %d, collection expects %d",
			model.ErrDimensionMismatch, len(vector), s.dim)
	}
	if topK <= 0 {
		return []model.RetrievalHit{}, nil
	}

	type scored struct {
		row   *storedRow
		score float64
	}

	s.mu.RLock()
	candidates := make([]scored, 0, len(s.rows))
	for _, row := range s.rows {
		candidates = append(candidates, scored{row: row, score: cosineSimilarity(vector, row.entry.Vector)})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].score == candidates[b].score {
			return candidates[a].row.seq < candidates[b].row.seq
		}
		return candidates[a].score > candidates[b].score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	hits := make([]model.RetrievalHit, 0, len(candidates))
	for _, c := range candidates {
		e := c.row.entry
		hits = append(hits, model.RetrievalHit{
			ChunkID:    e.ID,
			DocID:      e.DocID,
			ChunkIndex: e.ChunkIndex,
			Text:       e.Text,
			Metadata:   e.Metadata,
			Similarity: clamp01(c.score),
		})
	}
	return hits, nil
}

// Delete removes every chunk belonging to docID.
func (s *SQLiteStore) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store not opened", model.ErrInternal)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return err
	}
	for id, row := range s.rows {
		if row.entry.DocID == docID {
			delete(s.rows, id)
		}
	}
	return nil
}

// Clear removes every entry but keeps the storage location and the recorded
// collection dimension.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store not opened", model.ErrInternal)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return err
	}
	s.rows = make(map[string]*storedRow)
	s.logger.Info("vector store cleared", zap.String("collection", s.collection))
	return nil
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// Stats describes the collection for the control surface.
func (s *SQLiteStore) Stats() model.VectorStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.VectorStoreStats{
		CollectionName: s.collection,
		DocumentCount:  len(s.rows),
		DBPath:         s.path,
	}
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.rows = nil
	return err
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / math.Sqrt(magA*magB)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
