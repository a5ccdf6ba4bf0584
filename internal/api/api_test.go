package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/config"
	"docrag/internal/model"
	"docrag/internal/service"
	"docrag/internal/store"
)

const testDim = 64

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, text := range batch {
		v := make([]float32, f.dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			tok = strings.Trim(tok, ".,!?()[]{}#*`:;\"'")
			if tok == "" {
				continue
			}
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			v[h.Sum32()%uint32(f.dim)]++
		}
		var sum float64
		for _, f := range v {
			sum += float64(f) * float64(f)
		}
		if sum == 0 {
			v[0] = 1
		} else {
			inv := 1 / math.Sqrt(sum)
			for j := range v {
				v[j] = float32(float64(v[j]) * inv)
			}
		}
		out[i] = v
	}
	return out, nil
}

func (f fakeEmbedder) Dim() int { return f.dim }

type fakeGenerator struct {
	calls int
	reply string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, params model.GenerateParams) (model.GenerateResult, error) {
	g.calls++
	return model.GenerateResult{Text: g.reply, TokensGenerated: 33}, nil
}

func (g *fakeGenerator) ModelID() string                  { return "test-model" }
func (g *fakeGenerator) Healthy(ctx context.Context) bool { return true }

type testEnv struct {
	server *httptest.Server
	gen    *fakeGenerator
	dir    string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	snap := config.Default()
	snap.VectorDBPath = filepath.Join(dir, "vector_db")
	snap.ChunkSize = 200
	snap.ChunkOverlap = 0
	snap.MinChunkSize = 50
	manager, err := config.NewManager(snap)
	require.NoError(t, err)
	manager.SetEmbeddingDimension(testDim)

	vs := store.NewSQLiteStore(snap.VectorDBPath, snap.CollectionName, testDim, nil)
	require.NoError(t, vs.Open(context.Background()))
	t.Cleanup(func() { _ = vs.Close() })

	gen := &fakeGenerator{reply: "RAG reduces hallucinations by grounding answers in retrieved context."}
	svc := service.New(manager, fakeEmbedder{dim: testDim}, vs, gen, nil)

	router := NewRouter(NewHandler(svc, nil), nil)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, gen: gen, dir: dir}
}

func (e *testEnv) writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func sampleDocument() string {
	var b strings.Builder
	b.WriteString("# Intro\n\n")
	for i := 0; i < 60; i++ {
		b.WriteString("RAG combines retrieval with generation. ")
	}
	b.WriteString("\n\n# Details\n\n")
	for i := 0; i < 60; i++ {
		b.WriteString("It reduces hallucinations. ")
	}
	return b.String()
}

func TestIndexThenQueryHappyPath(t *testing.T) {
	env := newEnv(t)
	path := env.writeDoc(t, "doc.md", sampleDocument())

	resp, body := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var report service.IndexReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, "success", report.Status)
	assert.Equal(t, "doc.md", report.Filename)
	assert.GreaterOrEqual(t, report.ChunksCreated, 2)

	resp, body = env.do(t, http.MethodPost, "/api/rag/query", map[string]any{
		"query": "What reduces hallucinations?",
		"top_k": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result model.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Contains(t, result.Answer, "hallucinations")
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "Details", result.Sources[0].Heading)
	assert.Greater(t, result.Confidence, 0.5)
	assert.Equal(t, "test-model", result.ModelID)
	assert.Equal(t, 1, env.gen.calls)
}

func TestEmptyQueryRejected(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/rag/query", map[string]any{"query": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "validation")
}

func TestMissingFileIs404(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{
		"file_path": filepath.Join(env.dir, "absent.md"),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "not found")
}

func TestUnsupportedKindRejected(t *testing.T) {
	env := newEnv(t)
	path := env.writeDoc(t, "doc.txt", "plain text")

	resp, _ := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigUpdateTransactional(t *testing.T) {
	env := newEnv(t)

	_, before := env.do(t, http.MethodGet, "/api/rag/config", nil)

	resp, body := env.do(t, http.MethodPut, "/api/rag/config", map[string]any{
		"chunk_size":    1000,
		"chunk_overlap": 1500,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	_, after := env.do(t, http.MethodGet, "/api/rag/config", nil)
	assert.JSONEq(t, string(before), string(after))
}

func TestConfigImmutableField(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPut, "/api/rag/config", map[string]any{
		"embedding_model": "other-model",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "immutable")
}

func TestConfigUnknownFieldRejected(t *testing.T) {
	env := newEnv(t)

	resp, _ := env.do(t, http.MethodPut, "/api/rag/config", map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigUpdateApplies(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodPut, "/api/rag/config", map[string]any{"top_k": 9})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var snap config.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 9, snap.TopK)
}

func TestClearSemantics(t *testing.T) {
	env := newEnv(t)
	path := env.writeDoc(t, "doc.md", sampleDocument())

	resp, _ := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/rag/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/rag/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats service.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 0, stats.VectorStore.DocumentCount)

	resp, body = env.do(t, http.MethodPost, "/api/rag/query", map[string]any{"query": "anything at all"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result model.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "The provided documents do not contain information about this topic.", result.Answer)
	assert.Empty(t, result.Sources)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Equal(t, 0, env.gen.calls)
}

func TestInsufficientContextRefusal(t *testing.T) {
	// an indexed corpus plus a threshold no hit can reach must refuse, not
	// prompt the generator with weak context
	env := newEnv(t)
	path := env.writeDoc(t, "doc.md", sampleDocument())

	resp, _ := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/api/rag/config", map[string]any{"similarity_threshold": 0.8})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/rag/query", map[string]any{
		"query": "What is the population of Mars in 2050?",
		"top_k": 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result model.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "The provided documents do not contain information about this topic.", result.Answer)
	assert.Empty(t, result.Sources)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Equal(t, 0, env.gen.calls, "generator must not be called when every hit is below threshold")
}

func TestStatsShape(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/rag/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats service.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, "marker_documents", stats.VectorStore.CollectionName)
	assert.Equal(t, testDim, stats.EmbeddingModel.EmbeddingDimension)
	assert.NotEmpty(t, stats.Config.GeneratorModel)
}

func TestHealth(t *testing.T) {
	env := newEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/rag/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health service.Health
	require.NoError(t, json.Unmarshal(body, &health))
	assert.True(t, health.RAGEnabled)
	assert.True(t, health.EmbeddingsModelAvailable)
	assert.True(t, health.VectorStoreReady)
	assert.True(t, health.GeneratorAvailable)
}

func TestDisabledServiceReturns503(t *testing.T) {
	env := newEnv(t)

	resp, _ := env.do(t, http.MethodPut, "/api/rag/config", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/rag/query", map[string]any{"query": "q"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": "x.md"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIndexIdempotentOverHTTP(t *testing.T) {
	env := newEnv(t)
	path := env.writeDoc(t, "doc.md", sampleDocument())

	_, body := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	var first service.IndexReport
	require.NoError(t, json.Unmarshal(body, &first))

	_, body = env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	var second service.IndexReport
	require.NoError(t, json.Unmarshal(body, &second))

	assert.Equal(t, first.ChunksCreated, second.ChunksCreated)

	_, body = env.do(t, http.MethodGet, "/api/rag/stats", nil)
	var stats service.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, first.ChunksCreated, stats.VectorStore.DocumentCount)
}

func TestDimensionMismatchSurfacesAs500(t *testing.T) {
	// embedder suddenly produces a different dimensionality than the
	// collection was built with
	dir := t.TempDir()
	snap := config.Default()
	snap.VectorDBPath = filepath.Join(dir, "vector_db")
	manager, err := config.NewManager(snap)
	require.NoError(t, err)

	vs := store.NewSQLiteStore(snap.VectorDBPath, snap.CollectionName, testDim, nil)
	require.NoError(t, vs.Open(context.Background()))
	t.Cleanup(func() { _ = vs.Close() })

	svc := service.New(manager, fakeEmbedder{dim: testDim * 2}, vs, &fakeGenerator{reply: "x"}, nil)
	server := httptest.NewServer(NewRouter(NewHandler(svc, nil), nil))
	t.Cleanup(server.Close)

	path := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument()), 0o644))

	raw, _ := json.Marshal(map[string]any{"file_path": path})
	resp, err := http.Post(server.URL+"/api/rag/index", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, buf.String(), "dimension")
}

func TestQueryIncludeChunks(t *testing.T) {
	env := newEnv(t)
	path := env.writeDoc(t, "doc.md", sampleDocument())
	resp, _ := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := env.do(t, http.MethodPost, "/api/rag/query", map[string]any{
		"query":          "What reduces hallucinations?",
		"top_k":          2,
		"include_chunks": true,
	})
	var result model.QueryResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.NotEmpty(t, result.RetrievedChunks)
	assert.Equal(t, len(result.Sources), len(result.RetrievedChunks))
}

func TestJSONDocumentIndexing(t *testing.T) {
	env := newEnv(t)
	blocks := []map[string]any{}
	for i := 0; i < 40; i++ {
		blocks = append(blocks, map[string]any{
			"text":        fmt.Sprintf("Block %d explains conversion stage %d in detail.", i, i),
			"heading":     "Pipeline",
			"page_number": i/10 + 1,
		})
	}
	raw, err := json.Marshal(blocks)
	require.NoError(t, err)
	path := env.writeDoc(t, "doc.json", string(raw))

	resp, body := env.do(t, http.MethodPost, "/api/rag/index", map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var report service.IndexReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Greater(t, report.ChunksCreated, 0)
}
