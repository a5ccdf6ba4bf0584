package indexer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/config"
	"docrag/internal/model"
	"docrag/internal/store"
)

const testDim = 64

// fakeEmbedder hashes tokens into a fixed-dimension bag-of-words vector and
// normalizes it. Deterministic, and texts sharing tokens come out similar,
// which is all the pipeline tests need.
type fakeEmbedder struct {
	dim   int
	fail  error
	calls int
	mu    sync.Mutex
}

func (f *fakeEmbedder) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(batch))
	for i, text := range batch {
		out[i] = embedText(text, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dim() int { return f.dim }

func embedText(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?()[]{}#*`:;\"'")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%uint32(dim)]++
	}
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

func testConfig() config.Snapshot {
	cfg := config.Default()
	cfg.ChunkSize = 200
	cfg.ChunkOverlap = 20
	cfg.MinChunkSize = 50
	cfg.EmbedBatchSize = 4
	return cfg
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s := store.NewSQLiteStore(t.TempDir(), "test", testDim, nil)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func longDoc(section string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", section)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Paragraph %d of %s talks about topic%d in some depth. ", i, section, i)
	}
	return b.String()
}

func TestIndexDocumentCreatesChunks(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim}, s, nil)

	report, err := ix.IndexDocument(context.Background(), "a.md", longDoc("Alpha", 80), model.KindMarkdown, false, testConfig())
	require.NoError(t, err)
	assert.Greater(t, report.ChunksCreated, 1)
	assert.Equal(t, "a.md", report.DocID)
	assert.Greater(t, report.BytesIn, 0)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.ChunksCreated, count)
}

func TestReindexSameContentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim}, s, nil)
	ctx := context.Background()
	doc := longDoc("Alpha", 60)

	first, err := ix.IndexDocument(ctx, "a.md", doc, model.KindMarkdown, false, testConfig())
	require.NoError(t, err)
	countAfterFirst, err := s.Count(ctx)
	require.NoError(t, err)

	second, err := ix.IndexDocument(ctx, "a.md", doc, model.KindMarkdown, false, testConfig())
	require.NoError(t, err)
	countAfterSecond, err := s.Count(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ChunksCreated, second.ChunksCreated)
	assert.Equal(t, countAfterFirst, countAfterSecond)
}

func TestReindexChangedContentReplaces(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim}, s, nil)
	ctx := context.Background()

	_, err := ix.IndexDocument(ctx, "a.md", longDoc("Alpha", 80), model.KindMarkdown, false, testConfig())
	require.NoError(t, err)

	report, err := ix.IndexDocument(ctx, "a.md", longDoc("Beta", 30), model.KindMarkdown, false, testConfig())
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ChunksCreated, count, "old chunks for the doc must be replaced")

	// nothing from the old content survives
	hits, err := s.Search(ctx, embedText("Paragraph 5 of Alpha talks about topic5", testDim), 50)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, h.Text, "Alpha")
	}
}

func TestClearExisting(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim}, s, nil)
	ctx := context.Background()

	_, err := ix.IndexDocument(ctx, "a.md", longDoc("Alpha", 60), model.KindMarkdown, false, testConfig())
	require.NoError(t, err)

	report, err := ix.IndexDocument(ctx, "b.md", longDoc("Beta", 60), model.KindMarkdown, true, testConfig())
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ChunksCreated, count)
}

func TestEmbedFailureLeavesNoPartialDocument(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim, fail: model.ErrBackendUnavailable}, s, nil)
	ctx := context.Background()

	_, err := ix.IndexDocument(ctx, "a.md", longDoc("Alpha", 60), model.KindMarkdown, false, testConfig())
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEmptyDocumentRejected(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim}, s, nil)

	_, err := ix.IndexDocument(context.Background(), "a.md", "  \n ", model.KindMarkdown, false, testConfig())
	assert.ErrorIs(t, err, model.ErrEmptyDocument)
}

func TestConcurrentDistinctDocuments(t *testing.T) {
	s := newTestStore(t)
	ix := New(&fakeEmbedder{dim: testDim}, s, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]model.IndexReport, 2)
	errs := make([]error, 2)
	docs := []struct{ id, text string }{
		{"a.md", longDoc("Alpha", 80)},
		{"b.md", longDoc("Beta", 80)},
	}
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = ix.IndexDocument(ctx, docs[i].id, docs[i].text, model.KindMarkdown, false, testConfig())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, reports[0].ChunksCreated+reports[1].ChunksCreated, count)

	hits, err := s.Search(ctx, embedText("talks about topic in some depth", testDim), count)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, h := range hits {
		seen[h.DocID] = true
	}
	assert.Equal(t, map[string]bool{"a.md": true, "b.md": true}, seen)
}

func TestBatchingRespectsBatchSize(t *testing.T) {
	s := newTestStore(t)
	emb := &fakeEmbedder{dim: testDim}
	ix := New(emb, s, nil)

	cfg := testConfig()
	cfg.EmbedBatchSize = 2
	report, err := ix.IndexDocument(context.Background(), "a.md", longDoc("Alpha", 80), model.KindMarkdown, false, cfg)
	require.NoError(t, err)

	wantCalls := (report.ChunksCreated + 1) / 2
	assert.Equal(t, wantCalls, emb.calls)
}
