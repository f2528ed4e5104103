package vectorstore_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/logging"
	"github.com/fyrsmithlabs/ragchat/internal/telemetry"
	"github.com/fyrsmithlabs/ragchat/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// fixedEmbedder returns preset vectors per text.
type fixedEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	docErr   error
	queryErr error
	calls    int
}

func newFixedEmbedder(vectors map[string][]float32) *fixedEmbedder {
	return &fixedEmbedder{vectors: vectors}
}

func (e *fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.docErr != nil {
		return nil, e.docErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectors[t]
	}
	return out, nil
}

func (e *fixedEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return e.vectors[text], nil
}

func chunk(text, source string) vectorstore.Chunk {
	return vectorstore.Chunk{Text: text, Metadata: vectorstore.Metadata{"source": source}}
}

func newIndex(t *testing.T, dir string, emb vectorstore.Embedder) *vectorstore.Index {
	t.Helper()
	idx, err := vectorstore.NewIndex(vectorstore.IndexConfig{Path: dir}, emb, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func TestNewIndex_Validation(t *testing.T) {
	_, err := vectorstore.NewIndex(vectorstore.IndexConfig{Path: t.TempDir()}, nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = vectorstore.NewIndex(vectorstore.IndexConfig{}, newFixedEmbedder(nil), nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestIndex_QueryOrdering(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{
		"opposite": {-1, 0},
		"aligned":  {1, 0},
		"diagonal": {0.6, 0.8},
		"q":        {1, 0},
	})
	idx := newIndex(t, t.TempDir(), emb)

	n, err := idx.Add(context.Background(), []vectorstore.Chunk{
		chunk("opposite", "a.txt"), chunk("aligned", "b.txt"), chunk("diagonal", "c.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := idx.Query(context.Background(), "q", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "aligned", results[0].Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, 1, results[0].Position)
	assert.Equal(t, "b.txt", results[0].Metadata["source"])

	assert.Equal(t, "diagonal", results[1].Text)
	assert.InDelta(t, 0.6, results[1].Score, 1e-6)

	assert.Equal(t, "opposite", results[2].Text)
	assert.InDelta(t, -1.0, results[2].Score, 1e-9)

	top, err := idx.Query(context.Background(), "q", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, []string{"aligned", "diagonal"}, []string{top[0].Text, top[1].Text})

	// k larger than the index returns everything.
	all, err := idx.Query(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIndex_TiesKeepInsertionOrder(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{
		"first":  {1, 0},
		"second": {2, 0},
		"third":  {3, 0},
		"other":  {0, 1},
		"q":      {1, 0},
	})
	idx := newIndex(t, t.TempDir(), emb)

	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("first", "1"), chunk("other", "2")})
	require.NoError(t, err)
	_, err = idx.Add(context.Background(), []vectorstore.Chunk{chunk("second", "3"), chunk("third", "4")})
	require.NoError(t, err)

	results, err := idx.Query(context.Background(), "q", 4)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "first", results[0].Text)
	assert.Equal(t, "second", results[1].Text)
	assert.Equal(t, "third", results[2].Text)
	assert.Equal(t, "other", results[3].Text)
	assert.Equal(t, results[0].Score, results[1].Score)
	assert.Equal(t, results[1].Score, results[2].Score)
}

func TestIndex_EmptyIndex(t *testing.T) {
	emb := newFixedEmbedder(nil)
	emb.queryErr = errors.New("must not be called")
	idx := newIndex(t, t.TempDir(), emb)

	for _, k := range []int{1, 4, 100} {
		results, err := idx.Query(context.Background(), "anything", k)
		require.NoError(t, err)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	}
	assert.Zero(t, emb.calls)
}

func TestIndex_DegenerateQuery(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{
		"doc": {1, 2, 3},
		"":    {0, 0, 0},
	})
	idx := newIndex(t, t.TempDir(), emb)
	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("doc", "d")})
	require.NoError(t, err)

	results, err := idx.Query(context.Background(), "", 2)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndex_ZeroStoredVector(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{
		"zero": {0, 0},
		"one":  {0, 1},
		"q":    {0, 1},
	})
	idx := newIndex(t, t.TempDir(), emb)
	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("zero", "z"), chunk("one", "o")})
	require.NoError(t, err)

	results, err := idx.Query(context.Background(), "q", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].Text)
	assert.Equal(t, "zero", results[1].Text)
	assert.False(t, math.IsNaN(results[1].Score))
	assert.Zero(t, results[1].Score)
}

func TestIndex_InvalidK(t *testing.T) {
	idx := newIndex(t, t.TempDir(), newFixedEmbedder(nil))
	for _, k := range []int{0, -1} {
		_, err := idx.Query(context.Background(), "q", k)
		assert.ErrorIs(t, err, vectorstore.ErrInvalidK)
	}
}

func TestIndex_QueryEmbeddingFailure(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{"doc": {1, 0}})
	idx := newIndex(t, t.TempDir(), emb)
	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("doc", "d")})
	require.NoError(t, err)

	emb.queryErr = errors.New("model offline")
	_, err = idx.Query(context.Background(), "q", 1)

	var retrievalErr *vectorstore.RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	assert.Contains(t, err.Error(), "model offline")
}

func TestIndex_AddIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	emb := newFixedEmbedder(map[string][]float32{
		"a":     {1, 0},
		"b":     {0, 1},
		"wide":  {1, 0, 0},
		"nan":   {float32(math.NaN()), 0},
		"empty": nil,
	})
	idx := newIndex(t, dir, emb)
	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("a", "a")})
	require.NoError(t, err)

	artifact := filepath.Join(dir, vectorstore.ArtifactName)
	before, err := os.ReadFile(artifact)
	require.NoError(t, err)

	tests := []struct {
		name   string
		chunks []vectorstore.Chunk
		setup  func()
		target error
	}{
		{"dimension mismatch", []vectorstore.Chunk{chunk("b", "b"), chunk("wide", "w")}, nil, vectorstore.ErrDimensionMismatch},
		{"non-finite", []vectorstore.Chunk{chunk("nan", "n")}, nil, vectorstore.ErrInvalidEmbedding},
		{"missing vector", []vectorstore.Chunk{chunk("empty", "e")}, nil, vectorstore.ErrDimensionMismatch},
		{"empty text", []vectorstore.Chunk{chunk("b", "b"), chunk("  ", "blank")}, nil, vectorstore.ErrEmptyText},
		{"bad metadata", []vectorstore.Chunk{{Text: "b", Metadata: vectorstore.Metadata{"tags": []string{"x"}}}}, nil, vectorstore.ErrInvalidMetadata},
		{"embedder failure", []vectorstore.Chunk{chunk("b", "b")}, func() { emb.docErr = errors.New("boom") }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			n, err := idx.Add(context.Background(), tt.chunks)
			assert.Zero(t, n)

			var ingestErr *vectorstore.IngestionError
			require.ErrorAs(t, err, &ingestErr)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}

			assert.Equal(t, 1, idx.Len())
			after, err := os.ReadFile(artifact)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestIndex_EmbedderCountMismatch(t *testing.T) {
	idx := newIndex(t, t.TempDir(), shortEmbedder{})
	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("a", "a"), chunk("b", "b")})
	assert.ErrorIs(t, err, vectorstore.ErrEmbeddingCount)
	assert.Zero(t, idx.Len())
}

type shortEmbedder struct{}

func (shortEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return [][]float32{{1, 0}}, nil
}

func (shortEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func TestIndex_PersistFailureLeavesStateUntouched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	emb := newFixedEmbedder(map[string][]float32{"a": {1, 0}})
	idx := newIndex(t, dir, emb)

	// A regular file where the directory should be makes the write fail.
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("a", "a")})
	var ingestErr *vectorstore.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, "persist", ingestErr.Op)
	assert.Zero(t, idx.Len())
}

func TestIndex_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	third := float32(1.0 / 3.0)
	emb := newFixedEmbedder(map[string][]float32{
		"alpha": {0.1, third, -2.5e-8},
		"beta":  {math.MaxFloat32, 1e-45, 7},
	})
	idx := newIndex(t, dir, emb)

	_, err := idx.Add(context.Background(), []vectorstore.Chunk{
		{Text: "alpha", Metadata: vectorstore.Metadata{"source": "a.md", "chunk_index": 0, "draft": true}},
		{Text: "beta", Metadata: vectorstore.Metadata{"source": "b.md", "chunk_index": int64(1), "author": nil}},
	})
	require.NoError(t, err)

	texts, metas, vectors := idx.Snapshot()

	reloaded := newIndex(t, dir, emb)
	rTexts, rMetas, rVectors := reloaded.Snapshot()

	assert.Equal(t, texts, rTexts)
	assert.Equal(t, metas, rMetas)
	assert.Equal(t, vectors, rVectors)
	assert.Equal(t, 3, reloaded.Dimension())
	assert.Equal(t, float64(1), rMetas[1]["chunk_index"])
	assert.Equal(t, third, rVectors[0][1])
	require.Len(t, rTexts, 2)
	assert.Len(t, rMetas, 2)
	assert.Len(t, rVectors, 2)
}

func TestIndex_CorruptArtifact(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", "{not json"},
		{"misaligned", `{"documents":["a","b"],"metadatas":[{}],"vectors":[[1],[1]]}`},
		{"ragged vectors", `{"documents":["a","b"],"metadatas":[{},{}],"vectors":[[1,2],[1]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			artifact := filepath.Join(dir, vectorstore.ArtifactName)
			require.NoError(t, os.WriteFile(artifact, []byte(tt.content), 0o644))

			logger := logging.NewTestLogger()
			idx, err := vectorstore.NewIndex(vectorstore.IndexConfig{Path: dir}, newFixedEmbedder(nil), logger.Underlying())
			require.NoError(t, err)

			assert.Zero(t, idx.Len())
			logger.AssertLogged(t, zapcore.ErrorLevel, "corrupt")

			quarantined, err := os.ReadFile(artifact + ".corrupt")
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(quarantined))
			assert.NoFileExists(t, artifact)
		})
	}
}

func TestIndex_ConfiguredDimensionEnforced(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{"a": {1, 0}})
	idx, err := vectorstore.NewIndex(vectorstore.IndexConfig{Path: t.TempDir(), Dimension: 3}, emb, nil)
	require.NoError(t, err)

	_, err = idx.Add(context.Background(), []vectorstore.Chunk{chunk("a", "a")})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestIndex_BatchedEmbedding(t *testing.T) {
	emb := newFixedEmbedder(map[string][]float32{"a": {1, 0}, "b": {0, 1}, "c": {1, 1}})
	idx, err := vectorstore.NewIndex(vectorstore.IndexConfig{Path: t.TempDir(), BatchSize: 2}, emb, nil)
	require.NoError(t, err)

	n, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("a", "1"), chunk("b", "2"), chunk("c", "3")})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, emb.calls)
}

func TestIndex_ConcurrentQueriesDuringAdds(t *testing.T) {
	vectors := map[string][]float32{"q": {1, 0}}
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		vectors[s] = []float32{1, 0}
	}
	emb := newFixedEmbedder(vectors)
	idx := newIndex(t, t.TempDir(), emb)

	var wg sync.WaitGroup
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk(s, s)})
			assert.NoError(t, err)
		}(s)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := idx.Query(context.Background(), "q", 8)
			assert.NoError(t, err)
			for _, r := range results {
				assert.Equal(t, r.Text, r.Metadata["source"])
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, idx.Len())
	texts, metas, vecs := idx.Snapshot()
	assert.Len(t, metas, len(texts))
	assert.Len(t, vecs, len(texts))
}

func TestIndex_Tracing(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.InstallGlobal(t)

	emb := newFixedEmbedder(map[string][]float32{"a": {1, 0}, "q": {1, 0}})
	idx := newIndex(t, t.TempDir(), emb)

	_, err := idx.Add(context.Background(), []vectorstore.Chunk{chunk("a", "a")})
	require.NoError(t, err)
	_, err = idx.Query(context.Background(), "q", 1)
	require.NoError(t, err)

	tel.AssertSpanExists(t, "Index.Add")
	tel.AssertSpanExists(t, "Index.Query")
}
