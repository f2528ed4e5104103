package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/ragchat/internal/chunker"
	"github.com/fyrsmithlabs/ragchat/internal/documents"
	"github.com/fyrsmithlabs/ragchat/internal/embeddings"
	"github.com/fyrsmithlabs/ragchat/internal/generation"
	"github.com/fyrsmithlabs/ragchat/internal/telemetry"
	"github.com/fyrsmithlabs/ragchat/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	reqs []*generation.Request
	resp *generation.Response
	err  error
}

func (g *fakeGenerator) Complete(_ context.Context, req *generation.Request) (*generation.Response, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

func hello() *generation.Response {
	return &generation.Response{Choices: []generation.Choice{{
		Message: generation.Message{Role: generation.RoleAssistant, Content: "hello"},
	}}}
}

type fixture struct {
	pipeline *Pipeline
	index    *vectorstore.Index
	gen      *fakeGenerator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	c, err := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	require.NoError(t, err)
	emb, err := embeddings.NewHashProvider(64)
	require.NoError(t, err)
	idx, err := vectorstore.NewIndex(vectorstore.IndexConfig{Path: t.TempDir()}, emb, nil)
	require.NoError(t, err)

	gen := &fakeGenerator{resp: hello()}
	p, err := New(cfg, c, idx, gen, nil)
	require.NoError(t, err)
	return &fixture{pipeline: p, index: idx, gen: gen}
}

func flowDocs() []documents.Document {
	return []documents.Document{
		{Content: "Flow is a platform.", Metadata: map[string]any{"source": "about.md"}},
		{Content: "Flow supports chat.", Metadata: map[string]any{"source": "features.md"}},
	}
}

func TestIngestAndQuery_FlowScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	n, err := f.pipeline.Ingest(ctx, flowDocs())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.index.Len())

	results, err := f.index.Query(ctx, "What is Flow?", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, -1.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestAnswer_BuildsPrompt(t *testing.T) {
	f := newFixture(t, Config{TopK: 2})
	ctx := context.Background()
	_, err := f.pipeline.Ingest(ctx, flowDocs())
	require.NoError(t, err)

	ans, err := f.pipeline.Answer(ctx, "What is Flow?", "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", ans.Response.Text())
	require.Len(t, ans.Context, 2)

	require.Len(t, f.gen.reqs, 1)
	req := f.gen.reqs[0]
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, DefaultTemperature, req.Temperature)
	assert.Equal(t, "c1", req.ConversationID)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, generation.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, req.Messages[0].Content)

	want := "Context:\n" +
		"Document " + ans.Context[0].DocumentID + ": " + ans.Context[0].Content + "\n\n" +
		"Document " + ans.Context[1].DocumentID + ": " + ans.Context[1].Content +
		"\n\nQuestion: What is Flow?"
	assert.Equal(t, generation.RoleUser, req.Messages[1].Role)
	assert.Equal(t, want, req.Messages[1].Content)
}

func TestAnswer_EmptyIndex(t *testing.T) {
	f := newFixture(t, Config{})

	ans, err := f.pipeline.Answer(context.Background(), "anything", "")
	require.NoError(t, err)
	assert.Empty(t, ans.Context)

	req := f.gen.reqs[0]
	assert.Empty(t, req.ConversationID)
	assert.Equal(t, "Context:\n\n\nQuestion: anything", req.Messages[1].Content)
}

func TestAnswer_GatewayErrorBubbles(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.err = &generation.Error{StatusCode: 503, Detail: "down"}

	_, err := f.pipeline.Answer(context.Background(), "hi", "")
	var gerr *generation.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, 503, gerr.StatusCode)
	assert.Len(t, f.gen.reqs, 1, "no retries")
}

type failingStore struct{}

func (failingStore) Add(context.Context, []vectorstore.Chunk) (int, error) {
	return 0, &vectorstore.IngestionError{Op: "embed", Err: errors.New("boom")}
}

func (failingStore) Query(context.Context, string, int) ([]vectorstore.Result, error) {
	return nil, &vectorstore.RetrievalError{Op: "embed", Err: errors.New("boom")}
}

func TestStoreErrorsBubble(t *testing.T) {
	c, err := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	require.NoError(t, err)
	gen := &fakeGenerator{resp: hello()}
	p, err := New(Config{}, c, failingStore{}, gen, nil)
	require.NoError(t, err)

	_, err = p.Ingest(context.Background(), flowDocs())
	var ierr *vectorstore.IngestionError
	assert.ErrorAs(t, err, &ierr)

	_, err = p.Answer(context.Background(), "hi", "")
	var rerr *vectorstore.RetrievalError
	assert.ErrorAs(t, err, &rerr)
	assert.Empty(t, gen.reqs)
}

func TestIngest_BlankDocuments(t *testing.T) {
	f := newFixture(t, Config{})
	n, err := f.pipeline.Ingest(context.Background(), []documents.Document{{Content: "  \n"}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuildContext_FallbackIDs(t *testing.T) {
	items := BuildContext([]vectorstore.Result{
		{Text: "a", Score: 0.9, Metadata: vectorstore.Metadata{"source": "a.md"}},
		{Text: "b", Score: 0.5, Metadata: vectorstore.Metadata{}},
		{Text: "c", Score: -0.1},
	})
	assert.Equal(t, []ContextItem{
		{DocumentID: "a.md", Score: 0.9, Content: "a"},
		{DocumentID: "doc-1", Score: 0.5, Content: "b"},
		{DocumentID: "doc-2", Score: -0.1, Content: "c"},
	}, items)
}

func TestNew_NegativeTopK(t *testing.T) {
	_, err := New(Config{TopK: -1}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestSpans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.InstallGlobal(t)

	f := newFixture(t, Config{})
	_, err := f.pipeline.Ingest(context.Background(), flowDocs())
	require.NoError(t, err)
	_, err = f.pipeline.Answer(context.Background(), "What is Flow?", "")
	require.NoError(t, err)

	tel.AssertSpanExists(t, "Pipeline.Ingest")
	tel.AssertSpanExists(t, "Pipeline.Answer")
	tel.AssertSpanExists(t, "Index.Query")
}
