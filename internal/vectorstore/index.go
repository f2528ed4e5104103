package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragchat/internal/vectorstore"

// IndexConfig configures an Index.
type IndexConfig struct {
	// Path is the directory holding the artifact.
	Path string

	// Dimension pins the vector length. Zero adopts the length of the
	// first stored vector.
	Dimension int

	// BatchSize bounds texts per EmbedDocuments call. Zero embeds the
	// whole batch in one call.
	BatchSize int
}

// Validate validates the configuration.
func (c *IndexConfig) Validate() error {
	if c.Path == "" {
		return &config.ConfigurationError{Key: "index.path", Reason: "required"}
	}
	if c.Dimension < 0 {
		return &config.ConfigurationError{Key: "index.dimension", Reason: "must not be negative"}
	}
	if c.BatchSize < 0 {
		return &config.ConfigurationError{Key: "index.batch_size", Reason: "must not be negative"}
	}
	return nil
}

// state is an immutable view of the index. Add publishes a new state
// instead of mutating the current one.
type state struct {
	texts   []string
	metas   []Metadata
	vectors [][]float32
	dim     int
}

// Index is an in-memory vector index persisted as one JSON artifact.
//
// Add calls are serialized. Queries never block on an in-flight Add: they
// see the state before or after the batch, never part of it.
type Index struct {
	cfg      IndexConfig
	path     string
	embedder Embedder
	logger   *zap.Logger
	tracer   trace.Tracer

	writeMu sync.Mutex

	mu  sync.RWMutex
	cur state
}

// NewIndex creates an index and loads the artifact under cfg.Path. A
// missing artifact yields an empty index. A corrupt one is logged, moved
// aside to store.json.corrupt and replaced by an empty index.
func NewIndex(cfg IndexConfig, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, &config.ConfigurationError{Key: "embeddings", Reason: "embedder is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	x := &Index{
		cfg:      cfg,
		path:     filepath.Join(cfg.Path, ArtifactName),
		embedder: embedder,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := x.load(); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *Index) load() error {
	a, dim, err := readArtifact(x.path, x.cfg.Dimension)
	switch {
	case errors.Is(err, errCorrupt):
		CorruptArtifacts.Inc()
		dest, qerr := quarantine(x.path)
		x.logger.Error("index artifact is corrupt, starting empty",
			zap.String("path", x.path),
			zap.String("quarantined_to", dest),
			zap.NamedError("quarantine_error", qerr),
			zap.Error(err),
		)
		x.cur = state{dim: x.cfg.Dimension}
		IndexedChunks.Set(0)
		return nil
	case err != nil:
		return err
	case a == nil:
		x.logger.Info("no index artifact found, starting empty", zap.String("path", x.path))
		x.cur = state{dim: x.cfg.Dimension}
		IndexedChunks.Set(0)
		return nil
	}

	if dim == 0 {
		dim = x.cfg.Dimension
	}
	x.cur = state{
		texts:   a.Documents,
		metas:   a.Metadatas,
		vectors: a.Vectors,
		dim:     dim,
	}
	IndexedChunks.Set(float64(len(a.Documents)))
	x.logger.Info("loaded index artifact",
		zap.String("path", x.path),
		zap.Int("chunks", len(a.Documents)),
		zap.Int("dimension", dim),
	)
	return nil
}

func (x *Index) snapshot() state {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cur
}

// Len returns the number of stored chunks.
func (x *Index) Len() int {
	return len(x.snapshot().texts)
}

// Dimension returns the vector dimension, or 0 while it is not yet known.
func (x *Index) Dimension() int {
	return x.snapshot().dim
}

// Path returns the artifact location.
func (x *Index) Path() string {
	return x.path
}

// Snapshot returns copies of the three aligned sequences.
func (x *Index) Snapshot() (texts []string, metas []Metadata, vectors [][]float32) {
	s := x.snapshot()
	texts = slices.Clone(s.texts)
	metas = make([]Metadata, len(s.metas))
	for i, m := range s.metas {
		metas[i] = m.Clone()
	}
	vectors = make([][]float32, len(s.vectors))
	for i, v := range s.vectors {
		vectors[i] = slices.Clone(v)
	}
	return texts, metas, vectors
}

// Add embeds chunks, appends them and persists the whole index. It is all
// or nothing: on any failure it returns an *IngestionError and neither the
// artifact nor the in-memory state changes.
func (x *Index) Add(ctx context.Context, chunks []Chunk) (n int, err error) {
	ctx, span := x.tracer.Start(ctx, "Index.Add", trace.WithAttributes(
		attribute.Int("chunks", len(chunks)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			AddTotal.WithLabelValues("error").Inc()
		} else if n > 0 {
			AddTotal.WithLabelValues("success").Inc()
		}
		span.End()
	}()

	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	metas := make([]Metadata, len(chunks))
	for i, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			return 0, &IngestionError{Op: "validate", Err: fmt.Errorf("%w: chunk %d", ErrEmptyText, i)}
		}
		m, err := normalizeMetadata(c.Metadata)
		if err != nil {
			return 0, &IngestionError{Op: "validate", Err: fmt.Errorf("chunk %d: %w", i, err)}
		}
		texts[i] = c.Text
		metas[i] = m
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	vectors, err := x.embedBatches(ctx, texts)
	if err != nil {
		return 0, err
	}

	cur := x.snapshot()
	dim := cur.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return 0, &IngestionError{Op: "embed", Err: fmt.Errorf("%w: chunk %d has %d, index has %d",
				ErrDimensionMismatch, i, len(v), dim)}
		}
		if !finite(v) {
			return 0, &IngestionError{Op: "embed", Err: fmt.Errorf("%w: chunk %d", ErrInvalidEmbedding, i)}
		}
	}

	// Clip forces append to copy, so readers holding cur keep a stable view.
	next := state{
		texts:   append(slices.Clip(cur.texts), texts...),
		metas:   append(slices.Clip(cur.metas), metas...),
		vectors: append(slices.Clip(cur.vectors), vectors...),
		dim:     dim,
	}

	if err := writeArtifact(x.path, &artifact{
		Documents: next.texts,
		Metadatas: next.metas,
		Vectors:   next.vectors,
	}); err != nil {
		return 0, &IngestionError{Op: "persist", Err: err}
	}

	x.mu.Lock()
	x.cur = next
	x.mu.Unlock()

	IndexedChunks.Set(float64(len(next.texts)))
	x.logger.Debug("indexed chunks",
		zap.Int("added", len(texts)),
		zap.Int("total", len(next.texts)),
	)
	return len(texts), nil
}

func (x *Index) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	size := x.cfg.BatchSize
	if size <= 0 {
		size = len(texts)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		batch := texts[start:min(start+size, len(texts))]
		out, err := x.embedder.EmbedDocuments(ctx, batch)
		if err != nil {
			return nil, &IngestionError{Op: "embed", Err: err}
		}
		if len(out) != len(batch) {
			return nil, &IngestionError{Op: "embed", Err: fmt.Errorf("%w: got %d for %d texts",
				ErrEmbeddingCount, len(out), len(batch))}
		}
		vectors = append(vectors, out...)
	}
	return vectors, nil
}

// Query returns the k chunks most similar to text by cosine similarity,
// highest score first, ties in insertion order. An empty index or a
// zero-norm query embedding yields an empty result.
func (x *Index) Query(ctx context.Context, text string, k int) (results []Result, err error) {
	start := time.Now()
	ctx, span := x.tracer.Start(ctx, "Index.Query", trace.WithAttributes(
		attribute.Int("k", k),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("results", len(results)))
		span.End()
		QueryDuration.Observe(time.Since(start).Seconds())
	}()

	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}

	s := x.snapshot()
	if len(s.texts) == 0 {
		return []Result{}, nil
	}

	q, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, &RetrievalError{Op: "embed", Err: err}
	}
	if len(q) != s.dim {
		return nil, &RetrievalError{Op: "embed", Err: fmt.Errorf("%w: query has %d, index has %d",
			ErrDimensionMismatch, len(q), s.dim)}
	}
	if !finite(q) {
		return nil, &RetrievalError{Op: "embed", Err: ErrInvalidEmbedding}
	}

	qNorm := norm(q)
	if qNorm == 0 {
		x.logger.Debug("degenerate query embedding", zap.Int("text_len", len(text)))
		return []Result{}, nil
	}

	top := topK(s.vectors, q, qNorm, k)
	results = make([]Result, len(top))
	for i, hit := range top {
		results[i] = Result{
			Text:     s.texts[hit.pos],
			Metadata: s.metas[hit.pos].Clone(),
			Score:    hit.score,
			Position: hit.pos,
		}
	}
	return results, nil
}
