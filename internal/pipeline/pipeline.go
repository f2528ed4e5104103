// Package pipeline composes chunking, the vector index and the generation
// gateway into ingestion and retrieval-augmented answering.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/documents"
	"github.com/fyrsmithlabs/ragchat/internal/generation"
	"github.com/fyrsmithlabs/ragchat/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragchat/internal/pipeline"

// DefaultSystemPrompt is the fixed system instruction.
const DefaultSystemPrompt = "You are a helpful assistant that uses the provided documents to answer " +
	"questions about the Flow platform. Cite the sources when relevant."

// Defaults for Config.
const (
	DefaultTopK        = 4
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.2
)

// Splitter turns documents into chunks.
type Splitter interface {
	Split(docs []documents.Document) []vectorstore.Chunk
}

// Store is the part of the vector index the pipeline uses.
type Store interface {
	Add(ctx context.Context, chunks []vectorstore.Chunk) (int, error)
	Query(ctx context.Context, text string, k int) ([]vectorstore.Result, error)
}

// Config holds prompt and retrieval settings. Zero values select the
// defaults above.
type Config struct {
	TopK         int
	Model        string
	Temperature  float64
	SystemPrompt string
}

// ContextItem is one retrieved fragment as reported to clients.
type ContextItem struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Content    string  `json:"content"`
}

// Answer is the gateway response together with the context it was given.
type Answer struct {
	Response *generation.Response `json:"response"`
	Context  []ContextItem        `json:"context"`
}

// Pipeline runs ingestion and answering.
type Pipeline struct {
	cfg       Config
	splitter  Splitter
	store     Store
	generator generation.Generator
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a Pipeline.
func New(cfg Config, splitter Splitter, store Store, generator generation.Generator, logger *zap.Logger) (*Pipeline, error) {
	if cfg.TopK < 0 {
		return nil, &config.ConfigurationError{Key: "retrieval.top_k", Reason: "must not be negative"}
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		splitter:  splitter,
		store:     store,
		generator: generator,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// Ingest chunks docs and adds the chunks to the index. It returns the
// number of chunks stored.
func (p *Pipeline) Ingest(ctx context.Context, docs []documents.Document) (n int, err error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Ingest", trace.WithAttributes(
		attribute.Int("documents", len(docs)),
	))
	defer func() {
		endSpan(span, err)
	}()

	chunks := p.splitter.Split(docs)
	if len(chunks) == 0 {
		return 0, nil
	}
	n, err = p.store.Add(ctx, chunks)
	if err != nil {
		return 0, err
	}
	p.logger.Info("ingested documents",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", n),
	)
	span.SetAttributes(attribute.Int("chunks", n))
	return n, nil
}

// Answer retrieves the top-k fragments for message, asks the gateway and
// returns its response with the ranked context. Nothing is retried here.
func (p *Pipeline) Answer(ctx context.Context, message, conversationID string) (ans *Answer, err error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Answer", trace.WithAttributes(
		attribute.Int("top_k", p.cfg.TopK),
	))
	defer func() {
		endSpan(span, err)
	}()

	results, err := p.store.Query(ctx, message, p.cfg.TopK)
	if err != nil {
		return nil, err
	}
	items := BuildContext(results)

	resp, err := p.generator.Complete(ctx, p.BuildRequest(message, items, conversationID))
	if err != nil {
		return nil, err
	}

	p.logger.Debug("answered message",
		zap.Int("context", len(items)),
		zap.String("conversation_id", conversationID),
	)
	return &Answer{Response: resp, Context: items}, nil
}

// BuildContext labels results by their source metadata, falling back to
// doc-<rank> for results without one.
func BuildContext(results []vectorstore.Result) []ContextItem {
	items := make([]ContextItem, len(results))
	for i, r := range results {
		id, ok := r.Metadata.Source()
		if !ok {
			id = fmt.Sprintf("doc-%d", i)
		}
		items[i] = ContextItem{DocumentID: id, Score: r.Score, Content: r.Text}
	}
	return items
}

// BuildRequest assembles the system instruction and the user turn holding
// the context fragments in ranked order.
func (p *Pipeline) BuildRequest(message string, items []ContextItem, conversationID string) *generation.Request {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf("Document %s: %s", it.DocumentID, it.Content)
	}
	user := "Context:\n" + strings.Join(parts, "\n\n") + "\n\nQuestion: " + message

	return &generation.Request{
		Model: p.cfg.Model,
		Messages: []generation.Message{
			{Role: generation.RoleSystem, Content: p.cfg.SystemPrompt},
			{Role: generation.RoleUser, Content: user},
		},
		Temperature:    p.cfg.Temperature,
		ConversationID: conversationID,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
