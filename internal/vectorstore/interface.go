// Package vectorstore holds the file-backed vector index used for retrieval.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidK is returned when a query asks for fewer than one result.
	ErrInvalidK = errors.New("k must be at least 1")

	// ErrDimensionMismatch indicates a vector whose length differs from the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbeddingCount indicates the embedder returned the wrong number of vectors.
	ErrEmbeddingCount = errors.New("embedder returned wrong number of vectors")

	// ErrInvalidEmbedding indicates a NaN or infinite component.
	ErrInvalidEmbedding = errors.New("embedding contains non-finite values")

	// ErrEmptyText indicates a chunk without text.
	ErrEmptyText = errors.New("chunk text is empty")

	// ErrInvalidMetadata indicates a metadata value that is not a scalar.
	ErrInvalidMetadata = errors.New("metadata values must be scalars")
)

// Embedder generates vector embeddings from text. Implementations must be
// deterministic for a given model.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// IngestionError reports a failed add. Nothing from the batch was stored.
type IngestionError struct {
	Op  string
	Err error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion %s: %v", e.Op, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// RetrievalError reports a failed query.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}
