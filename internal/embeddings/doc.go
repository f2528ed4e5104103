// Package embeddings provides the text embedding providers behind the
// vector index.
//
// Providers: fastembed (local ONNX models, needs cgo), tei (HuggingFace
// text-embeddings-inference over HTTP), openai (any OpenAI compatible
// embeddings endpoint) and hash (deterministic feature hashing, for tests
// and offline development). NewProvider selects one from configuration
// and wraps it with OTEL metrics.
package embeddings
