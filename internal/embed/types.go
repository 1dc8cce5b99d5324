// Package embed provides pluggable vector embedding providers for
// knowledge-base ingestion and query-time embedding.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBatchSize caps batch size to bound memory use per request.
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single embedding call.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of retry attempts on a transient
	// provider failure.
	DefaultMaxRetries = 3
)

// Default local model constants (DefaultOllamaModel, nomic-embed-text).
const (
	// DefaultDimensions is the embedding dimension for the default model.
	DefaultDimensions = 768

	// DefaultContext is the model's context window in tokens.
	DefaultContext = 2048
)

// StaticDimensions is the embedding dimension for the offline static embedder.
const StaticDimensions = 256

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, internally chunked
	// into provider-sized sub-batches.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier, persisted alongside each
	// vector so a later model change is detectable.
	ModelName() string

	// Available reports whether the embedder is ready to serve requests.
	Available(ctx context.Context) bool

	Close() error
}

// normalizeVector L2-normalizes a vector to unit length, returning it
// unchanged if it is the zero vector.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
