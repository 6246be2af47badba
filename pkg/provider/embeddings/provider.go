// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// The pipeline embeds each meaningful unit's text once, right after unit
// construction, and persists the vector alongside the unit node. Embedding
// failures are tolerated: the unit is stored with a null embedding and the
// failure is logged for later recovery.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over a text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (Dimensions). Vectors from different providers or models
// must never be mixed in one similarity space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The
	// returned slice has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for several texts in one call. The result
	// has the same length and order as texts. On error, no partial results
	// are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the backend model identifier, for logging and for
	// verifying consistent model usage across an episode.
	ModelID() string
}
