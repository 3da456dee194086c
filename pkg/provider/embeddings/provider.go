// Package embeddings defines the Provider interface for speaker-embedding
// backends.
//
// A speaker-embedding provider maps a single-speaker audio segment to a
// fixed-size vector (e.g., a 192-dimensional ECAPA-TDNN embedding) such that
// segments from the same speaker land close together under cosine similarity.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any speaker-embedding backend.
type Provider interface {
	// Embed computes a speaker embedding for one mono float32 segment. The
	// returned vector always has length Dimensions().
	//
	// Returns an error if the request fails, times out, or ctx is cancelled.
	Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// ModelID returns the provider-specific model identifier (e.g.,
	// "ecapa-tdnn"). Useful for logging.
	ModelID() string
}
