// Package separation defines the Provider interface for speech-separation
// backends.
//
// A separation provider wraps a source-separation model (e.g., a SepFormer
// server) that splits one audio window containing overlapping speakers into
// up to maxSpeakers single-speaker channels. The returned channel order is
// arbitrary and NOT stable across calls — callers must not assume that
// channel i in one window belongs to the same speaker as channel i in the
// next. Resolving that correspondence is the pipeline's job, not the
// provider's.
//
// Implementations must be safe for concurrent use.
package separation

import "context"

// Provider is the abstraction over any speech-separation backend.
type Provider interface {
	// Separate splits one window of mono float32 samples into up to
	// maxSpeakers channels, each the same length as the input. The result may
	// contain fewer than maxSpeakers channels when the model detects fewer
	// active sources; channels of pure silence may or may not be included.
	//
	// Returns an error if the request fails, times out, or ctx is cancelled.
	Separate(ctx context.Context, samples []float32, sampleRate, maxSpeakers int) ([][]float32, error)

	// ModelID returns the provider-specific model identifier (e.g.,
	// "sepformer-wham"). Useful for logging.
	ModelID() string
}
