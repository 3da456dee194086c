// Package transcribe defines the Provider interface for speech-to-text
// backends.
//
// A transcription provider converts a single-speaker audio segment to text.
// Segments arrive pre-separated, so implementations never need to handle
// overlapping speech.
//
// Implementations must be safe for concurrent use.
package transcribe

import "context"

// Result is the outcome of transcribing one audio segment.
type Result struct {
	// Text is the transcribed text, whitespace-trimmed. May be empty when the
	// segment contains no recognizable speech.
	Text string

	// Confidence is the model's confidence in [0, 1], or 0 when the backend
	// does not report one.
	Confidence float64
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe converts one mono float32 segment to text.
	//
	// Returns an error if the request fails, times out, or ctx is cancelled.
	// An empty transcript is not an error.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)

	// ModelID returns the provider-specific model identifier (e.g.,
	// "whisper-base.en"). Useful for logging.
	ModelID() string
}
