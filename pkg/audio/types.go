// Package audio provides the audio primitives shared by every pipeline stage:
// the chunk and channel value types, PCM format conversion, energy measurement,
// and Opus decoding for network ingest.
//
// Samples are mono float32 in the range [-1, 1] everywhere inside the
// pipeline. Conversion from wire formats (16-bit little-endian PCM, Opus)
// happens once at the ingest boundary.
package audio

import "time"

// AudioChunk is one fixed-duration window of the input stream. Chunks are
// immutable once produced by the chunker; WindowIndex is the ordering key for
// everything downstream.
type AudioChunk struct {
	// SessionID identifies the owning session.
	SessionID string

	// WindowIndex is the monotonically increasing window number within the
	// session, starting at 0.
	WindowIndex int64

	// StartTime is the offset of the window start relative to session start.
	StartTime time.Duration

	// Duration is the window length.
	Duration time.Duration

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Samples is mono float32 PCM in [-1, 1].
	Samples []float32
}

// SeparatedChannel is one of the up-to-k streams the separation stage returns
// for a window. Slot is an arbitrary index assigned by the separation model
// for that window only — it is NOT stable across windows; resolving slots to
// stable tracks is the correspondence engine's job.
type SeparatedChannel struct {
	WindowIndex int64
	Slot        int
	Samples     []float32
}

// Duration returns the channel's audio duration at the given sample rate.
func (c SeparatedChannel) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(sampleRate)
}
