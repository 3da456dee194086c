// Package mock provides a test double for the embeddings package interfaces.
//
// Use Provider to feed controlled vectors per call and inspect the calls the
// pipeline made. Results are consumed in order: the i-th Embed call returns
// Vectors[i] (the last entry repeats once Vectors is exhausted).
package mock

import (
	"context"
	"sync"

	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Provider.Embed.
type EmbedCall struct {
	// NumSamples is the length of the samples slice passed in.
	NumSamples int
	// SampleRate is the sample rate passed in.
	SampleRate int
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors holds the embeddings returned by successive Embed calls. When
	// exhausted, the last entry is returned for every further call. When
	// empty, Embed returns a zero vector of Dim length.
	Vectors [][]float32

	// Errs, if non-empty, pairs with Vectors by call index: a non-nil entry
	// is returned as the call's error instead of a result.
	Errs []error

	// Dim is the value reported by Dimensions. Defaults to 192 when zero.
	Dim int

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	calls int
}

// Embed records the call and returns the next configured vector.
func (p *Provider) Embed(_ context.Context, samples []float32, sampleRate int) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{
		NumSamples: len(samples),
		SampleRate: sampleRate,
	})

	idx := p.calls
	p.calls++

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return nil, p.Errs[idx]
	}
	if len(p.Vectors) == 0 {
		return make([]float32, p.dim()), nil
	}
	if idx >= len(p.Vectors) {
		idx = len(p.Vectors) - 1
	}
	return p.Vectors[idx], nil
}

// Dimensions returns Dim, defaulting to 192.
func (p *Provider) Dimensions() int { return p.dim() }

func (p *Provider) dim() int {
	if p.Dim == 0 {
		return 192
	}
	return p.Dim
}

// ModelID returns a fixed test identifier.
func (p *Provider) ModelID() string { return "mock-embeddings" }

// CallCount returns the number of Embed calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
