// Package mock provides a test double for the separation package interfaces.
//
// Use Provider to feed controlled channel outputs per window and inspect the
// calls the pipeline made. Results are consumed in order: the i-th Separate
// call returns Results[i] (the last entry repeats once Results is exhausted).
package mock

import (
	"context"
	"sync"

	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation"
)

// SeparateCall records a single invocation of Provider.Separate.
type SeparateCall struct {
	// NumSamples is the length of the samples slice passed in.
	NumSamples int
	// SampleRate is the sample rate passed in.
	SampleRate int
	// MaxSpeakers is the max speaker count passed in.
	MaxSpeakers int
}

// Provider is a mock implementation of separation.Provider.
type Provider struct {
	mu sync.Mutex

	// Results holds the channel sets returned by successive Separate calls.
	// When exhausted, the last entry is returned for every further call.
	// When empty, Separate echoes the input as a single channel.
	Results [][][]float32

	// Errs, if non-empty, pairs with Results by call index: a non-nil entry
	// is returned as the call's error instead of a result.
	Errs []error

	// SeparateCalls records every call to Separate in order.
	SeparateCalls []SeparateCall

	calls int
}

// Separate records the call and returns the next configured result.
func (p *Provider) Separate(_ context.Context, samples []float32, sampleRate, maxSpeakers int) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SeparateCalls = append(p.SeparateCalls, SeparateCall{
		NumSamples:  len(samples),
		SampleRate:  sampleRate,
		MaxSpeakers: maxSpeakers,
	})

	idx := p.calls
	p.calls++

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return nil, p.Errs[idx]
	}
	if len(p.Results) == 0 {
		return [][]float32{samples}, nil
	}
	if idx >= len(p.Results) {
		idx = len(p.Results) - 1
	}
	return p.Results[idx], nil
}

// ModelID returns a fixed test identifier.
func (p *Provider) ModelID() string { return "mock-separation" }

// CallCount returns the number of Separate calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SeparateCalls)
}

// Ensure Provider implements separation.Provider at compile time.
var _ separation.Provider = (*Provider)(nil)
