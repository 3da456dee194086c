// Package mock provides a test double for the transcribe package interfaces.
//
// Use Provider to feed controlled transcripts per call and inspect the calls
// the pipeline made. Results are consumed in order: the i-th Transcribe call
// returns Results[i] (the last entry repeats once Results is exhausted).
package mock

import (
	"context"
	"sync"

	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// NumSamples is the length of the samples slice passed in.
	NumSamples int
	// SampleRate is the sample rate passed in.
	SampleRate int
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Results holds the results returned by successive Transcribe calls. When
	// exhausted, the last entry is returned for every further call. When
	// empty, Transcribe returns a zero Result.
	Results []transcribe.Result

	// Errs, if non-empty, pairs with Results by call index: a non-nil entry
	// is returned as the call's error instead of a result.
	Errs []error

	// Delay, if set, is how long each Transcribe call blocks before
	// returning. Useful for exercising scheduler backpressure.
	Delay func()

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	calls int
}

// Transcribe records the call and returns the next configured result.
func (p *Provider) Transcribe(_ context.Context, samples []float32, sampleRate int) (transcribe.Result, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		NumSamples: len(samples),
		SampleRate: sampleRate,
	})
	idx := p.calls
	p.calls++
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		delay()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return transcribe.Result{}, p.Errs[idx]
	}
	if len(p.Results) == 0 {
		return transcribe.Result{}, nil
	}
	if idx >= len(p.Results) {
		idx = len(p.Results) - 1
	}
	return p.Results[idx], nil
}

// ModelID returns a fixed test identifier.
func (p *Provider) ModelID() string { return "mock-transcribe" }

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)
