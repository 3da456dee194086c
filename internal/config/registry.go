package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	separation    map[string]func(ProviderEntry) (separation.Provider, error)
	embeddings    map[string]func(ProviderEntry) (embeddings.Provider, error)
	transcription map[string]func(ProviderEntry) (transcribe.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		separation:    make(map[string]func(ProviderEntry) (separation.Provider, error)),
		embeddings:    make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		transcription: make(map[string]func(ProviderEntry) (transcribe.Provider, error)),
	}
}

// RegisterSeparation registers a separation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSeparation(name string, factory func(ProviderEntry) (separation.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.separation[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterTranscription registers a transcription provider factory under name.
func (r *Registry) RegisterTranscription(name string, factory func(ProviderEntry) (transcribe.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcription[name] = factory
}

// CreateSeparation instantiates a separation provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateSeparation(entry ProviderEntry) (separation.Provider, error) {
	r.mu.RLock()
	factory, ok := r.separation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: separation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranscription instantiates a transcription provider using the factory
// registered under entry.Name.
func (r *Registry) CreateTranscription(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcription[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
