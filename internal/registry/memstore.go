package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
)

// Compile-time assertion that MemStore implements Store.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and DSN-less runs. Profiles are
// lost on process exit. Safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	profiles map[string]SpeakerProfile
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{profiles: make(map[string]SpeakerProfile)}
}

// Insert stores a new profile. Fails if the speaker id already exists.
func (s *MemStore) Insert(_ context.Context, p SpeakerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[p.SpeakerID]; exists {
		return fmt.Errorf("memstore: speaker %s already exists", p.SpeakerID)
	}
	s.profiles[p.SpeakerID] = cloneProfile(p)
	return nil
}

// AppendEmbeddings adds reference embeddings to an existing profile.
func (s *MemStore) AppendEmbeddings(_ context.Context, speakerID string, embs [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[speakerID]
	if !ok {
		return ErrNotFound
	}
	for _, e := range embs {
		p.Embeddings = append(p.Embeddings, cloneVector(e))
	}
	p.UpdatedAt = time.Now().UTC()
	s.profiles[speakerID] = p
	return nil
}

// Get returns the profile for speakerID, or ErrNotFound.
func (s *MemStore) Get(_ context.Context, speakerID string) (SpeakerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[speakerID]
	if !ok {
		return SpeakerProfile{}, ErrNotFound
	}
	return cloneProfile(p), nil
}

// List returns all profiles ordered by creation time.
func (s *MemStore) List(_ context.Context) ([]SpeakerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpeakerProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SpeakerID < out[j].SpeakerID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// BestMatches scores every profile by its closest reference embedding and
// returns the top matches by descending similarity. Ties break by lowest
// speaker id for determinism.
func (s *MemStore) BestMatches(_ context.Context, embedding []float32, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.profiles))
	for id, p := range s.profiles {
		best := -1.0
		for _, ref := range p.Embeddings {
			if sim := embeddings.Cosine(embedding, ref); sim > best {
				best = sim
			}
		}
		if len(p.Embeddings) > 0 {
			matches = append(matches, Match{SpeakerID: id, Similarity: best})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			return matches[i].SpeakerID < matches[j].SpeakerID
		}
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func cloneProfile(p SpeakerProfile) SpeakerProfile {
	out := p
	out.Embeddings = make([][]float32, len(p.Embeddings))
	for i, e := range p.Embeddings {
		out.Embeddings[i] = cloneVector(e)
	}
	return out
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
