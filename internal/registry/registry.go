// Package registry manages durable speaker identities.
//
// A SpeakerProfile is a named identity with one or more reference embeddings.
// Profiles are created through enrollment and grow monotonically: re-enrolling
// a speaker appends embeddings, it never replaces or removes stored ones.
// Profiles are never deleted implicitly.
//
// Writes are serialized through the Registry; reads run concurrently and
// tolerate eventually-consistent snapshots. A profile enrolled mid-window may
// not be visible to that window's matching pass, which is acceptable because
// identification converges over subsequent windows.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
)

// Sentinel errors returned by registry operations. Callers should test them
// with errors.Is.
var (
	// ErrEmptySamples is returned when enrollment is attempted with no audio
	// samples or with an empty sample.
	ErrEmptySamples = errors.New("registry: enrollment requires at least one non-empty sample")

	// ErrEmptyName is returned when enrollment is attempted with an empty
	// display name.
	ErrEmptyName = errors.New("registry: enrollment requires a display name")

	// ErrNotFound is returned when no profile exists for the given speaker id.
	ErrNotFound = errors.New("registry: speaker not found")
)

// SpeakerProfile is a durable, named speaker identity.
type SpeakerProfile struct {
	// SpeakerID uniquely identifies the profile.
	SpeakerID string

	// DisplayName is the human-readable name given at enrollment.
	DisplayName string

	// Embeddings holds the reference embeddings from every enrollment, in
	// enrollment order. Kept as a list rather than merged into one vector to
	// tolerate multi-condition enrollment.
	Embeddings [][]float32

	// CreatedAt is when the profile was first enrolled.
	CreatedAt time.Time

	// UpdatedAt is when embeddings were last appended.
	UpdatedAt time.Time
}

// Match is one candidate result of an identification lookup.
type Match struct {
	// SpeakerID identifies the matched profile.
	SpeakerID string

	// Similarity is the best cosine similarity between the query embedding
	// and any of the profile's reference embeddings, in [-1, 1].
	Similarity float64
}

// Store is the persistence layer beneath the Registry. Implementations must
// be safe for concurrent use.
type Store interface {
	// Insert stores a new profile. Fails if the speaker id already exists.
	Insert(ctx context.Context, p SpeakerProfile) error

	// AppendEmbeddings adds reference embeddings to an existing profile.
	// Returns ErrNotFound when the profile does not exist.
	AppendEmbeddings(ctx context.Context, speakerID string, embs [][]float32) error

	// Get returns the profile for speakerID, or ErrNotFound.
	Get(ctx context.Context, speakerID string) (SpeakerProfile, error)

	// List returns all profiles ordered by creation time.
	List(ctx context.Context) ([]SpeakerProfile, error)

	// BestMatches returns up to limit profiles ranked by descending
	// similarity to the query embedding. Each profile appears at most once,
	// scored by its closest reference embedding.
	BestMatches(ctx context.Context, embedding []float32, limit int) ([]Match, error)
}

// Registry is the enrollment and identification front for speaker profiles.
// It computes embeddings through the configured provider and serializes all
// writes; reads go straight to the store.
type Registry struct {
	store Store
	emb   embeddings.Provider

	writeMu sync.Mutex
}

// New creates a Registry over the given store and embedding provider.
func New(store Store, emb embeddings.Provider) *Registry {
	return &Registry{store: store, emb: emb}
}

// Enroll creates a new speaker profile from one or more audio samples. Each
// sample is embedded independently and all resulting vectors become the
// profile's reference embeddings. Returns the stored profile.
//
// Invalid input (empty name, no samples, an empty sample) is rejected
// synchronously with ErrEmptyName or ErrEmptySamples before any embedding
// work happens.
func (r *Registry) Enroll(ctx context.Context, displayName string, samples [][]float32, sampleRate int) (SpeakerProfile, error) {
	if displayName == "" {
		return SpeakerProfile{}, ErrEmptyName
	}
	embs, err := r.embedSamples(ctx, samples, sampleRate)
	if err != nil {
		return SpeakerProfile{}, err
	}

	now := time.Now().UTC()
	p := SpeakerProfile{
		SpeakerID:   uuid.NewString(),
		DisplayName: displayName,
		Embeddings:  embs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.Insert(ctx, p); err != nil {
		return SpeakerProfile{}, fmt.Errorf("registry: enroll %q: %w", displayName, err)
	}
	return p, nil
}

// Reenroll appends additional reference embeddings to an existing profile.
// Previously stored embeddings are never removed.
func (r *Registry) Reenroll(ctx context.Context, speakerID string, samples [][]float32, sampleRate int) error {
	embs, err := r.embedSamples(ctx, samples, sampleRate)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.AppendEmbeddings(ctx, speakerID, embs); err != nil {
		return fmt.Errorf("registry: reenroll %s: %w", speakerID, err)
	}
	return nil
}

// Get returns the profile for speakerID, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, speakerID string) (SpeakerProfile, error) {
	return r.store.Get(ctx, speakerID)
}

// List returns all enrolled profiles ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]SpeakerProfile, error) {
	return r.store.List(ctx)
}

// Identify ranks enrolled profiles against the query embedding and returns
// the best and second-best matches. When fewer profiles exist the missing
// results are zero-valued (empty SpeakerID, similarity 0).
func (r *Registry) Identify(ctx context.Context, embedding []float32) (best, second Match, err error) {
	matches, err := r.store.BestMatches(ctx, embedding, 2)
	if err != nil {
		return Match{}, Match{}, fmt.Errorf("registry: identify: %w", err)
	}
	if len(matches) > 0 {
		best = matches[0]
	}
	if len(matches) > 1 {
		second = matches[1]
	}
	return best, second, nil
}

func (r *Registry) embedSamples(ctx context.Context, samples [][]float32, sampleRate int) ([][]float32, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySamples
	}
	embs := make([][]float32, 0, len(samples))
	for i, s := range samples {
		if len(s) == 0 {
			return nil, fmt.Errorf("%w: sample %d is empty", ErrEmptySamples, i)
		}
		e, err := r.emb.Embed(ctx, s, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("registry: embed sample %d: %w", i, err)
		}
		embs = append(embs, e)
	}
	return embs, nil
}
