package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalk-audio/crosstalk/internal/event"
	"github.com/crosstalk-audio/crosstalk/internal/observe"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
)

// Providers bundles the inference adapters the pipeline depends on.
type Providers struct {
	Separation    separation.Provider
	Embeddings    embeddings.Provider
	Transcription transcribe.Provider
}

// SessionOverrides carries the per-session knobs a caller may change from the
// manager's defaults. Zero values keep the defaults.
type SessionOverrides struct {
	SampleRate     int
	WindowDuration time.Duration
	Overlap        float64
	MaxSpeakers    int
	Policy         BackpressurePolicy
}

// Manager owns all sessions: creation, lookup, and teardown. It wires each
// new session to the shared providers, speaker identifier, event bus, and
// metrics.
//
// Safe for concurrent use.
type Manager struct {
	defaults SessionConfig
	prov     Providers
	ident    SpeakerIdentifier
	bus      *event.Bus
	metrics  *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. defaults seed every session's config; ident
// may be nil to run without speaker identification.
func NewManager(defaults SessionConfig, prov Providers, ident SpeakerIdentifier, bus *event.Bus, metrics *observe.Metrics) *Manager {
	defaults.applyDefaults()
	return &Manager{
		defaults: defaults,
		prov:     prov,
		ident:    ident,
		bus:      bus,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// StartSession creates a session with the given overrides, starts it, and
// returns its id.
func (m *Manager) StartSession(ctx context.Context, ov SessionOverrides) (string, error) {
	cfg := m.defaults
	if ov.SampleRate > 0 {
		cfg.SampleRate = ov.SampleRate
	}
	if ov.WindowDuration > 0 {
		cfg.WindowDuration = ov.WindowDuration
	}
	if ov.Overlap > 0 {
		cfg.Overlap = ov.Overlap
	}
	if ov.MaxSpeakers > 0 {
		cfg.MaxSpeakers = ov.MaxSpeakers
	}
	if ov.Policy != "" {
		cfg.Policy = ov.Policy
	}

	id := uuid.NewString()
	s, err := NewSession(id, cfg, m.prov.Separation, m.prov.Embeddings, m.ident, m.prov.Transcription, m.bus, m.metrics)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	return id, nil
}

// Session returns the session with the given id.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// StopSession stops the session with the given id. The session remains
// addressable for status and transcript queries after stopping.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	m.metrics.ActiveSessions.Add(ctx, -1)
	return nil
}

// Status returns a snapshot of the session with the given id.
func (m *Manager) Status(id string) (SessionStatus, error) {
	s, err := m.Session(id)
	if err != nil {
		return SessionStatus{}, err
	}
	return s.Status(), nil
}

// List returns snapshots of all sessions, running and stopped.
func (m *Manager) List() []SessionStatus {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// StopAll stops every running session. Used during shutdown; state errors
// from already-stopped sessions are ignored.
func (m *Manager) StopAll(ctx context.Context) {
	for _, st := range m.List() {
		if st.State == StateStopped || st.State == StateCreated {
			continue
		}
		if err := m.StopSession(ctx, st.SessionID); err != nil {
			slog.Warn("shutdown: session stop failed", "session_id", st.SessionID, "err", err)
		}
	}
}
