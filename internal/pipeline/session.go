package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crosstalk-audio/crosstalk/internal/event"
	"github.com/crosstalk-audio/crosstalk/internal/observe"
	"github.com/crosstalk-audio/crosstalk/internal/resilience"
	"github.com/crosstalk-audio/crosstalk/pkg/audio"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
)

// State is a session lifecycle state.
type State string

const (
	// StateCreated is the initial state before Start.
	StateCreated State = "CREATED"

	// StateRunning is the normal processing state.
	StateRunning State = "RUNNING"

	// StateRunningDegraded means the session keeps processing audio but the
	// separation adapter is persistently failing; affected windows are
	// marked unresolved so consumers can distinguish "no speech" from
	// "could not process".
	StateRunningDegraded State = "RUNNING_DEGRADED"

	// StateStopped is terminal.
	StateStopped State = "STOPPED"
)

// SessionConfig configures one pipeline session. Zero values select the
// documented defaults.
type SessionConfig struct {
	// SampleRate of the session's audio in Hz. Default 16000.
	SampleRate int

	// WindowDuration is the chunker window length. Default 1s.
	WindowDuration time.Duration

	// Overlap is the chunker window overlap fraction in [0, 1). Default 0.
	Overlap float64

	// MaxSpeakers bounds the separation output. Default 4.
	MaxSpeakers int

	// QueueSize bounds the chunker output queue. Default 16.
	QueueSize int

	// Policy selects the backpressure behavior. Default block.
	Policy BackpressurePolicy

	// Engine holds the correspondence thresholds.
	Engine EngineConfig

	// Scheduler holds the transcription worker-pool settings.
	Scheduler SchedulerConfig

	// SeparationTimeout bounds each separation call. Default 15s.
	SeparationTimeout time.Duration

	// RetryBackoff is the wait before the single separation retry.
	// Default 100ms.
	RetryBackoff time.Duration

	// StopGrace bounds how long Stop waits for queued transcription work
	// before discarding it. Default 5s.
	StopGrace time.Duration

	// BreakerFailures is how many consecutive separation failures trip the
	// degraded state. Default 3.
	BreakerFailures int

	// BreakerReset is how long separation stays bypassed before probing
	// again. Default 10s.
	BreakerReset time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = time.Second
	}
	if c.MaxSpeakers <= 0 {
		c.MaxSpeakers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.Policy == "" {
		c.Policy = PolicyBlock
	}
	if c.SeparationTimeout <= 0 {
		c.SeparationTimeout = 15 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
}

// SessionStatus is an immutable snapshot of a session for status reporting.
type SessionStatus struct {
	SessionID string          `json:"session_id"`
	State     State           `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	Tracks    []TrackSnapshot `json:"tracks"`
	Stats     StatsSnapshot   `json:"stats"`
	Segments  int             `json:"segments"`
}

// Session owns the full pipeline for one audio stream: chunker, separation,
// correspondence, transcription scheduling, and the per-track transcript.
// While running, the session is the single owner of all tracks; external
// readers receive immutable snapshots and events, never direct references.
//
// All exported methods are safe for concurrent use.
type Session struct {
	id      string
	cfg     SessionConfig
	sep     separation.Provider
	bus     *event.Bus
	metrics *observe.Metrics
	stats   *Stats

	chunker *Chunker
	engine  *Engine
	sched   *Scheduler
	breaker *resilience.CircuitBreaker

	mu           sync.Mutex
	state        State
	createdAt    time.Time
	stoppedAt    time.Time
	liveTracks   []TrackSnapshot
	trackSpeaker map[string]string
	segments     map[string][]TranscriptSegment
	segmentCount int

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewSession assembles a session from its adapters. ident may be nil to run
// without speaker identification.
func NewSession(id string, cfg SessionConfig, sep separation.Provider, emb embeddings.Provider, ident SpeakerIdentifier, trans transcribe.Provider, bus *event.Bus, metrics *observe.Metrics) (*Session, error) {
	cfg.applyDefaults()

	s := &Session{
		id:           id,
		cfg:          cfg,
		sep:          sep,
		bus:          bus,
		metrics:      metrics,
		stats:        NewStats(100),
		state:        StateCreated,
		createdAt:    time.Now().UTC(),
		trackSpeaker: make(map[string]string),
		segments:     make(map[string][]TranscriptSegment),
		loopDone:     make(chan struct{}),
	}

	chunker, err := NewChunker(ChunkerConfig{
		SessionID:      id,
		SampleRate:     cfg.SampleRate,
		WindowDuration: cfg.WindowDuration,
		Overlap:        cfg.Overlap,
		QueueSize:      cfg.QueueSize,
		Policy:         cfg.Policy,
		OnDrop: func(n int) {
			s.stats.IncrDropped(int64(n))
			for range n {
				s.metrics.RecordChunkDropped(context.Background(), id)
			}
			slog.Warn("window dropped under backpressure", "session_id", id, "count", n)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	s.chunker = chunker

	engineCfg := cfg.Engine
	engineCfg.OnEmbedLatency = func(d time.Duration) {
		s.stats.RecordEmbedding(d)
		s.metrics.EmbeddingDuration.Record(context.Background(), d.Seconds())
	}
	s.engine = NewEngine(engineCfg, emb, ident)

	s.sched = NewScheduler(cfg.Scheduler, trans, s.appendSegment)
	s.sched.SetSpeakerResolver(s.speakerFor)
	s.sched.SetOnLatency(func(d time.Duration) {
		s.stats.RecordTranscription(d)
		s.metrics.TranscriptionDuration.Record(context.Background(), d.Seconds())
	})
	s.sched.SetOnError(func(trackID string, windowIndex int64, err error) {
		s.stats.IncrErrors()
		s.metrics.RecordInferenceError(context.Background(), StageTranscription)
		slog.Warn("transcription failed, segment skipped",
			"session_id", id, "track_id", trackID, "window", windowIndex, "err", err)
	})

	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "separation-" + id,
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerReset,
	})

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SampleRate returns the session's audio sample rate in Hz.
func (s *Session) SampleRate() int { return s.cfg.SampleRate }

// Start transitions the session from CREATED to RUNNING and begins
// consuming windows. Returns a SessionStateError in any other state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		defer s.mu.Unlock()
		return &SessionStateError{SessionID: s.id, Op: "start", State: s.state}
	}
	s.state = StateRunning
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoop = cancel
	go s.run(loopCtx)

	s.publishState(StateRunning)
	slog.Info("session started", "session_id", s.id,
		"sample_rate", s.cfg.SampleRate, "window", s.cfg.WindowDuration,
		"max_speakers", s.cfg.MaxSpeakers, "policy", s.cfg.Policy)
	return nil
}

// PushAudio feeds mono samples into the session's chunker. Returns a
// SessionStateError unless the session is running.
func (s *Session) PushAudio(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateRunning && st != StateRunningDegraded {
		return &SessionStateError{SessionID: s.id, Op: "push audio", State: st}
	}
	return s.chunker.Push(ctx, samples)
}

// Stop drains in-flight work within the configured grace period and
// transitions to STOPPED, emitting the final state event exactly once.
// A second Stop returns a SessionStateError and has no side effect.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateRunningDegraded {
		defer s.mu.Unlock()
		return &SessionStateError{SessionID: s.id, Op: "stop", State: s.state}
	}
	s.state = StateStopped
	s.stoppedAt = time.Now().UTC()
	s.mu.Unlock()

	// Closing the chunker ends the processing loop once queued windows are
	// consumed.
	s.chunker.Close()
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		s.cancelLoop()
		<-s.loopDone
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopGrace)
	defer cancel()
	if err := s.sched.Drain(graceCtx); err != nil {
		slog.Warn("session stop: transcription drain timed out, queued work discarded",
			"session_id", s.id, "err", err)
	}
	s.cancelLoop()

	s.publishState(StateStopped)
	slog.Info("session stopped", "session_id", s.id,
		"windows", s.stats.Snapshot().WindowsProcessed, "segments", s.SegmentCount())
	return nil
}

// Status returns an immutable snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{
		SessionID: s.id,
		State:     s.state,
		CreatedAt: s.createdAt,
		Tracks:    append([]TrackSnapshot(nil), s.liveTracks...),
		Stats:     s.stats.Snapshot(),
		Segments:  s.segmentCount,
	}
	if !s.stoppedAt.IsZero() {
		t := s.stoppedAt
		st.StoppedAt = &t
	}
	return st
}

// Transcript returns all completed segments, ordered by track id and window
// index.
func (s *Session) Transcript() []TranscriptSegment {
	s.mu.Lock()
	defer s.mu.Unlock()

	trackIDs := make([]string, 0, len(s.segments))
	for id := range s.segments {
		trackIDs = append(trackIDs, id)
	}
	sort.Strings(trackIDs)

	var out []TranscriptSegment
	for _, id := range trackIDs {
		out = append(out, s.segments[id]...)
	}
	return out
}

// SegmentCount returns the number of completed segments.
func (s *Session) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentCount
}

// run is the per-session processing loop: strictly sequential in window
// order. It exits when the chunker closes or the loop context is cancelled.
func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.chunker.Out():
			if !ok {
				return
			}
			s.processWindow(ctx, chunk)
		}
	}
}

func (s *Session) processWindow(ctx context.Context, chunk audio.AudioChunk) {
	windowStart := time.Now()

	channels, err := s.separate(ctx, chunk)
	if err != nil {
		s.stats.IncrErrors()
		s.stats.IncrUnresolved()
		s.metrics.RecordInferenceError(ctx, StageSeparation)
		s.metrics.RecordUnresolvedChannel(ctx, s.id)
		// A lone failed window stays within the retry budget; only a tripped
		// breaker marks the session degraded.
		if s.breaker.State() != resilience.StateClosed {
			s.setDegraded(true)
		}
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Warn("separation failed, window unresolved",
				"session_id", s.id, "window", chunk.WindowIndex, "err", err)
		}
		return
	}
	s.setDegraded(false)
	s.metrics.RecordInference(ctx, StageSeparation, "ok")

	s.bus.Publish(event.Event{
		Kind:      event.KindSeparation,
		SessionID: s.id,
		Separation: &event.Separation{
			WindowIndex: chunk.WindowIndex,
			NumChannels: len(channels),
		},
	})

	res, err := s.engine.ProcessWindow(ctx, chunk, channels)
	if err != nil {
		s.stats.IncrErrors()
		slog.Error("correspondence failed", "session_id", s.id, "window", chunk.WindowIndex, "err", err)
		return
	}

	for range res.Unresolved {
		s.stats.IncrUnresolved()
		s.metrics.RecordUnresolvedChannel(ctx, s.id)
	}

	for _, a := range res.Assignments {
		if a.NewTrack {
			s.metrics.ActiveTracks.Add(ctx, 1)
			s.publishTrack(a.TrackID, a.SpeakerID, event.TrackStateActive)
		}
		if a.BoundThisWindow {
			s.publishTrack(a.TrackID, a.SpeakerID, event.TrackStateBound)
			slog.Info("track bound to speaker",
				"session_id", s.id, "track_id", a.TrackID, "speaker_id", a.SpeakerID)
		}
		s.sched.Enqueue(a.TrackID, chunk.WindowIndex, chunk.StartTime, chunk.StartTime+chunk.Duration, chunk.SampleRate, a.Samples)
	}

	for _, t := range res.Retired {
		s.metrics.ActiveTracks.Add(ctx, -1)
		s.publishTrack(t.TrackID, t.SpeakerID, event.TrackStateRetired)
		slog.Debug("track retired", "session_id", s.id, "track_id", t.TrackID,
			"last_seen", t.LastSeenWindow)
	}

	s.mu.Lock()
	s.liveTracks = s.engine.LiveTracks()
	for _, a := range res.Assignments {
		if a.SpeakerID != "" {
			s.trackSpeaker[a.TrackID] = a.SpeakerID
		}
	}
	s.mu.Unlock()

	elapsed := time.Since(windowStart)
	s.stats.RecordWindow(elapsed)
	s.metrics.WindowDuration.Record(ctx, elapsed.Seconds())
}

// separate runs the separation adapter behind the circuit breaker with the
// single-retry policy and tags each returned stream with its per-window slot.
func (s *Session) separate(ctx context.Context, chunk audio.AudioChunk) ([]audio.SeparatedChannel, error) {
	var raw [][]float32
	err := s.breaker.Execute(func() error {
		start := time.Now()
		err := resilience.RetryOnce(ctx, s.cfg.RetryBackoff, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.SeparationTimeout)
			defer cancel()
			var err error
			raw, err = s.sep.Separate(callCtx, chunk.Samples, chunk.SampleRate, s.cfg.MaxSpeakers)
			return err
		})
		if err == nil {
			d := time.Since(start)
			s.stats.RecordSeparation(d)
			s.metrics.SeparationDuration.Record(ctx, d.Seconds())
		}
		return err
	})
	if err != nil {
		return nil, &InferenceError{Stage: StageSeparation, Err: err}
	}
	channels := make([]audio.SeparatedChannel, len(raw))
	for slot, samples := range raw {
		channels[slot] = audio.SeparatedChannel{
			WindowIndex: chunk.WindowIndex,
			Slot:        slot,
			Samples:     samples,
		}
	}
	return channels, nil
}

// setDegraded flips between RUNNING and RUNNING_DEGRADED based on
// separation health. No-op when the state already matches or the session is
// not running.
func (s *Session) setDegraded(degraded bool) {
	s.mu.Lock()
	var next State
	switch {
	case degraded && s.state == StateRunning:
		next = StateRunningDegraded
	case !degraded && s.state == StateRunningDegraded:
		next = StateRunning
	default:
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.publishState(next)
	if next == StateRunningDegraded {
		slog.Warn("session degraded: separation persistently failing", "session_id", s.id)
	} else {
		slog.Info("session recovered from degraded state", "session_id", s.id)
	}
}

// appendSegment is the scheduler sink. Per-track jobs complete in FIFO
// order, so appends preserve the non-decreasing window-index invariant.
func (s *Session) appendSegment(seg TranscriptSegment) {
	s.mu.Lock()
	s.segments[seg.TrackID] = append(s.segments[seg.TrackID], seg)
	s.segmentCount++
	s.mu.Unlock()

	s.metrics.RecordInference(context.Background(), StageTranscription, "ok")

	s.bus.Publish(event.Event{
		Kind:      event.KindTranscription,
		SessionID: s.id,
		Transcription: &event.Transcription{
			TrackID:     seg.TrackID,
			SpeakerID:   seg.SpeakerID,
			WindowIndex: seg.WindowIndex,
			StartTime:   seg.StartTime,
			EndTime:     seg.EndTime,
			Text:        seg.Text,
			Confidence:  seg.Confidence,
		},
	})
}

func (s *Session) speakerFor(trackID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackSpeaker[trackID]
}

func (s *Session) publishTrack(trackID, speakerID, state string) {
	s.bus.Publish(event.Event{
		Kind:      event.KindTrackUpdate,
		SessionID: s.id,
		TrackUpdate: &event.TrackUpdate{
			TrackID:   trackID,
			SpeakerID: speakerID,
			State:     state,
		},
	})
}

func (s *Session) publishState(st State) {
	s.bus.Publish(event.Event{
		Kind:         event.KindSessionState,
		SessionID:    s.id,
		SessionState: &event.SessionState{State: string(st)},
	})
}
