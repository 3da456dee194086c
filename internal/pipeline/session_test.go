package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosstalk-audio/crosstalk/internal/event"
	"github.com/crosstalk-audio/crosstalk/internal/observe"
	embmock "github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings/mock"
	sepmock "github.com/crosstalk-audio/crosstalk/pkg/provider/separation/mock"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe"
	trmock "github.com/crosstalk-audio/crosstalk/pkg/provider/transcribe/mock"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate:     100,
		WindowDuration: time.Second,
		RetryBackoff:   time.Millisecond,
		StopGrace:      2 * time.Second,
		Engine:         testEngineConfig(),
		Scheduler:      testSchedulerConfig(),
	}
}

// drainEvents reads events until a session_state event with the given state
// arrives, returning everything read including it.
func drainEvents(t *testing.T, sub *event.Subscription, until string) []event.Event {
	t.Helper()
	var events []event.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			events = append(events, ev)
			if ev.Kind == event.KindSessionState && ev.SessionState.State == until {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session_state %q, got %d events", until, len(events))
		}
	}
}

func countKind(events []event.Event, kind event.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()

	sep := &sepmock.Provider{Results: [][][]float32{{speech(100)}}}
	emb := &embmock.Provider{Vectors: [][]float32{vecA}}
	trans := &trmock.Provider{Results: []transcribe.Result{{Text: "hello", Confidence: 0.9}}}
	bus := event.NewBus()

	s, err := NewSession("s1", testSessionConfig(), sep, emb, nil, trans, bus, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sub := bus.Subscribe("s1", 64)
	defer sub.Close()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Three full windows of speech.
	if err := s.PushAudio(ctx, speech(300)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := drainEvents(t, sub, string(StateStopped))
	if events[len(events)-1].SessionState.State != string(StateStopped) {
		t.Error("STOPPED was not the final event")
	}
	if got := countKind(events, event.KindSeparation); got != 3 {
		t.Errorf("separation events = %d, want 3", got)
	}
	if got := countKind(events, event.KindTranscription); got != 3 {
		t.Errorf("transcription events = %d, want 3", got)
	}
	// One speaker across all windows: a single track creation.
	if got := countKind(events, event.KindTrackUpdate); got != 1 {
		t.Errorf("track_update events = %d, want 1", got)
	}

	segments := s.Transcript()
	if len(segments) != 3 {
		t.Fatalf("transcript has %d segments, want 3", len(segments))
	}
	for i, seg := range segments {
		if seg.WindowIndex != int64(i) {
			t.Errorf("segment %d window = %d, want %d", i, seg.WindowIndex, i)
		}
		if seg.Text != "hello" {
			t.Errorf("segment %d text = %q, want hello", i, seg.Text)
		}
		if seg.TrackID != segments[0].TrackID {
			t.Errorf("segment %d track = %q, want single track %q", i, seg.TrackID, segments[0].TrackID)
		}
	}

	status := s.Status()
	if status.State != StateStopped {
		t.Errorf("state = %s, want STOPPED", status.State)
	}
	if status.Stats.WindowsProcessed != 3 {
		t.Errorf("windows processed = %d, want 3", status.Stats.WindowsProcessed)
	}
	if status.StoppedAt == nil {
		t.Error("StoppedAt not set after stop")
	}
}

func TestSessionStopIsNotRepeatable(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	s, err := NewSession("s1", testSessionConfig(), &sepmock.Provider{}, &embmock.Provider{}, nil, &trmock.Provider{}, bus, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sub := bus.Subscribe("s1", 64)
	defer sub.Close()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}

	err = s.Stop(ctx)
	var stateErr *SessionStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("second Stop = %v, want SessionStateError", err)
	}
	if stateErr.State != StateStopped || stateErr.Op != "stop" {
		t.Errorf("state error = %+v, want stop/STOPPED", stateErr)
	}

	// Exactly one RUNNING and one STOPPED event despite the second call.
	events := drainEvents(t, sub, string(StateStopped))
	if got := countKind(events, event.KindSessionState); got != 2 {
		t.Errorf("session_state events = %d, want 2", got)
	}
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	s, err := NewSession("s1", testSessionConfig(), &sepmock.Provider{}, &embmock.Provider{}, nil, &trmock.Provider{}, event.NewBus(), observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()

	var stateErr *SessionStateError
	if err := s.PushAudio(ctx, speech(100)); !errors.As(err, &stateErr) {
		t.Errorf("PushAudio before Start = %v, want SessionStateError", err)
	}
	if err := s.Stop(ctx); !errors.As(err, &stateErr) {
		t.Errorf("Stop before Start = %v, want SessionStateError", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); !errors.As(err, &stateErr) {
		t.Errorf("second Start = %v, want SessionStateError", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.PushAudio(ctx, speech(100)); !errors.As(err, &stateErr) {
		t.Errorf("PushAudio after Stop = %v, want SessionStateError", err)
	}
}

func TestSessionRunsWithoutOptionalProviders(t *testing.T) {
	t.Parallel()

	// Only separation is configured. The window must flow through the loop
	// with its channel marked unresolved instead of crashing the session.
	sep := &sepmock.Provider{Results: [][][]float32{{speech(100)}}}
	bus := event.NewBus()
	s, err := NewSession("s1", testSessionConfig(), sep, nil, nil, nil, bus, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sub := bus.Subscribe("s1", 64)
	defer sub.Close()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.PushAudio(ctx, speech(100)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := drainEvents(t, sub, string(StateStopped))
	if got := countKind(events, event.KindSeparation); got != 1 {
		t.Errorf("separation events = %d, want 1", got)
	}
	if got := countKind(events, event.KindTrackUpdate); got != 0 {
		t.Errorf("track_update events = %d, want 0 without embeddings", got)
	}
	if got := countKind(events, event.KindTranscription); got != 0 {
		t.Errorf("transcription events = %d, want 0 without transcription", got)
	}

	stats := s.Status().Stats
	if stats.WindowsProcessed != 1 {
		t.Errorf("windows processed = %d, want 1", stats.WindowsProcessed)
	}
	if stats.Unresolved == 0 {
		t.Error("speech channel was not counted as unresolved")
	}
	if len(s.Transcript()) != 0 {
		t.Errorf("transcript = %v, want empty", s.Transcript())
	}
}

func TestSessionSingleFailureStaysRunning(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	// Window 0 fails (initial + retry); the default failure budget of 3
	// keeps the breaker closed, so the session must stay RUNNING.
	sep := &sepmock.Provider{
		Results: [][][]float32{{speech(100)}},
		Errs:    []error{errBoom, errBoom},
	}
	bus := event.NewBus()
	s, err := NewSession("s1", testSessionConfig(), sep, &embmock.Provider{Vectors: [][]float32{vecA}}, nil, &trmock.Provider{}, bus, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sub := bus.Subscribe("s1", 64)
	defer sub.Close()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The failing window, then a healthy one.
	if err := s.PushAudio(ctx, speech(200)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := drainEvents(t, sub, string(StateStopped))
	for _, ev := range events {
		if ev.Kind == event.KindSessionState && ev.SessionState.State == string(StateRunningDegraded) {
			t.Error("session went RUNNING_DEGRADED after a single failed window")
		}
	}

	stats := s.Status().Stats
	if stats.Unresolved == 0 {
		t.Error("failed window was not counted as unresolved")
	}
	if stats.WindowsProcessed != 1 {
		t.Errorf("windows processed = %d, want 1 (only the healthy window)", stats.WindowsProcessed)
	}
}

func TestSessionDegradesAndRecovers(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	// Window 0 fails twice (initial + retry) and trips the breaker; later
	// calls succeed.
	sep := &sepmock.Provider{
		Results: [][][]float32{{speech(100)}},
		Errs:    []error{errBoom, errBoom},
	}
	cfg := testSessionConfig()
	cfg.BreakerFailures = 1
	cfg.BreakerReset = 10 * time.Millisecond

	bus := event.NewBus()
	s, err := NewSession("s1", cfg, sep, &embmock.Provider{Vectors: [][]float32{vecA}}, nil, &trmock.Provider{}, bus, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sub := bus.Subscribe("s1", 64)
	defer sub.Close()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.PushAudio(ctx, speech(100)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	drainEvents(t, sub, string(StateRunningDegraded))

	// Give the breaker time to allow a probe, then feed another window.
	time.Sleep(30 * time.Millisecond)
	if err := s.PushAudio(ctx, speech(100)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	drainEvents(t, sub, string(StateRunning))

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	status := s.Status()
	if status.Stats.Unresolved == 0 {
		t.Error("failed window was not counted as unresolved")
	}
	if status.Stats.WindowsProcessed != 1 {
		t.Errorf("windows processed = %d, want 1 (only the recovered window)", status.Stats.WindowsProcessed)
	}
}

func TestSessionDropPolicyCountsDrops(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sep := &gatedSeparation{inner: &sepmock.Provider{Results: [][][]float32{{speech(100)}}}, gate: gate}

	cfg := testSessionConfig()
	cfg.Policy = PolicyDrop
	cfg.QueueSize = 2

	bus := event.NewBus()
	s, err := NewSession("s1", cfg, sep, &embmock.Provider{Vectors: [][]float32{vecA}}, nil, &trmock.Provider{}, bus, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// With separation stalled, the loop holds one window and the queue holds
	// two more; the rest of the eight windows must be dropped and counted.
	if err := s.PushAudio(ctx, speech(800)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	close(gate)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats := s.Status().Stats
	if stats.ChunksDropped == 0 {
		t.Fatal("no drops counted under sustained backpressure")
	}
	if got := stats.WindowsProcessed + stats.ChunksDropped; got != 8 {
		t.Errorf("processed (%d) + dropped (%d) = %d, want 8", stats.WindowsProcessed, stats.ChunksDropped, got)
	}
}

// gatedSeparation blocks every Separate call until the gate is closed.
type gatedSeparation struct {
	inner interface {
		Separate(ctx context.Context, samples []float32, sampleRate, maxSpeakers int) ([][]float32, error)
	}
	gate chan struct{}
}

func (g *gatedSeparation) Separate(ctx context.Context, samples []float32, sampleRate, maxSpeakers int) ([][]float32, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Separate(ctx, samples, sampleRate, maxSpeakers)
}

func (g *gatedSeparation) ModelID() string { return "gated" }
