package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosstalk-audio/crosstalk/internal/registry"
	"github.com/crosstalk-audio/crosstalk/pkg/audio"
	embmock "github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings/mock"
)

// identFunc adapts a function to the SpeakerIdentifier interface.
type identFunc func(ctx context.Context, embedding []float32) (best, second registry.Match, err error)

func (f identFunc) Identify(ctx context.Context, embedding []float32) (registry.Match, registry.Match, error) {
	return f(ctx, embedding)
}

var (
	vecA = []float32{1, 0, 0, 0}
	vecB = []float32{0, 1, 0, 0}
	vecC = []float32{0, 0, 1, 0}
)

// speech returns n samples loud enough to clear the silence floor.
func speech(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5
	}
	return s
}

func window(index int64) audio.AudioChunk {
	return audio.AudioChunk{
		SessionID:   "s1",
		WindowIndex: index,
		StartTime:   time.Duration(index) * time.Second,
		Duration:    time.Second,
		SampleRate:  100,
	}
}

// chans wraps raw sample slices as separated channels, slot per position.
func chans(index int64, samples ...[]float32) []audio.SeparatedChannel {
	out := make([]audio.SeparatedChannel, len(samples))
	for i, s := range samples {
		out[i] = audio.SeparatedChannel{WindowIndex: index, Slot: i, Samples: s}
	}
	return out
}

func testEngineConfig() EngineConfig {
	return EngineConfig{RetryBackoff: time.Millisecond}
}

// trackBySlot returns the track id assigned to the given channel slot.
func trackBySlot(t *testing.T, res WindowResult, slot int) string {
	t.Helper()
	for _, a := range res.Assignments {
		if a.Slot == slot {
			return a.TrackID
		}
	}
	t.Fatalf("no assignment for slot %d in %+v", slot, res.Assignments)
	return ""
}

func TestEngineTracksSurviveSlotSwap(t *testing.T) {
	t.Parallel()

	// Twelve windows of the same two speakers, with separation emitting
	// their channels in swapped slot order on every odd window.
	const windows = 12
	var vectors [][]float32
	for w := 0; w < windows; w++ {
		if w%2 == 0 {
			vectors = append(vectors, vecA, vecB)
		} else {
			vectors = append(vectors, vecB, vecA)
		}
	}
	emb := &embmock.Provider{Vectors: vectors}
	e := NewEngine(testEngineConfig(), emb, nil)

	res0, err := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100), speech(100)))
	if err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}
	if len(res0.Assignments) != 2 {
		t.Fatalf("window 0: %d assignments, want 2", len(res0.Assignments))
	}
	trackA := trackBySlot(t, res0, 0)
	trackB := trackBySlot(t, res0, 1)
	for _, a := range res0.Assignments {
		if !a.NewTrack {
			t.Errorf("window 0 slot %d: NewTrack = false, want true", a.Slot)
		}
	}

	for w := int64(1); w < windows; w++ {
		res, err := e.ProcessWindow(context.Background(), window(w), chans(w, speech(100), speech(100)))
		if err != nil {
			t.Fatalf("window %d: ProcessWindow: %v", w, err)
		}
		wantSlot0, wantSlot1 := trackA, trackB
		if w%2 == 1 {
			wantSlot0, wantSlot1 = trackB, trackA
		}
		if got := trackBySlot(t, res, 0); got != wantSlot0 {
			t.Errorf("window %d slot 0 assigned %s, want %s", w, got, wantSlot0)
		}
		if got := trackBySlot(t, res, 1); got != wantSlot1 {
			t.Errorf("window %d slot 1 assigned %s, want %s", w, got, wantSlot1)
		}
		for _, a := range res.Assignments {
			if a.NewTrack {
				t.Errorf("window %d slot %d spawned a new track", w, a.Slot)
			}
		}
	}
	if got := len(e.LiveTracks()); got != 2 {
		t.Errorf("live tracks after %d windows = %d, want 2", windows, got)
	}
}

func TestEngineDissimilarChannelSpawnsTrack(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{Vectors: [][]float32{vecA, vecB}}
	e := NewEngine(testEngineConfig(), emb, nil)

	res0, _ := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100)))
	res1, _ := e.ProcessWindow(context.Background(), window(1), chans(1, speech(100)))

	if trackBySlot(t, res0, 0) == trackBySlot(t, res1, 0) {
		t.Error("orthogonal embedding matched the existing track")
	}
	if !res1.Assignments[0].NewTrack {
		t.Error("expected a new track for the dissimilar channel")
	}
}

func TestEngineSkipsSilentAndShortChannels(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{}
	e := NewEngine(testEngineConfig(), emb, nil)

	// Slot 0 is below the energy floor, slot 1 is shorter than the minimum
	// speech duration (50 samples at 100 Hz), slot 2 is real speech.
	channels := chans(0, make([]float32, 100), speech(20), speech(100))
	res, err := e.ProcessWindow(context.Background(), window(0), channels)
	if err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}

	if len(res.Silent) != 2 || res.Silent[0] != 0 || res.Silent[1] != 1 {
		t.Errorf("Silent = %v, want [0 1]", res.Silent)
	}
	if len(res.Assignments) != 1 || res.Assignments[0].Slot != 2 {
		t.Errorf("Assignments = %+v, want one entry for slot 2", res.Assignments)
	}
	if emb.CallCount() != 1 {
		t.Errorf("Embed called %d times, want 1", emb.CallCount())
	}
}

func TestEngineEmbedFailureMarksUnresolved(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	// Both the initial call and the single retry fail.
	emb := &embmock.Provider{Errs: []error{errBoom, errBoom}}
	e := NewEngine(testEngineConfig(), emb, nil)

	res, err := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100)))
	if err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != 0 {
		t.Errorf("Unresolved = %v, want [0]", res.Unresolved)
	}
	if len(res.Assignments) != 0 {
		t.Errorf("Assignments = %+v, want none", res.Assignments)
	}
	if emb.CallCount() != 2 {
		t.Errorf("Embed called %d times, want 2 (initial + retry)", emb.CallCount())
	}
}

func TestEngineWithoutEmbeddingsMarksUnresolved(t *testing.T) {
	t.Parallel()

	e := NewEngine(testEngineConfig(), nil, nil)

	// Slot 0 carries speech, slot 1 is silence. With no embeddings provider
	// the speech channel is unresolved rather than crashing the pipeline.
	res, err := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100), make([]float32, 100)))
	if err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != 0 {
		t.Errorf("Unresolved = %v, want [0]", res.Unresolved)
	}
	if len(res.Silent) != 1 || res.Silent[0] != 1 {
		t.Errorf("Silent = %v, want [1]", res.Silent)
	}
	if len(res.Assignments) != 0 {
		t.Errorf("Assignments = %+v, want none", res.Assignments)
	}
	if got := len(e.LiveTracks()); got != 0 {
		t.Errorf("live tracks = %d, want 0", got)
	}
}

func TestEngineBindsSpeakerOnce(t *testing.T) {
	t.Parallel()

	identCalls := 0
	ident := identFunc(func(_ context.Context, _ []float32) (registry.Match, registry.Match, error) {
		identCalls++
		return registry.Match{SpeakerID: "alice", Similarity: 0.9},
			registry.Match{SpeakerID: "bob", Similarity: 0.5}, nil
	})

	emb := &embmock.Provider{Vectors: [][]float32{vecA}}
	e := NewEngine(testEngineConfig(), emb, ident)

	res0, _ := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100)))
	a := res0.Assignments[0]
	if a.SpeakerID != "alice" || !a.BoundThisWindow {
		t.Errorf("window 0 assignment = %+v, want bound to alice", a)
	}

	res1, _ := e.ProcessWindow(context.Background(), window(1), chans(1, speech(100)))
	a = res1.Assignments[0]
	if a.SpeakerID != "alice" {
		t.Errorf("window 1 speaker = %q, want alice", a.SpeakerID)
	}
	if a.BoundThisWindow {
		t.Error("window 1 reported BoundThisWindow for an already-bound track")
	}
	if identCalls != 1 {
		t.Errorf("Identify called %d times, want 1 (binding is one-shot)", identCalls)
	}
}

func TestEngineBindingThresholdAndMargin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		best, second registry.Match
		wantBound    bool
	}{
		{"confident and separated", registry.Match{SpeakerID: "alice", Similarity: 0.9}, registry.Match{SpeakerID: "bob", Similarity: 0.5}, true},
		{"below threshold", registry.Match{SpeakerID: "alice", Similarity: 0.65}, registry.Match{}, false},
		{"margin too small", registry.Match{SpeakerID: "alice", Similarity: 0.78}, registry.Match{SpeakerID: "bob", Similarity: 0.72}, false},
		{"no second candidate", registry.Match{SpeakerID: "alice", Similarity: 0.75}, registry.Match{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ident := identFunc(func(_ context.Context, _ []float32) (registry.Match, registry.Match, error) {
				return tc.best, tc.second, nil
			})
			emb := &embmock.Provider{Vectors: [][]float32{vecA}}
			e := NewEngine(testEngineConfig(), emb, ident)

			res, _ := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100)))
			a := res.Assignments[0]
			if (a.SpeakerID != "") != tc.wantBound {
				t.Errorf("speaker = %q, want bound = %v", a.SpeakerID, tc.wantBound)
			}
		})
	}
}

func TestEngineBindingConflictHigherSimilarityWins(t *testing.T) {
	t.Parallel()

	// Both tracks identify as alice, with different confidence.
	ident := identFunc(func(_ context.Context, embedding []float32) (registry.Match, registry.Match, error) {
		sim := 0.8
		if embedding[0] > 0.5 {
			sim = 0.95
		}
		return registry.Match{SpeakerID: "alice", Similarity: sim}, registry.Match{}, nil
	})

	emb := &embmock.Provider{Vectors: [][]float32{vecA, vecB, vecA, vecB}}
	e := NewEngine(testEngineConfig(), emb, ident)

	res0, _ := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100), speech(100)))
	if got := res0.Assignments[0].SpeakerID; got != "alice" {
		t.Errorf("slot 0 speaker = %q, want alice", got)
	}
	if got := res0.Assignments[1].SpeakerID; got != "" {
		t.Errorf("slot 1 speaker = %q, want unbound (lost the conflict)", got)
	}

	// The loser stays unbound in later windows while alice's track lives.
	res1, _ := e.ProcessWindow(context.Background(), window(1), chans(1, speech(100), speech(100)))
	if got := res1.Assignments[1].SpeakerID; got != "" {
		t.Errorf("window 1 slot 1 speaker = %q, want unbound", got)
	}
}

func TestEngineRetiresSilentTracks(t *testing.T) {
	t.Parallel()

	ident := identFunc(func(_ context.Context, _ []float32) (registry.Match, registry.Match, error) {
		return registry.Match{SpeakerID: "alice", Similarity: 0.9}, registry.Match{}, nil
	})
	cfg := testEngineConfig()
	cfg.SilenceTimeoutWindows = 2

	emb := &embmock.Provider{Vectors: [][]float32{vecA}}
	e := NewEngine(cfg, emb, ident)

	res0, _ := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100)))
	firstTrack := res0.Assignments[0].TrackID

	// Two missed windows are tolerated; the third retires the track.
	for i := int64(1); i <= 2; i++ {
		res, _ := e.ProcessWindow(context.Background(), window(i), nil)
		if len(res.Retired) != 0 {
			t.Fatalf("window %d retired %v early", i, res.Retired)
		}
	}
	res3, _ := e.ProcessWindow(context.Background(), window(3), nil)
	if len(res3.Retired) != 1 || res3.Retired[0].TrackID != firstTrack {
		t.Fatalf("window 3 Retired = %+v, want [%s]", res3.Retired, firstTrack)
	}
	if res3.Retired[0].SpeakerID != "alice" {
		t.Errorf("retired snapshot speaker = %q, want alice", res3.Retired[0].SpeakerID)
	}
	if len(e.LiveTracks()) != 0 {
		t.Errorf("live tracks = %v, want none", e.LiveTracks())
	}

	// The speaker returns: fresh track id, and alice is free to bind again
	// because her previous track is gone.
	res4, _ := e.ProcessWindow(context.Background(), window(4), chans(4, speech(100)))
	a := res4.Assignments[0]
	if a.TrackID == firstTrack {
		t.Error("track id was reused after retirement")
	}
	if !a.NewTrack || a.SpeakerID != "alice" {
		t.Errorf("assignment = %+v, want new track bound to alice", a)
	}
}

func TestEngineBoundProfileNotRebindable(t *testing.T) {
	t.Parallel()

	ident := identFunc(func(_ context.Context, _ []float32) (registry.Match, registry.Match, error) {
		return registry.Match{SpeakerID: "alice", Similarity: 0.9}, registry.Match{}, nil
	})

	emb := &embmock.Provider{Vectors: [][]float32{vecA, vecA, vecC}}
	e := NewEngine(testEngineConfig(), emb, ident)

	res0, _ := e.ProcessWindow(context.Background(), window(0), chans(0, speech(100)))
	if res0.Assignments[0].SpeakerID != "alice" {
		t.Fatalf("setup: first track did not bind alice: %+v", res0.Assignments[0])
	}

	// A second, distinct track also identifies as alice, but the profile is
	// held by a live track.
	res1, _ := e.ProcessWindow(context.Background(), window(1), chans(1, speech(100), speech(100)))
	for _, a := range res1.Assignments {
		if a.NewTrack && a.SpeakerID != "" {
			t.Errorf("new track bound %q while alice's track is live", a.SpeakerID)
		}
	}
}
