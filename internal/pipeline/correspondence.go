package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crosstalk-audio/crosstalk/internal/registry"
	"github.com/crosstalk-audio/crosstalk/internal/resilience"
	"github.com/crosstalk-audio/crosstalk/pkg/audio"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
)

// Track is the engine's continuity unit: the same physical speaker across
// consecutive windows, independent of enrollment.
type Track struct {
	// TrackID is unique within the session and never reused.
	TrackID string

	// BoundSpeakerID is the enrolled speaker bound to this track, or empty
	// while the track is unidentified. Binding is one-shot: once set it
	// never changes for the life of the track.
	BoundSpeakerID string

	// RunningEmbedding is the exponential moving average of the track's
	// channel embeddings.
	RunningEmbedding []float32

	// FirstWindow is the window index the track was created in.
	FirstWindow int64

	// LastSeenWindow is the most recent window with a matched channel.
	LastSeenWindow int64

	// ConsecutiveMisses counts windows since LastSeenWindow with no matched
	// channel. Exceeding the silence timeout retires the track.
	ConsecutiveMisses int
}

// TrackSnapshot is an immutable copy of a track's public state.
type TrackSnapshot struct {
	TrackID        string `json:"track_id"`
	SpeakerID      string `json:"speaker_id,omitempty"`
	FirstWindow    int64  `json:"first_window"`
	LastSeenWindow int64  `json:"last_seen_window"`
}

// SpeakerIdentifier resolves an embedding against the enrolled profiles.
// *registry.Registry satisfies it.
type SpeakerIdentifier interface {
	Identify(ctx context.Context, embedding []float32) (best, second registry.Match, err error)
}

// EngineConfig holds the correspondence thresholds. Zero values select the
// documented defaults.
type EngineConfig struct {
	// ContinuityThreshold is the minimum cosine similarity for matching a
	// channel to a live track. Default 0.5.
	ContinuityThreshold float64

	// IdentificationThreshold is the minimum similarity for binding a track
	// to an enrolled profile. Default 0.7.
	IdentificationThreshold float64

	// IdentificationMargin is the required separation between the best and
	// second-best profile similarity before binding. Default 0.1.
	IdentificationMargin float64

	// EmbeddingAlpha is the EMA weight of the newest embedding. Default 0.3.
	EmbeddingAlpha float64

	// SilenceTimeoutWindows is how many consecutive missed windows a track
	// survives before retirement. Default 5.
	SilenceTimeoutWindows int

	// SilenceRMSFloor is the energy level below which a channel is treated
	// as silence: it neither matches nor spawns a track. Default 0.01.
	SilenceRMSFloor float64

	// MinSpeechDuration is the minimum channel duration considered for
	// identification. Shorter channels are skipped. Default 500ms.
	MinSpeechDuration time.Duration

	// RetryBackoff is the wait before the single embedding retry.
	// Default 100ms.
	RetryBackoff time.Duration

	// OnEmbedLatency observes each successful embedding call's duration.
	// May be nil.
	OnEmbedLatency func(d time.Duration)
}

func (c *EngineConfig) applyDefaults() {
	if c.ContinuityThreshold == 0 {
		c.ContinuityThreshold = 0.5
	}
	if c.IdentificationThreshold == 0 {
		c.IdentificationThreshold = 0.7
	}
	if c.IdentificationMargin == 0 {
		c.IdentificationMargin = 0.1
	}
	if c.EmbeddingAlpha == 0 {
		c.EmbeddingAlpha = 0.3
	}
	if c.SilenceTimeoutWindows == 0 {
		c.SilenceTimeoutWindows = 5
	}
	if c.SilenceRMSFloor == 0 {
		c.SilenceRMSFloor = 0.01
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = 500 * time.Millisecond
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// Assignment is the engine's verdict for one separated channel.
type Assignment struct {
	// Slot is the channel's arbitrary per-window index from separation.
	Slot int

	// TrackID is the track the channel was assigned to.
	TrackID string

	// SpeakerID is the track's bound speaker, or empty if unidentified.
	SpeakerID string

	// NewTrack is true when this window created the track.
	NewTrack bool

	// BoundThisWindow is true when the track bound to its speaker in this
	// window.
	BoundThisWindow bool

	// Similarity is the channel-to-track similarity for matched tracks, or
	// 0 for new tracks.
	Similarity float64

	// Samples is the channel audio, carried through for transcription.
	Samples []float32
}

// WindowResult is the outcome of processing one window.
type WindowResult struct {
	WindowIndex int64

	// Assignments holds one entry per assigned channel. Every non-silent
	// channel appears in exactly one of Assignments or Unresolved.
	Assignments []Assignment

	// Unresolved lists channel slots whose embedding failed after retry.
	Unresolved []int

	// Silent lists channel slots below the silence floor or shorter than
	// the minimum speech duration; they are skipped entirely.
	Silent []int

	// Retired holds snapshots of tracks retired by this window.
	Retired []TrackSnapshot
}

// Engine assigns each separated channel in a window to a stable speaker
// track, resolving the permutation ambiguity across windows, and binds
// tracks to enrolled speakers by embedding similarity.
//
// Engine is NOT safe for concurrent use: windows for one session must be
// processed sequentially by a single goroutine.
type Engine struct {
	cfg   EngineConfig
	emb   embeddings.Provider
	ident SpeakerIdentifier

	tracks    map[string]*Track
	nextTrack int64
}

// NewEngine creates an Engine. ident may be nil, in which case tracks stay
// unidentified.
func NewEngine(cfg EngineConfig, emb embeddings.Provider, ident SpeakerIdentifier) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:    cfg,
		emb:    emb,
		ident:  ident,
		tracks: make(map[string]*Track),
	}
}

// LiveTracks returns snapshots of all live tracks, ordered by track id.
func (e *Engine) LiveTracks() []TrackSnapshot {
	out := make([]TrackSnapshot, 0, len(e.tracks))
	for _, t := range e.tracks {
		out = append(out, snapshotTrack(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// ProcessWindow runs the correspondence algorithm for one window:
//
//  1. Embed every non-silent channel (failed embeddings after one retry are
//     marked unresolved).
//  2. Greedily match channels to live tracks by descending cosine
//     similarity, restricted to pairs above the continuity threshold. Ties
//     break by lowest track id, then lowest slot, for determinism.
//  3. Unmatched channels spawn new tracks.
//  4. Matched and new tracks update their running embedding by EMA.
//  5. Unbound tracks seen this window are compared against the enrolled
//     profiles; a sufficiently similar and separated best match binds
//     permanently. When two tracks would bind the same profile in one
//     window, the higher-similarity track wins.
//  6. Tracks missed too many windows in a row are retired.
//
// With no embeddings provider, every non-silent channel is marked unresolved:
// without embeddings there is nothing to match tracks or speakers on.
func (e *Engine) ProcessWindow(ctx context.Context, chunk audio.AudioChunk, channels []audio.SeparatedChannel) (WindowResult, error) {
	res := WindowResult{WindowIndex: chunk.WindowIndex}

	// Embed the channels worth processing.
	type candidate struct {
		slot      int
		embedding []float32
		samples   []float32
	}
	var cands []candidate
	for _, ch := range channels {
		if ch.Duration(chunk.SampleRate) < e.cfg.MinSpeechDuration || audio.RMS(ch.Samples) < e.cfg.SilenceRMSFloor {
			res.Silent = append(res.Silent, ch.Slot)
			continue
		}
		if e.emb == nil {
			res.Unresolved = append(res.Unresolved, ch.Slot)
			continue
		}
		start := time.Now()
		var emb []float32
		err := resilience.RetryOnce(ctx, e.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			emb, err = e.emb.Embed(ctx, ch.Samples, chunk.SampleRate)
			return err
		})
		if err != nil {
			res.Unresolved = append(res.Unresolved, ch.Slot)
			continue
		}
		if e.cfg.OnEmbedLatency != nil {
			e.cfg.OnEmbedLatency(time.Since(start))
		}
		cands = append(cands, candidate{slot: ch.Slot, embedding: emb, samples: ch.Samples})
	}

	// Greedy maximum-similarity matching of candidates to live tracks.
	type pair struct {
		candIdx int
		trackID string
		sim     float64
	}
	var pairs []pair
	for i, c := range cands {
		for id, t := range e.tracks {
			sim := embeddings.Cosine(c.embedding, t.RunningEmbedding)
			if sim >= e.cfg.ContinuityThreshold {
				pairs = append(pairs, pair{candIdx: i, trackID: id, sim: sim})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].sim != pairs[j].sim {
			return pairs[i].sim > pairs[j].sim
		}
		if pairs[i].trackID != pairs[j].trackID {
			return pairs[i].trackID < pairs[j].trackID
		}
		return cands[pairs[i].candIdx].slot < cands[pairs[j].candIdx].slot
	})

	assignedCand := make(map[int]string)      // candidate index -> track id
	assignedTrack := make(map[string]float64) // track id -> winning similarity
	for _, p := range pairs {
		if _, done := assignedCand[p.candIdx]; done {
			continue
		}
		if _, done := assignedTrack[p.trackID]; done {
			continue
		}
		assignedCand[p.candIdx] = p.trackID
		assignedTrack[p.trackID] = p.sim
	}

	seen := make(map[string]bool, len(cands))
	for i, c := range cands {
		trackID, matched := assignedCand[i]
		var t *Track
		if matched {
			t = e.tracks[trackID]
			t.LastSeenWindow = chunk.WindowIndex
			t.ConsecutiveMisses = 0
			t.RunningEmbedding = emaUpdate(t.RunningEmbedding, c.embedding, e.cfg.EmbeddingAlpha)
		} else {
			t = e.newTrack(chunk.WindowIndex, c.embedding)
			trackID = t.TrackID
		}
		seen[trackID] = true
		res.Assignments = append(res.Assignments, Assignment{
			Slot:       c.slot,
			TrackID:    trackID,
			SpeakerID:  t.BoundSpeakerID,
			NewTrack:   !matched,
			Similarity: assignedTrack[trackID],
			Samples:    c.samples,
		})
	}

	// Identification pass for unbound tracks seen this window.
	if e.ident != nil {
		e.bindSpeakers(ctx, seen, &res)
	}

	// Miss accounting and retirement.
	for id, t := range e.tracks {
		if seen[id] {
			continue
		}
		t.ConsecutiveMisses++
		if t.ConsecutiveMisses > e.cfg.SilenceTimeoutWindows {
			res.Retired = append(res.Retired, snapshotTrack(t))
			delete(e.tracks, id)
		}
	}
	sort.Slice(res.Retired, func(i, j int) bool { return res.Retired[i].TrackID < res.Retired[j].TrackID })

	return res, nil
}

// bindSpeakers runs the one-shot binding rule over the unbound tracks seen
// this window. Conflicting candidates for the same profile are resolved by
// higher similarity; the loser stays unidentified and may bind a different
// profile in a later window.
func (e *Engine) bindSpeakers(ctx context.Context, seen map[string]bool, res *WindowResult) {
	boundProfiles := make(map[string]bool)
	for _, t := range e.tracks {
		if t.BoundSpeakerID != "" {
			boundProfiles[t.BoundSpeakerID] = true
		}
	}

	type bindCand struct {
		trackID   string
		speakerID string
		sim       float64
	}
	var bindCands []bindCand
	for id, t := range e.tracks {
		if !seen[id] || t.BoundSpeakerID != "" {
			continue
		}
		best, second, err := e.ident.Identify(ctx, t.RunningEmbedding)
		if err != nil || best.SpeakerID == "" {
			continue
		}
		if best.Similarity < e.cfg.IdentificationThreshold {
			continue
		}
		if second.SpeakerID != "" && best.Similarity-second.Similarity < e.cfg.IdentificationMargin {
			continue
		}
		// A profile already bound to a live track stays bound there.
		if boundProfiles[best.SpeakerID] {
			continue
		}
		bindCands = append(bindCands, bindCand{trackID: id, speakerID: best.SpeakerID, sim: best.Similarity})
	}

	sort.Slice(bindCands, func(i, j int) bool {
		if bindCands[i].sim != bindCands[j].sim {
			return bindCands[i].sim > bindCands[j].sim
		}
		return bindCands[i].trackID < bindCands[j].trackID
	})

	wonProfile := make(map[string]bool)
	for _, bc := range bindCands {
		if wonProfile[bc.speakerID] {
			continue
		}
		wonProfile[bc.speakerID] = true
		t := e.tracks[bc.trackID]
		t.BoundSpeakerID = bc.speakerID

		for i := range res.Assignments {
			if res.Assignments[i].TrackID == bc.trackID {
				res.Assignments[i].SpeakerID = bc.speakerID
				res.Assignments[i].BoundThisWindow = true
			}
		}
	}
}

func (e *Engine) newTrack(window int64, embedding []float32) *Track {
	e.nextTrack++
	t := &Track{
		TrackID:          fmt.Sprintf("track-%d", e.nextTrack),
		RunningEmbedding: cloneVec(embedding),
		FirstWindow:      window,
		LastSeenWindow:   window,
	}
	e.tracks[t.TrackID] = t
	return t
}

func snapshotTrack(t *Track) TrackSnapshot {
	return TrackSnapshot{
		TrackID:        t.TrackID,
		SpeakerID:      t.BoundSpeakerID,
		FirstWindow:    t.FirstWindow,
		LastSeenWindow: t.LastSeenWindow,
	}
}

// emaUpdate blends the newest embedding into the running one with weight
// alpha.
func emaUpdate(running, latest []float32, alpha float64) []float32 {
	if len(running) != len(latest) {
		return cloneVec(latest)
	}
	out := make([]float32, len(running))
	for i := range running {
		out[i] = float32(alpha)*latest[i] + float32(1-alpha)*running[i]
	}
	return out
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
