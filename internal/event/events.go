// Package event carries pipeline events from sessions to subscribers
// (dashboard, API, exporters).
//
// Delivery is publish-only: publishers never block on slow subscribers. Each
// subscriber owns a bounded buffer; when it fills the oldest event is dropped
// and counted. Events for a given track are published in non-decreasing
// window order, so an uncongested subscriber observes them in that order.
// Cross-track ordering is unspecified.
package event

import "time"

// Kind discriminates the payload carried by an Event.
type Kind string

const (
	// KindSeparation reports one processed separation window.
	KindSeparation Kind = "separation"
	// KindTrackUpdate reports a track creation, binding, or retirement.
	KindTrackUpdate Kind = "track_update"
	// KindTranscription reports one completed transcript segment.
	KindTranscription Kind = "transcription"
	// KindSessionState reports a session state transition.
	KindSessionState Kind = "session_state"
)

// Track states reported in TrackUpdate events.
const (
	TrackStateActive  = "active"
	TrackStateBound   = "bound"
	TrackStateRetired = "retired"
)

// Event is one pipeline event. Exactly one payload field is non-nil,
// selected by Kind. Events are immutable snapshots; subscribers never
// receive references into live pipeline state.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Separation    *Separation    `json:"separation,omitempty"`
	TrackUpdate   *TrackUpdate   `json:"track_update,omitempty"`
	Transcription *Transcription `json:"transcription,omitempty"`
	SessionState  *SessionState  `json:"session_state,omitempty"`
}

// Separation is the payload for KindSeparation.
type Separation struct {
	WindowIndex int64 `json:"window_index"`
	NumChannels int   `json:"num_channels"`
}

// TrackUpdate is the payload for KindTrackUpdate.
type TrackUpdate struct {
	TrackID string `json:"track_id"`
	// SpeakerID is empty while the track is unidentified.
	SpeakerID string `json:"speaker_id,omitempty"`
	State     string `json:"state"`
}

// Transcription is the payload for KindTranscription.
type Transcription struct {
	TrackID string `json:"track_id"`
	// SpeakerID is empty while the track is unidentified.
	SpeakerID   string        `json:"speaker_id,omitempty"`
	WindowIndex int64         `json:"window_index"`
	StartTime   time.Duration `json:"start_time"`
	EndTime     time.Duration `json:"end_time"`
	Text        string        `json:"text"`
	Confidence  float64       `json:"confidence"`
}

// SessionState is the payload for KindSessionState.
type SessionState struct {
	State string `json:"state"`
}
