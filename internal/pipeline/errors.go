package pipeline

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by Manager operations addressing an unknown
// session id.
var ErrSessionNotFound = errors.New("pipeline: session not found")

// Pipeline stage names used in errors, metrics attributes, and logs.
const (
	StageSeparation    = "separation"
	StageEmbedding     = "embedding"
	StageTranscription = "transcription"
)

// InferenceError wraps a failed or timed-out adapter call. It is produced
// only after the retry budget is exhausted; the affected channel or window is
// then marked unresolved and processing continues.
type InferenceError struct {
	// Stage is the pipeline stage whose adapter failed.
	Stage string
	// Err is the underlying adapter error.
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("pipeline: %s inference failed: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// SessionStateError reports an operation attempted in an invalid session
// state, such as stopping a session that is not running. The operation has no
// side effect.
type SessionStateError struct {
	// SessionID identifies the session.
	SessionID string
	// Op is the rejected operation.
	Op string
	// State is the session state at the time of the call.
	State State
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("pipeline: cannot %s session %s in state %s", e.Op, e.SessionID, e.State)
}
