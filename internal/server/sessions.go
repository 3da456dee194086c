package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/crosstalk-audio/crosstalk/internal/pipeline"
	"github.com/crosstalk-audio/crosstalk/pkg/audio"
)

// startSessionRequest carries per-session overrides. Zero values keep the
// server defaults.
type startSessionRequest struct {
	SampleRate   int     `json:"sample_rate,omitempty"`
	WindowMillis int     `json:"window_ms,omitempty"`
	Overlap      float64 `json:"overlap,omitempty"`
	MaxSpeakers  int     `json:"max_speakers,omitempty"`
	Backpressure string  `json:"backpressure,omitempty"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	ov := pipeline.SessionOverrides{
		SampleRate:     req.SampleRate,
		WindowDuration: time.Duration(req.WindowMillis) * time.Millisecond,
		Overlap:        req.Overlap,
		MaxSpeakers:    req.MaxSpeakers,
	}
	switch req.Backpressure {
	case "":
	case string(pipeline.PolicyBlock), string(pipeline.PolicyDrop):
		ov.Policy = pipeline.BackpressurePolicy(req.Backpressure)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown backpressure policy: " + req.Backpressure})
		return
	}

	id, err := s.mgr.StartSession(r.Context(), ov)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]pipeline.SessionStatus{"sessions": s.mgr.List()})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.mgr.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.StopSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.mgr.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	segments := sess.Transcript()
	if segments == nil {
		segments = []pipeline.TranscriptSegment{}
	}
	writeJSON(w, http.StatusOK, map[string][]pipeline.TranscriptSegment{"segments": segments})
}

type pushAudioResponse struct {
	AcceptedSamples int `json:"accepted_samples"`
}

// handlePushAudio accepts a raw little-endian int16 PCM body and feeds it
// into the session's chunker.
func (s *Server) handlePushAudio(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	if len(body) > maxAudioBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "audio body exceeds limit"})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty audio body"})
		return
	}
	if len(body)%2 != 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "audio body is not int16 aligned"})
		return
	}

	samples := audio.PCM16ToFloat32(body)
	if err := sess.PushAudio(r.Context(), samples); err != nil {
		// A blocked push cut short by the client disconnecting is not a
		// session error.
		if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pushAudioResponse{AcceptedSamples: len(samples)})
}
