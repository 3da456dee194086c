package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosstalk-audio/crosstalk/internal/registry"
	"github.com/crosstalk-audio/crosstalk/pkg/audio"
)

// enrollRequest carries one or more base64-encoded little-endian int16 PCM
// voice samples for a speaker.
type enrollRequest struct {
	Name       string   `json:"name"`
	SampleRate int      `json:"sample_rate"`
	Samples    []string `json:"samples"`
}

// speakerResponse is the public view of a profile. Raw embeddings stay
// server-side; only the count is reported.
type speakerResponse struct {
	SpeakerID   string    `json:"speaker_id"`
	DisplayName string    `json:"display_name"`
	Embeddings  int       `json:"embeddings"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toSpeakerResponse(p registry.SpeakerProfile) speakerResponse {
	return speakerResponse{
		SpeakerID:   p.SpeakerID,
		DisplayName: p.DisplayName,
		Embeddings:  len(p.Embeddings),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// decodeSamples converts base64 int16 PCM strings to float32 sample slices.
func decodeSamples(encoded []string) ([][]float32, error) {
	samples := make([][]float32, 0, len(encoded))
	for i, e := range encoded {
		pcm, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("samples[%d]: invalid base64: %w", i, err)
		}
		if len(pcm)%2 != 0 {
			return nil, fmt.Errorf("samples[%d]: not int16 aligned", i)
		}
		samples = append(samples, audio.PCM16ToFloat32(pcm))
	}
	return samples, nil
}

func (s *Server) speakersUnavailable(w http.ResponseWriter) bool {
	if s.speakers == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "speaker registry is not configured"})
		return true
	}
	return false
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if s.speakersUnavailable(w) {
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 16000
	}
	samples, err := decodeSamples(req.Samples)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	profile, err := s.speakers.Enroll(r.Context(), req.Name, samples, req.SampleRate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSpeakerResponse(profile))
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, r *http.Request) {
	if s.speakersUnavailable(w) {
		return
	}

	profiles, err := s.speakers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]speakerResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toSpeakerResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string][]speakerResponse{"speakers": out})
}

func (s *Server) handleGetSpeaker(w http.ResponseWriter, r *http.Request) {
	if s.speakersUnavailable(w) {
		return
	}

	profile, err := s.speakers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSpeakerResponse(profile))
}

// handleReenroll appends additional voice samples to an existing profile.
func (s *Server) handleReenroll(w http.ResponseWriter, r *http.Request) {
	if s.speakersUnavailable(w) {
		return
	}

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 16000
	}
	samples, err := decodeSamples(req.Samples)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id := r.PathValue("id")
	if err := s.speakers.Reenroll(r.Context(), id, samples, req.SampleRate); err != nil {
		writeError(w, err)
		return
	}
	profile, err := s.speakers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSpeakerResponse(profile))
}
