// Package server exposes the crosstalk control surface over HTTP: session
// lifecycle, audio ingest, speaker enrollment, a websocket event feed, and
// the health and metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosstalk-audio/crosstalk/internal/event"
	"github.com/crosstalk-audio/crosstalk/internal/health"
	"github.com/crosstalk-audio/crosstalk/internal/observe"
	"github.com/crosstalk-audio/crosstalk/internal/pipeline"
	"github.com/crosstalk-audio/crosstalk/internal/registry"
)

// maxAudioBody bounds one POST /audio request body (int16 PCM). 8 MiB is
// over four minutes of 16 kHz mono audio.
const maxAudioBody = 8 << 20

// Server routes control-surface requests to the session manager and speaker
// registry.
type Server struct {
	mgr      *pipeline.Manager
	speakers *registry.Registry
	bus      *event.Bus
	metrics  *observe.Metrics
	health   *health.Handler
}

// New creates a Server. speakers may be nil, in which case the speaker
// endpoints return 503.
func New(mgr *pipeline.Manager, speakers *registry.Registry, bus *event.Bus, metrics *observe.Metrics, h *health.Handler) *Server {
	return &Server{
		mgr:      mgr,
		speakers: speakers,
		bus:      bus,
		metrics:  metrics,
		health:   h,
	}
}

// Handler returns the fully routed HTTP handler, wrapped in the metrics and
// tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionStatus)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleStopSession)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("POST /v1/sessions/{id}/audio", s.handlePushAudio)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/ingest", s.handleIngest)

	mux.HandleFunc("POST /v1/speakers", s.handleEnroll)
	mux.HandleFunc("GET /v1/speakers", s.handleListSpeakers)
	mux.HandleFunc("GET /v1/speakers/{id}", s.handleGetSpeaker)
	mux.HandleFunc("POST /v1/speakers/{id}/samples", s.handleReenroll)

	mux.HandleFunc("GET /healthz", s.health.Healthz)
	mux.HandleFunc("GET /readyz", s.health.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http: write response", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP status codes and writes a JSON error
// body.
func writeError(w http.ResponseWriter, err error) {
	var stateErr *pipeline.SessionStateError
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound), errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, registry.ErrEmptySamples), errors.Is(err, registry.ErrEmptyName):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
