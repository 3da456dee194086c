package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crosstalk-audio/crosstalk/pkg/audio"
)

// eventBuffer is the per-subscriber event queue for the websocket feed. A
// subscriber that falls further behind loses the oldest events.
const eventBuffer = 256

// handleEvents streams the session's events as JSON text frames until the
// client disconnects or the session's final state event is delivered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.mgr.Session(id); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("events feed: websocket accept", "session_id", id, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	sub := s.bus.Subscribe(id, eventBuffer)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.metrics.RecordEventsDropped(context.Background(), id, int64(n))
			slog.Warn("events feed: slow subscriber lost events", "session_id", id, "dropped", n)
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-sub.C():
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// handleIngest accepts a websocket audio stream for a session. Binary frames
// carry little-endian int16 PCM, or Opus packets when the client negotiates
// the "opus" subprotocol.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.mgr.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"pcm", "opus"},
	})
	if err != nil {
		slog.Warn("audio ingest: websocket accept", "session_id", id, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "ingest closed")

	var opusDec *audio.OpusDecoder
	if conn.Subprotocol() == "opus" {
		opusDec, err = audio.NewOpusDecoder(sess.SampleRate(), 1)
		if err != nil {
			slog.Error("audio ingest: opus decoder", "session_id", id, "err", err)
			conn.Close(websocket.StatusInternalError, "opus unavailable")
			return
		}
	}

	slog.Info("audio ingest connected", "session_id", id, "subprotocol", conn.Subprotocol())

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			slog.Debug("audio ingest: read", "session_id", id, "err", err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		var samples []float32
		if opusDec != nil {
			samples, err = opusDec.Decode(data)
			if err != nil {
				slog.Warn("audio ingest: bad opus packet", "session_id", id, "err", err)
				continue
			}
		} else {
			if len(data)%2 != 0 {
				conn.Close(websocket.StatusInvalidFramePayloadData, "pcm frame not int16 aligned")
				return
			}
			samples = audio.PCM16ToFloat32(data)
		}

		if err := sess.PushAudio(ctx, samples); err != nil {
			conn.Close(websocket.StatusNormalClosure, "session not running")
			return
		}
	}
}
