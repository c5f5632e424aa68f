package stream

import (
	"errors"
	"net/http"
	"sync"

	"github.com/jacobxo0/AIforsikring-sub000/internal/broker"
)

// sseSink queues framed bytes for one SSE handler goroutine. Send never
// blocks: a full queue means the peer has stopped draining and the broker
// drops the connection instead of waiting on it.
type sseSink struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSSESink() *sseSink {
	return &sseSink{
		frames: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *sseSink) Send(frame []byte) error {
	select {
	case <-s.done:
		return errors.New("sink closed")
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return errors.New("send queue full, peer not draining")
	}
}

func (s *sseSink) Close() {
	s.once.Do(func() { close(s.done) })
}

// handleEvents serves one long-lived SSE stream. Each frame is written and
// flushed as soon as the broker produces it; closing the HTTP connection is
// the sole cancellation mechanism.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	subs, err := parseSubscriptions(r.URL.Query().Get("subscriptions"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := newSSESink()
	conn, err := s.broker.Register(sink, sessionID, userID, subs)
	if err != nil {
		if errors.Is(err, broker.ErrRegistryFull) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	defer s.broker.Unregister(conn.ID)

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Str("remote", r.RemoteAddr).
		Msg("sse client connected")
	defer s.log.Info().
		Str("connection_id", conn.ID).
		Str("remote", r.RemoteAddr).
		Msg("sse client disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sink.done:
			// Broker dropped the connection (failed send or idle sweep).
			return
		case frame := <-sink.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
