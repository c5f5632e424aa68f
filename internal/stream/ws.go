package stream

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jacobxo0/AIforsikring-sub000/internal/broker"
)

const wsWriteTimeout = 10 * time.Second

// wsSink carries the same frames as the SSE stream over a websocket, one
// text message per frame. The writePump is the only writer on the socket.
type wsSink struct {
	conn   *websocket.Conn
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	s := &wsSink{
		conn:   conn,
		frames: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSink) writePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.frames:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (s *wsSink) Send(frame []byte) error {
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

func (s *wsSink) Close() {
	s.once.Do(func() { close(s.done) })
}

// handleWS is the websocket flavor of the streaming endpoint. It takes the
// same query parameters as /events and feeds the same registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	subs, err := parseSubscriptions(r.URL.Query().Get("subscriptions"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	sink := newWSSink(wsConn)
	conn, err := s.broker.Register(sink, sessionID, userID, subs)
	if err != nil {
		sink.Close()
		if errors.Is(err, broker.ErrRegistryFull) {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("ws connection rejected, registry full")
		}
		return
	}

	s.log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Str("remote", r.RemoteAddr).
		Msg("ws client connected")

	// The read loop exists only to detect the peer going away; inbound
	// messages are ignored.
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			break
		}
	}

	s.broker.Unregister(conn.ID)
	s.log.Info().
		Str("connection_id", conn.ID).
		Str("remote", r.RemoteAddr).
		Msg("ws client disconnected")
}
