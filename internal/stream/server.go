// Package stream bridges inbound HTTP to the broker: the SSE streaming
// endpoint, the secondary websocket transport, the publish entrypoint for the
// monitoring pipeline, and the operator stats endpoint.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jacobxo0/AIforsikring-sub000/internal/broker"
	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

// sendBuffer is the per-connection outbound queue. Frames beyond it mean the
// peer is not draining its socket, which the broker treats as a dead
// connection; no unbounded buffering happens on top of the transport's own.
const sendBuffer = 64

type Server struct {
	broker         *broker.Broker
	log            zerolog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(b *broker.Broker, allowedOrigins []string, logger zerolog.Logger) *Server {
	s := &Server{
		broker:         b,
		log:            logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/publish", s.handlePublish)
	mux.HandleFunc("/api/stats", s.handleStats)
}

type publishRequest struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Severity  string         `json:"severity"`
	SessionID string         `json:"sessionId"`
}

// handlePublish is the collaborator boundary over HTTP: the error/monitoring
// pipeline posts events here and the broker fans them out.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	typ, err := event.ParseType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	severity, err := event.ParseSeverity(req.Severity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.broker.Publish(typ, req.Data, severity, req.SessionID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.broker.Stats()); err != nil {
		s.log.Warn().Err(err).Msg("stats response write failed")
	}
}

// parseSubscriptions turns the comma-separated subscriptions query parameter
// into a validated type set. Empty means the default (all types). An unknown
// tag rejects the request before any registration happens.
func parseSubscriptions(raw string) ([]event.Type, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var subs []event.Type
	for _, tag := range strings.Split(raw, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		typ, err := event.ParseType(tag)
		if err != nil {
			return nil, err
		}
		subs = append(subs, typ)
	}
	return subs, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux, logger zerolog.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	logger.Info().Str("addr", addr).Msg("server listening")
	return http.ListenAndServe(addr, mux)
}
