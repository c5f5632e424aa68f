package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

// captureSink records every frame it accepts. Failure modes are switchable so
// tests can exercise the broker's drop-on-failure path.
type captureSink struct {
	mu          sync.Mutex
	frames      []string
	fail        bool
	panicOnSend bool
	closed      bool
}

func (s *captureSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnSend {
		panic("sink exploded")
	}
	if s.fail {
		return errors.New("peer gone")
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *captureSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *captureSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// eventTypes extracts the event: field of every captured frame, in order.
func (s *captureSink) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, frame := range s.frames {
		for _, line := range strings.Split(frame, "\n") {
			if strings.HasPrefix(line, "event: ") {
				out = append(out, strings.TrimPrefix(line, "event: "))
			}
		}
	}
	return out
}

// frameData decodes the data line of the i-th captured frame.
func (s *captureSink) frameData(t *testing.T, i int) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.frames) {
		t.Fatalf("frame %d not captured (have %d)", i, len(s.frames))
	}
	for _, line := range strings.Split(s.frames[i], "\n") {
		if strings.HasPrefix(line, "data: ") {
			var payload map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
				t.Fatalf("frame %d data line: %v", i, err)
			}
			return payload
		}
	}
	t.Fatalf("frame %d has no data line: %q", i, s.frames[i])
	return nil
}

func (s *captureSink) frameID(t *testing.T, i int) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.frames) {
		t.Fatalf("frame %d not captured (have %d)", i, len(s.frames))
	}
	for _, line := range strings.Split(s.frames[i], "\n") {
		if strings.HasPrefix(line, "id: ") {
			return strings.TrimPrefix(line, "id: ")
		}
	}
	return ""
}

func newTestBroker(opts Options) *Broker {
	return New(opts, zerolog.Nop())
}

func assertEventTypes(t *testing.T, sink *captureSink, expected ...string) {
	t.Helper()
	got := sink.eventTypes()
	if len(got) != len(expected) {
		t.Fatalf("expected %d frames %v, got %d: %v", len(expected), expected, len(got), got)
	}
	for i, want := range expected {
		if got[i] != want {
			t.Errorf("frame[%d]: expected %s, got %s", i, want, got[i])
		}
	}
}

func TestRegister_ConnectAck(t *testing.T) {
	b := newTestBroker(Options{})
	sink := &captureSink{}

	conn, err := b.Register(sink, "s1", "u1", []event.Type{event.TypeErrorOccurred, event.TypeHeartbeat})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	assertEventTypes(t, sink, "heartbeat")
	ack := sink.frameData(t, 0)
	if ack["connectionId"] != conn.ID {
		t.Errorf("ack connectionId = %v, want %s", ack["connectionId"], conn.ID)
	}
	subs, ok := ack["subscriptions"].([]any)
	if !ok || len(subs) != 2 {
		t.Fatalf("ack subscriptions = %v", ack["subscriptions"])
	}
	if subs[0] != "error_occurred" || subs[1] != "heartbeat" {
		t.Errorf("ack subscriptions order: %v", subs)
	}
}

func TestBroadcast_FanOutSubsetAndOrder(t *testing.T) {
	b := newTestBroker(Options{})

	errorsOnly := &captureSink{}
	all := &captureSink{}
	heartbeatOnly := &captureSink{}
	for sink, subs := range map[*captureSink][]event.Type{
		errorsOnly:    {event.TypeErrorOccurred},
		all:           nil,
		heartbeatOnly: {event.TypeHeartbeat},
	} {
		if _, err := b.Register(sink, "", "", subs); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	b.Publish(event.TypeErrorOccurred, map[string]any{"seq": 1}, event.SeverityError, "")
	b.Publish(event.TypeErrorOccurred, map[string]any{"seq": 2}, event.SeverityError, "")
	b.Publish(event.TypeServiceStatus, map[string]any{"service": "db"}, event.SeverityInfo, "")

	// Every sink saw its connect ack first; after that, only subscribed types
	// in publish order.
	assertEventTypes(t, errorsOnly, "heartbeat", "error_occurred", "error_occurred")
	assertEventTypes(t, all, "heartbeat", "error_occurred", "error_occurred", "service_status_changed")
	assertEventTypes(t, heartbeatOnly, "heartbeat")

	if seq := errorsOnly.frameData(t, 1)["seq"]; seq != float64(1) {
		t.Errorf("first delivered error seq = %v", seq)
	}
	if seq := errorsOnly.frameData(t, 2)["seq"]; seq != float64(2) {
		t.Errorf("second delivered error seq = %v", seq)
	}
}

func TestBroadcast_SessionScoping(t *testing.T) {
	b := newTestBroker(Options{})

	s1 := &captureSink{}
	s2 := &captureSink{}
	anon := &captureSink{}
	if _, err := b.Register(s1, "s1", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register(s2, "s2", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register(anon, "", "", nil); err != nil {
		t.Fatal(err)
	}

	b.Publish(event.TypeErrorOccurred, map[string]any{"message": "scoped"}, event.SeverityError, "s1")

	assertEventTypes(t, s1, "heartbeat", "error_occurred")
	assertEventTypes(t, s2, "heartbeat")
	assertEventTypes(t, anon, "heartbeat", "error_occurred")

	if got := s1.frameData(t, 1)["sessionId"]; got != "s1" {
		t.Errorf("payload sessionId = %v", got)
	}
}

func TestBroadcast_WriteFailureRemovesOnlyThatConnection(t *testing.T) {
	b := newTestBroker(Options{})

	healthy := &captureSink{}
	broken := &captureSink{fail: true}
	if _, err := b.Register(healthy, "", "", nil); err != nil {
		t.Fatal(err)
	}
	// The failing sink rejects even the connect ack; Register reports it.
	if _, err := b.Register(broken, "", "", nil); err == nil {
		t.Fatal("Register with failing sink should error")
	}
	if !broken.isClosed() {
		t.Error("failed connection's sink should be closed")
	}

	// A sink that fails later is dropped on the broadcast that hits it.
	flaky := &captureSink{}
	if _, err := b.Register(flaky, "", "", nil); err != nil {
		t.Fatal(err)
	}
	flaky.mu.Lock()
	flaky.fail = true
	flaky.mu.Unlock()

	b.Publish(event.TypeServiceStatus, map[string]any{"service": "api"}, event.SeverityInfo, "")

	if got := b.ConnectionCount(); got != 1 {
		t.Errorf("expected 1 live connection after failed write, got %d", got)
	}
	if !flaky.isClosed() {
		t.Error("dropped connection's sink should be closed")
	}
	assertEventTypes(t, healthy, "heartbeat", "service_status_changed")
}

func TestBroadcast_SinkPanicIsContained(t *testing.T) {
	b := newTestBroker(Options{})

	bystander := &captureSink{}
	if _, err := b.Register(bystander, "", "", nil); err != nil {
		t.Fatal(err)
	}
	angry := &captureSink{}
	if _, err := b.Register(angry, "", "", nil); err != nil {
		t.Fatal(err)
	}
	angry.mu.Lock()
	angry.panicOnSend = true
	angry.mu.Unlock()

	b.Publish(event.TypeErrorOccurred, map[string]any{"message": "x"}, event.SeverityError, "")

	if got := b.ConnectionCount(); got != 1 {
		t.Errorf("panicking sink should be dropped, have %d connections", got)
	}
	assertEventTypes(t, bystander, "heartbeat", "error_occurred")
}

func TestReplayOnConnect(t *testing.T) {
	b := newTestBroker(Options{})

	for i := 1; i <= 3; i++ {
		b.Publish(event.TypeErrorOccurred,
			map[string]any{"id": fmt.Sprintf("err-%d", i), "seq": i},
			event.SeverityError, "s1")
	}

	sink := &captureSink{}
	if _, err := b.Register(sink, "s1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Publish(event.TypeErrorOccurred, map[string]any{"id": "err-4"}, event.SeverityError, "s1")

	// Replay arrives after the ack and before anything newly published.
	assertEventTypes(t, sink, "heartbeat", "bulk_errors", "error_occurred")

	bulk := sink.frameData(t, 1)
	if bulk["count"] != float64(3) {
		t.Errorf("bulk count = %v", bulk["count"])
	}
	entries, ok := bulk["errors"].([]any)
	if !ok || len(entries) != 3 {
		t.Fatalf("bulk errors = %v", bulk["errors"])
	}
	for i, raw := range entries {
		entry := raw.(map[string]any)
		if entry["id"] != fmt.Sprintf("err-%d", i+1) {
			t.Errorf("entry[%d] id = %v (oldest-first expected)", i, entry["id"])
		}
	}
}

func TestPublish_BuffersWithoutLiveConnections(t *testing.T) {
	b := newTestBroker(Options{})

	// Nothing is connected for s1 when the error happens.
	b.Publish(event.TypeErrorOccurred, map[string]any{"id": "orig-err", "message": "boom"}, event.SeverityCritical, "s1")

	sink := &captureSink{}
	if _, err := b.Register(sink, "s1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	assertEventTypes(t, sink, "heartbeat", "bulk_errors")
	bulk := sink.frameData(t, 1)
	entries := bulk["errors"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 replayed error, got %d", len(entries))
	}
	if entries[0].(map[string]any)["id"] != "orig-err" {
		t.Errorf("replayed id = %v", entries[0].(map[string]any)["id"])
	}
}

func TestPublish_BoundedBuffer(t *testing.T) {
	b := newTestBroker(Options{})

	for i := 0; i < 60; i++ {
		b.Publish(event.TypeErrorOccurred, map[string]any{"seq": i}, event.SeverityError, "s1")
	}

	buffered := b.buffers.snapshot("s1")
	if len(buffered) != 50 {
		t.Fatalf("expected 50 buffered errors, got %d", len(buffered))
	}
	if buffered[0].Data["seq"] != 10 {
		t.Errorf("oldest surviving entry seq = %v, want 10 (oldest-first eviction)", buffered[0].Data["seq"])
	}
	if buffered[49].Data["seq"] != 59 {
		t.Errorf("newest entry seq = %v, want 59", buffered[49].Data["seq"])
	}
}

func TestPublish_AssignsStableErrorIDs(t *testing.T) {
	b := newTestBroker(Options{})
	sink := &captureSink{}
	if _, err := b.Register(sink, "", "", nil); err != nil {
		t.Fatal(err)
	}

	b.Publish(event.TypeErrorOccurred, map[string]any{"message": "x"}, event.SeverityError, "")
	generated := sink.frameID(t, 1)
	if generated == "" {
		t.Fatal("error_occurred without publisher id should get a generated one")
	}

	b.Publish(event.TypeErrorResolved, map[string]any{"id": generated}, event.SeverityInfo, "")
	if got := sink.frameID(t, 2); got != generated {
		t.Errorf("resolved id = %q, want the original occurrence id %q", got, generated)
	}

	b.Publish(event.TypeServiceStatus, map[string]any{"service": "db"}, event.SeverityInfo, "")
	if got := sink.frameID(t, 3); got != "" {
		t.Errorf("status events should carry no id unless supplied, got %q", got)
	}
}

func TestSweep_RemovesIdleConnections(t *testing.T) {
	b := newTestBroker(Options{StaleAfter: 5 * time.Minute})

	idle := &captureSink{}
	fresh := &captureSink{}
	idleConn, err := b.Register(idle, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register(fresh, "", "", nil); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	idleConn.lastSeen = time.Now().Add(-6 * time.Minute)
	b.mu.Unlock()

	b.sweep()

	if got := b.ConnectionCount(); got != 1 {
		t.Errorf("expected 1 connection after sweep, got %d", got)
	}
	if !idle.isClosed() {
		t.Error("swept connection's sink should be closed")
	}
	if fresh.isClosed() {
		t.Error("fresh connection should survive the sweep")
	}
}

func TestSweep_PurgesExpiredBuffers(t *testing.T) {
	b := newTestBroker(Options{BufferRetention: time.Hour})

	b.Publish(event.TypeErrorOccurred, map[string]any{"id": "old"}, event.SeverityError, "s1")
	b.Publish(event.TypeErrorOccurred, map[string]any{"id": "new"}, event.SeverityError, "s2")

	// Age s1's entry past retention.
	b.buffers.mu.Lock()
	entries := b.buffers.sessions["s1"]
	entries[0].storedAt = time.Now().Add(-2 * time.Hour)
	b.buffers.sessions["s1"] = entries
	b.buffers.mu.Unlock()

	b.sweep()

	if got := b.buffers.sessionCount(); got != 1 {
		t.Errorf("expected 1 buffered session after purge, got %d", got)
	}
	if got := b.buffers.snapshot("s1"); got != nil {
		t.Errorf("s1 buffer should be deleted once empty, got %d entries", len(got))
	}
	if got := b.buffers.snapshot("s2"); len(got) != 1 {
		t.Errorf("s2 buffer should survive, got %d entries", len(got))
	}
}

func TestRegister_MaxConnections(t *testing.T) {
	b := newTestBroker(Options{MaxConnections: 2})

	var conns []*Connection
	for i := 0; i < 2; i++ {
		conn, err := b.Register(&captureSink{}, "", "", nil)
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	if _, err := b.Register(&captureSink{}, "", "", nil); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("expected ErrRegistryFull, got %v", err)
	}

	// Freeing a slot re-admits.
	b.Unregister(conns[0].ID)
	if _, err := b.Register(&captureSink{}, "", "", nil); err != nil {
		t.Errorf("Register after Unregister: %v", err)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	b := newTestBroker(Options{})
	sink := &captureSink{}
	conn, err := b.Register(sink, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	b.Unregister(conn.ID)
	b.Unregister(conn.ID)
	b.Unregister("never-existed")

	if got := b.ConnectionCount(); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
	if !sink.isClosed() {
		t.Error("unregistered connection's sink should be closed")
	}
}

func TestHeartbeat_PayloadAndFiltering(t *testing.T) {
	b := newTestBroker(Options{})

	listening := &captureSink{}
	deaf := &captureSink{}
	if _, err := b.Register(listening, "", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register(deaf, "", "", []event.Type{event.TypeErrorOccurred}); err != nil {
		t.Fatal(err)
	}

	b.heartbeat()

	// listening: connect ack + periodic heartbeat; deaf: connect ack only
	// (the ack is unconditional, the periodic beat honors the filter).
	assertEventTypes(t, listening, "heartbeat", "heartbeat")
	assertEventTypes(t, deaf, "heartbeat")

	beat := listening.frameData(t, 1)
	if beat["connections"] != float64(2) {
		t.Errorf("heartbeat connections = %v, want 2", beat["connections"])
	}
	if _, ok := beat["uptimeSeconds"]; !ok {
		t.Error("heartbeat should carry uptimeSeconds")
	}
}

func TestStats(t *testing.T) {
	b := newTestBroker(Options{})
	if _, err := b.Register(&captureSink{}, "", "", nil); err != nil {
		t.Fatal(err)
	}
	b.Publish(event.TypeErrorOccurred, map[string]any{"m": 1}, event.SeverityError, "s1")
	b.Publish(event.TypeErrorOccurred, map[string]any{"m": 2}, event.SeverityError, "s2")
	b.Publish(event.TypeErrorOccurred, map[string]any{"m": 3}, event.SeverityError, "s2")

	stats := b.Stats()
	if stats.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d", stats.ActiveConnections)
	}
	if stats.BufferedSessions != 2 {
		t.Errorf("BufferedSessions = %d", stats.BufferedSessions)
	}
	if stats.TotalBufferedErrors != 3 {
		t.Errorf("TotalBufferedErrors = %d", stats.TotalBufferedErrors)
	}
	if stats.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %f", stats.UptimeSeconds)
	}
}

func TestStartStop_Deterministic(t *testing.T) {
	b := newTestBroker(Options{
		HeartbeatInterval: time.Millisecond,
		SweepInterval:     time.Millisecond,
	})
	sink := &captureSink{}
	if _, err := b.Register(sink, "", "", nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	deadline := time.After(2 * time.Second)
	for len(sink.eventTypes()) < 3 { // ack + at least two periodic beats
		select {
		case <-deadline:
			t.Fatal("timed out waiting for heartbeats")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.Stop()
	b.Stop() // second Stop must not panic or hang
}
