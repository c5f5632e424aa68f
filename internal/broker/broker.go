// Package broker holds the authoritative set of live streaming connections
// and fans published envelopes out to the subset whose filters match. It also
// owns the per-session replay buffers and the heartbeat/sweep background
// loops.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

// ErrRegistryFull is returned by Register when the admission bound is hit.
var ErrRegistryFull = errors.New("connection registry full")

// Options tune the broker. Zero values fall back to production defaults;
// tests run the loops at millisecond scale.
type Options struct {
	HeartbeatInterval time.Duration // periodic liveness broadcast
	SweepInterval     time.Duration // stale-connection / buffer-retention scan
	StaleAfter        time.Duration // idle threshold before forced unregister
	BufferLimit       int           // max buffered errors per session
	BufferRetention   time.Duration // buffered entries older than this are purged
	MaxConnections    int           // admission bound, 0 = unlimited
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = 50
	}
	if o.BufferRetention <= 0 {
		o.BufferRetention = time.Hour
	}
	return o
}

// Stats is the operator-facing snapshot served by the stats endpoint.
type Stats struct {
	ActiveConnections   int     `json:"activeConnections"`
	BufferedSessions    int     `json:"bufferedSessions"`
	TotalBufferedErrors int     `json:"totalBufferedErrors"`
	UptimeSeconds       float64 `json:"uptimeSeconds"`
	CPUPercent          float64 `json:"cpuPercent"`
	MemoryRSSBytes      uint64  `json:"memoryRssBytes"`
}

// Broker is an explicit service object: construct with New, run the
// background loops with Start, stop them deterministically with Stop.
type Broker struct {
	opts Options
	log  zerolog.Logger

	startedAt time.Time
	proc      *process.Process

	mu    sync.Mutex
	conns map[string]*Connection

	buffers *bufferStore

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options, logger zerolog.Logger) *Broker {
	opts = opts.withDefaults()
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Broker{
		opts:      opts,
		log:       logger,
		startedAt: time.Now(),
		proc:      proc,
		conns:     make(map[string]*Connection),
		buffers:   newBufferStore(opts.BufferLimit),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat and sweep loops. They exit when ctx is
// cancelled or Stop is called.
func (b *Broker) Start(ctx context.Context) {
	b.wg.Add(2)
	go b.heartbeatLoop(ctx)
	go b.sweepLoop(ctx)
}

// Stop halts the background loops and waits for them to exit. Safe to call
// more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Register creates a Connection for sink and stores it. The new connection
// immediately receives a synthetic heartbeat acknowledging the connect with
// its id and active subscriptions, followed by a bulk_errors replay when the
// session has buffered history. Both are delivered before any envelope
// published after Register returns.
func (b *Broker) Register(sink Sink, sessionID, userID string, subs []event.Type) (*Connection, error) {
	conn := newConnection(uuid.NewString(), sessionID, userID, subs, sink)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.MaxConnections > 0 && len(b.conns) >= b.opts.MaxConnections {
		return nil, ErrRegistryFull
	}
	b.conns[conn.ID] = conn

	ack := event.Envelope{
		Type:      event.TypeHeartbeat,
		Timestamp: time.Now(),
		Data: map[string]any{
			"connectionId":  conn.ID,
			"subscriptions": typeTags(conn.Subscriptions()),
		},
	}
	if !b.sendLocked(conn, ack) {
		b.dropLocked(conn.ID, "connect ack rejected")
		return nil, fmt.Errorf("register connection: connect ack rejected by sink")
	}

	if sessionID != "" {
		if buffered := b.buffers.snapshot(sessionID); len(buffered) > 0 {
			if !b.sendLocked(conn, bulkEnvelope(sessionID, buffered)) {
				b.dropLocked(conn.ID, "replay rejected")
				return nil, fmt.Errorf("register connection: replay rejected by sink")
			}
		}
	}

	b.log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Int("connections", len(b.conns)).
		Msg("connection registered")
	return conn, nil
}

// Unregister removes a connection and releases its sink. Idempotent.
func (b *Broker) Unregister(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[connectionID]; !ok {
		return
	}
	b.dropLocked(connectionID, "unregistered")
}

// Publish is the collaborator boundary: the external error/monitoring
// pipeline hands in an event and the broker stamps, buffers, and fans it out.
// Session-scoped error events are buffered even when no connection is live
// for that session, so a later connect can replay them.
func (b *Broker) Publish(typ event.Type, data map[string]any, severity event.Severity, sessionID string) {
	if severity == "" {
		severity = event.SeverityInfo
	}
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["severity"] = string(severity)
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}

	env := event.Envelope{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      payload,
		ID:        correlationID(typ, data),
		SessionID: sessionID,
	}

	if typ.IsError() && sessionID != "" {
		b.buffers.append(sessionID, env)
	}

	b.broadcast(env, func(c *Connection) bool {
		if !c.SubscribedTo(typ) {
			return false
		}
		// Session-scoped envelopes go to that session's connections and to
		// anonymous/global subscribers.
		if env.SessionID == "" || c.SessionID == "" {
			return true
		}
		return c.SessionID == env.SessionID
	})
}

// broadcast delivers env to every registered connection match accepts. The
// linear scan runs under the registry lock; sink sends are bounded-time, so
// holding it for the scan keeps register/broadcast/sweep mutually exclusive
// without starving anyone. A failed send drops that connection only.
func (b *Broker) broadcast(env event.Envelope, match func(*Connection) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var failed []string
	for id, conn := range b.conns {
		if !match(conn) {
			continue
		}
		if !b.sendLocked(conn, env) {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		b.dropLocked(id, "sink write failed")
	}
}

// sendLocked frames env and hands it to the connection's sink. Any error or
// panic from the sink is contained here and reported as a failed send; the
// dispatch loop itself never crashes. Caller holds b.mu.
func (b *Broker) sendLocked(conn *Connection, env event.Envelope) (ok bool) {
	frame, err := event.EncodeFrame(env)
	if err != nil {
		// Encoding failure is a publisher problem, not a connection problem.
		b.log.Error().Err(err).Str("type", string(env.Type)).Msg("frame encode failed")
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn().
				Str("connection_id", conn.ID).
				Interface("panic", r).
				Msg("sink panicked during send")
			ok = false
		}
	}()
	if err := conn.sink.Send(frame); err != nil {
		return false
	}
	conn.lastSeen = time.Now()
	return true
}

// dropLocked removes a connection and closes its sink. Caller holds b.mu.
func (b *Broker) dropLocked(connectionID, reason string) {
	conn, ok := b.conns[connectionID]
	if !ok {
		return
	}
	delete(b.conns, connectionID)
	conn.sink.Close()
	b.log.Debug().
		Str("connection_id", connectionID).
		Str("reason", reason).
		Int("connections", len(b.conns)).
		Msg("connection removed")
}

// ConnectionCount returns the number of live registry entries.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Stats returns the operator statistics snapshot.
func (b *Broker) Stats() Stats {
	cpu, rss := b.processUsage()
	return Stats{
		ActiveConnections:   b.ConnectionCount(),
		BufferedSessions:    b.buffers.sessionCount(),
		TotalBufferedErrors: b.buffers.totalCount(),
		UptimeSeconds:       time.Since(b.startedAt).Seconds(),
		CPUPercent:          cpu,
		MemoryRSSBytes:      rss,
	}
}

func (b *Broker) processUsage() (cpuPercent float64, rssBytes uint64) {
	if b.proc == nil {
		return 0, 0
	}
	if cpu, err := b.proc.CPUPercent(); err == nil {
		cpuPercent = cpu
	}
	if mem, err := b.proc.MemoryInfo(); err == nil && mem != nil {
		rssBytes = mem.RSS
	}
	return cpuPercent, rssBytes
}

// correlationID picks the envelope id: the publisher's own id when supplied
// (resolved events reference the prior occurrence this way), otherwise a
// fresh id for new errors. Duplicate ids are an idempotency signal for
// consumers, so the id must stay stable across rebroadcast and replay.
func correlationID(typ event.Type, data map[string]any) string {
	if id, ok := data["id"].(string); ok && id != "" {
		return id
	}
	if typ == event.TypeErrorOccurred {
		return uuid.NewString()
	}
	return ""
}

// bulkEnvelope packs buffered errors, oldest first, into one bulk_errors
// envelope for replay on connect.
func bulkEnvelope(sessionID string, buffered []event.Envelope) event.Envelope {
	entries := make([]map[string]any, len(buffered))
	for i, e := range buffered {
		entry := make(map[string]any, len(e.Data)+3)
		for k, v := range e.Data {
			entry[k] = v
		}
		entry["id"] = e.ID
		entry["type"] = string(e.Type)
		entry["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
		entries[i] = entry
	}
	return event.Envelope{
		Type:      event.TypeBulkErrors,
		Timestamp: time.Now(),
		Data:      map[string]any{"errors": entries, "count": len(entries)},
		SessionID: sessionID,
	}
}

func typeTags(types []event.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
