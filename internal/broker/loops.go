package broker

import (
	"context"
	"time"

	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

func (b *Broker) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

// heartbeat broadcasts a liveness envelope to every connection subscribed to
// it. Besides giving clients a signal, the periodic write keeps intermediary
// proxies from idling out the stream.
func (b *Broker) heartbeat() {
	cpu, rss := b.processUsage()
	env := event.Envelope{
		Type:      event.TypeHeartbeat,
		Timestamp: time.Now(),
		Data: map[string]any{
			"connections":    b.ConnectionCount(),
			"uptimeSeconds":  time.Since(b.startedAt).Seconds(),
			"cpuPercent":     cpu,
			"memoryRssBytes": rss,
		},
	}
	b.broadcast(env, func(c *Connection) bool {
		return c.SubscribedTo(event.TypeHeartbeat)
	})
}

func (b *Broker) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep drops connections with no successful send inside StaleAfter and
// purges buffered errors past their retention window.
func (b *Broker) sweep() {
	cutoff := time.Now().Add(-b.opts.StaleAfter)

	b.mu.Lock()
	var stale []string
	for id, conn := range b.conns {
		if conn.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		b.dropLocked(id, "idle past threshold")
	}
	b.mu.Unlock()

	b.buffers.purge(time.Now().Add(-b.opts.BufferRetention))
}
