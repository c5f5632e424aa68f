// Package mock feeds the broker with synthetic error and status traffic so
// the streaming endpoints can be exercised without the real monitoring
// pipeline attached.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacobxo0/AIforsikring-sub000/internal/broker"
	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

var services = []string{"chat", "documents", "payments", "auth"}

var errorMessages = []string{
	"upstream request timed out",
	"document conversion failed",
	"payment provider returned 502",
	"session token refresh failed",
	"rate limit exceeded",
}

type Generator struct {
	broker   *broker.Broker
	log      zerolog.Logger
	interval time.Duration
	rng      *rand.Rand

	open []openError
	tick int
}

type openError struct {
	id        string
	sessionID string
}

func NewGenerator(b *broker.Broker, logger zerolog.Logger) *Generator {
	return &Generator{
		broker:   b,
		log:      logger,
		interval: 2 * time.Second,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the generator loop; it runs until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	g.log.Info().Msg("mock generator started")
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick++
			g.step()
		}
	}
}

// step publishes one synthetic event per tick: mostly new errors, with
// occasional resolutions and service status flaps mixed in.
func (g *Generator) step() {
	sessionID := fmt.Sprintf("mock-session-%d", g.rng.Intn(3)+1)

	switch {
	case len(g.open) > 0 && g.tick%4 == 0:
		// Resolve the oldest open error, reusing its correlation id.
		resolved := g.open[0]
		g.open = g.open[1:]
		g.broker.Publish(event.TypeErrorResolved,
			map[string]any{"id": resolved.id},
			event.SeverityInfo, resolved.sessionID)

	case g.tick%5 == 0:
		service := services[g.rng.Intn(len(services))]
		status := "degraded"
		if g.tick%10 == 0 {
			status = "operational"
		}
		g.broker.Publish(event.TypeServiceStatus,
			map[string]any{"service": service, "status": status},
			event.SeverityWarning, "")

	default:
		id := fmt.Sprintf("mock-err-%d", g.tick)
		g.open = append(g.open, openError{id: id, sessionID: sessionID})
		g.broker.Publish(event.TypeErrorOccurred,
			map[string]any{
				"id":      id,
				"message": errorMessages[g.rng.Intn(len(errorMessages))],
				"service": services[g.rng.Intn(len(services))],
			},
			event.SeverityError, sessionID)
	}
}
