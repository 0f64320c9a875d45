// Package gateway implements the Gateway Protocol v3 runtime: the WebSocket
// connection state machine, the method router, the broadcast bus, and the
// OpenAI-compatible HTTP surface, all fed by the agent run engine.
package gateway

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/protocol"
)

// Bus fans events out to every authenticated connection. Each publish
// atomically assigns the next global sequence number and enqueues the encoded
// frame on every subscriber's outbox, so any two events a connection receives
// arrive in global-seq order.
type Bus struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	seq  int64
	subs map[*conn]struct{}
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger,
		metrics: metrics,
		subs:    make(map[*conn]struct{}),
	}
}

func (b *Bus) subscribe(c *conn) {
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(c *conn) {
	b.mu.Lock()
	delete(b.subs, c)
	b.mu.Unlock()
}

// Publish broadcasts an event that must not be dropped: a full outbox closes
// the slow connection instead. Satisfies agent.Publisher.
func (b *Bus) Publish(event string, payload any) {
	b.publish(event, payload, nil, false)
}

// PublishDropIfSlow broadcasts a periodic event (tick, health, presence,
// heartbeat) that is silently dropped for connections with a full outbox.
func (b *Bus) PublishDropIfSlow(event string, payload any, sv *protocol.StateVersion) {
	b.publish(event, payload, sv, true)
}

// Seq returns the last assigned global sequence number.
func (b *Bus) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *Bus) publish(event string, payload any, sv *protocol.StateVersion, dropIfSlow bool) {
	frame := protocol.EventFrame(event, payload)
	frame.StateVersion = sv

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	seq := b.seq
	frame.Seq = &seq
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		b.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.EventsBroadcast.WithLabelValues(event).Inc()
	}
	// Enqueue under the lock so every subscriber sees broadcasts in the
	// same order. Per-connection failures are the connection's problem.
	for c := range b.subs {
		c.enqueue(data, dropIfSlow)
	}
}
