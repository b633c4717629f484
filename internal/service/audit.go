package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/PipelineForge/internal/adapter/otel"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/port/broadcast"
	"github.com/Strob0t/PipelineForge/internal/port/eventstore"
	"github.com/Strob0t/PipelineForge/internal/port/messagequeue"
)

// AuditHandler consumes one audit event.
type AuditHandler func(ctx context.Context, ev event.Event)

type auditSubscription struct {
	id      uint64
	kind    event.Kind // empty matches every kind
	handler AuditHandler
}

// AuditBus is the synchronous fan-out point for audit events. The core emits
// every error append and state transition here; sinks decide where they go.
type AuditBus struct {
	mu     sync.RWMutex
	subs   []auditSubscription
	nextID atomic.Uint64
	now    func() time.Time
	log    *slog.Logger
}

// NewAuditBus creates an AuditBus with no subscribers.
func NewAuditBus(log *slog.Logger) *AuditBus {
	if log == nil {
		log = slog.Default()
	}
	return &AuditBus{now: time.Now, log: log}
}

// Subscribe registers handler for events of one kind and returns its id.
func (b *AuditBus) Subscribe(kind event.Kind, handler AuditHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID.Add(1)
	b.subs = append(b.subs, auditSubscription{id: id, kind: kind, handler: handler})
	return id
}

// SubscribeAll registers handler for every event.
func (b *AuditBus) SubscribeAll(handler AuditHandler) uint64 {
	return b.Subscribe("", handler)
}

// Unsubscribe removes a subscription. It reports whether id was found.
func (b *AuditBus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit builds an event stamped with the bus clock and publishes it.
// A nil bus drops the event.
func (b *AuditBus) Emit(ctx context.Context, sessionID string, kind event.Kind, detail any) event.Event {
	if b == nil {
		return event.New(sessionID, kind, detail, time.Now())
	}
	ev := event.New(sessionID, kind, detail, b.now())
	b.Publish(ctx, ev)
	return ev
}

// Publish dispatches ev to matching handlers in registration order. A
// panicking handler is logged and skipped.
func (b *AuditBus) Publish(ctx context.Context, ev event.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]auditSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == ev.Kind {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeCall(ctx, s.handler, ev)
	}
}

func (b *AuditBus) safeCall(ctx context.Context, handler AuditHandler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("audit handler panicked", "kind", ev.Kind, "session_id", ev.SessionID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(ctx, ev)
}

// EventStoreSink persists every event. Append failures are logged only.
func EventStoreSink(store eventstore.Store, log *slog.Logger) AuditHandler {
	return func(ctx context.Context, ev event.Event) {
		if err := store.Append(context.WithoutCancel(ctx), &ev); err != nil {
			log.Error("append audit event", "kind", ev.Kind, "session_id", ev.SessionID, "error", err)
		}
	}
}

// QueueSink publishes every event on audit.<kind>.
func QueueSink(q messagequeue.Queue, log *slog.Logger) AuditHandler {
	return func(ctx context.Context, ev event.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error("marshal audit event", "kind", ev.Kind, "error", err)
			return
		}
		if err := q.Publish(context.WithoutCancel(ctx), messagequeue.AuditSubject(string(ev.Kind)), data); err != nil {
			log.Warn("publish audit event", "kind", ev.Kind, "session_id", ev.SessionID, "error", err)
		}
	}
}

// BroadcastSink pushes every event to connected WebSocket clients.
func BroadcastSink(hub broadcast.Broadcaster) AuditHandler {
	return func(ctx context.Context, ev event.Event) {
		hub.BroadcastEvent(ctx, string(ev.Kind), ev)
	}
}

// LogSink writes every event at debug level.
func LogSink(log *slog.Logger) AuditHandler {
	return func(ctx context.Context, ev event.Event) {
		log.DebugContext(ctx, "audit", "kind", ev.Kind, "session_id", ev.SessionID, "detail", string(ev.Detail))
	}
}

// MetricsSink counts events by kind.
func MetricsSink(m *cfotel.Metrics) AuditHandler {
	return func(ctx context.Context, ev event.Event) {
		m.AuditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}
}
