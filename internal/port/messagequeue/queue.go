// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by PipelineForge.
const (
	SubjectRunSubmit = "runs.submit" // external producers → orchestrator
	SubjectRunCancel = "runs.cancel"

	// SubjectAuditPrefix is followed by the event kind, e.g. audit.session.vote.
	SubjectAuditPrefix = "audit"
)

// AuditSubject returns the subject an audit event of the given kind is published on.
func AuditSubject(kind string) string {
	return SubjectAuditPrefix + "." + kind
}
