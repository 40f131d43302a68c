package messaging

import "context"

// Broadcaster is the narrow fanout boundary consumed by the services.
//
// Publish delivers an event to every session currently joined to the
// conversation's room. Delivery is best-effort and at-most-once per connected
// session: no acknowledgment, retry, or replay. Durable storage plus the
// normal list path is the recovery path for missed realtime events.
//
// Implementations must never block the caller on slow receivers. The concrete
// implementation is injected at construction time; the messaging core has no
// compile-time dependency on any transport.
type Broadcaster interface {
	Publish(ctx context.Context, conversationID, event string, payload any)
}

// NopBroadcaster discards every publish. Used when no realtime transport is
// wired (tests, offline tooling).
type NopBroadcaster struct{}

// Publish implements Broadcaster.
func (NopBroadcaster) Publish(context.Context, string, string, any) {}
