package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "courier/shared/contracts/messaging/v1"
)

// Relay mirrors envelopes across nodes so sessions connected to different
// instances still observe the same conversation events.
type Relay interface {
	// Broadcast publishes an envelope to every other node.
	Broadcast(ctx context.Context, env v1.Envelope) error
	// Subscribe registers the handler invoked for envelopes published by
	// other nodes. Own publishes are filtered out by the relay.
	Subscribe(handler func(env v1.Envelope)) error
	Close()
}

// Hub owns the in-memory conversation rooms and is the process-local event
// broadcaster: domain services publish through it without knowing anything
// about sockets or nodes.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
	relay Relay
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// AttachRelay connects a cross-node relay. Remote envelopes are delivered to
// local rooms; local publishes are mirrored out.
func (h *Hub) AttachRelay(r Relay) error {
	if r == nil {
		return nil
	}

	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()

	return r.Subscribe(func(env v1.Envelope) {
		metricRelayReceived.Inc()
		h.deliver(env)
	})
}

// Room returns a stable room handle for a conversation, creating it on first use.
func (h *Hub) Room(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[conversationID]; ok {
		return r
	}

	r := NewRoom(h.log, conversationID)
	h.rooms[conversationID] = r
	return r
}

// Publish broadcasts a domain event to the conversation's room, locally and
// through the relay when one is attached. It never blocks and never fails the
// caller: a missed realtime event is recoverable by re-querying, a blocked
// send path is not.
func (h *Hub) Publish(ctx context.Context, conversationID, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("hub.publish.encode.fail", "conversation_id", conversationID, "event", event, "err", err)
		return
	}

	env := v1.Envelope{
		V:       v1.Version,
		Type:    event,
		ID:      NewRandomHex(10),
		ConvID:  conversationID,
		TS:      time.Now().UTC(),
		Payload: body,
	}

	h.deliver(env)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()

	if relay != nil {
		if err := relay.Broadcast(ctx, env); err != nil {
			h.log.Warn("hub.relay.publish.fail", "conversation_id", conversationID, "event", event, "err", err)
		} else {
			metricRelayPublished.Inc()
		}
	}
}

// deliver fans an envelope out to the local room, if any sessions are joined.
func (h *Hub) deliver(env v1.Envelope) {
	h.mu.RLock()
	room := h.rooms[env.ConvID]
	h.mu.RUnlock()

	if room == nil {
		return
	}
	metricWSBroadcasts.Inc()
	room.Broadcast(env)
}
