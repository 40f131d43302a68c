package realtime

import (
	"log/slog"
	"sync"

	v1 "courier/shared/contracts/messaging/v1"
)

// Room is the in-memory fanout primitive for one conversation: the set of
// live sessions currently subscribed to its events.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one conversation.
func NewRoom(log *slog.Logger, conversationID string) *Room {
	return &Room{
		log:     log,
		ID:      conversationID,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a client from membership. Unlike a connection shutdown, a
// leave does not close the client; the session may still be subscribed to
// other rooms.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
	}
}

// Size returns the current member count.
func (r *Room) Size() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			metricWSDropped.Inc()
		}
	}
}
