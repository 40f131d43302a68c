package messaging

import (
	"context"
	"time"
)

// MessageCache is the ephemeral fast path in front of the durable stores. It
// holds a bounded recent-message list per conversation, an unread counter per
// (conversation, user), and a last-read watermark per (conversation, user).
//
// Everything here is derivable from MessageStore/ConversationStore: cache loss
// degrades latency, never correctness. Callers treat every method as
// independently fallible and swallow failures after logging them.
//
// GetRecentMessages returning an empty slice means "not cached, go to the
// durable store". It must never be read as "the conversation has no messages".
// This distinction is load-bearing.
type MessageCache interface {
	// CacheMessage prepends a message to the conversation's bounded recent
	// list, evicting the oldest entry past the bound.
	CacheMessage(ctx context.Context, msg Message) error

	// GetRecentMessages returns up to limit cached messages, newest first, or
	// an empty slice on a miss.
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// BackfillRecent replaces the conversation's recent list with msgs
	// (newest first), used to repopulate after a miss.
	BackfillRecent(ctx context.Context, conversationID string, msgs []Message) error

	// IncrementUnread bumps the counter for every recipient. The sender's own
	// counter is untouched even if senderID sneaks into recipientIDs.
	IncrementUnread(ctx context.Context, conversationID, senderID string, recipientIDs []string) error

	// ResetUnread sets the (conversationID, userID) counter to zero.
	ResetUnread(ctx context.Context, conversationID, userID string) error

	// GetAllUnreadCounts returns the user's counters across conversations,
	// omitting zero entries.
	GetAllUnreadCounts(ctx context.Context, userID string) (map[string]int64, error)

	// TrackLastRead advances the (conversationID, userID) watermark. Monotonic:
	// a late-arriving older timestamp must not regress it.
	TrackLastRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// LastRead returns the watermark, or the zero time when absent.
	LastRead(ctx context.Context, conversationID, userID string) (time.Time, error)

	Close() error
}
