package messaging

import (
	"context"
	"time"
)

// ConversationStore persists conversation records and owns participant
// membership plus per-participant read flags.
//
// Requirements:
//   - Exactly one conversation per unordered participant pair (unique pair key;
//     Create returns ErrConflict on a duplicate so callers can re-fetch).
//   - ApplyLastMessage must never let an older message overwrite a newer
//     LastMessage under concurrent sends (compare-and-set on message ordering,
//     not wall-clock assumptions).
type ConversationStore interface {
	Create(ctx context.Context, conv Conversation) (Conversation, error)
	GetByID(ctx context.Context, id string) (Conversation, error)
	GetByPairKey(ctx context.Context, pairKey string) (Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	ApplyLastMessage(ctx context.Context, in ApplyLastMessageInput) error
	SetReadFlag(ctx context.Context, conversationID, userID string, read bool, at time.Time) error
	Close() error
}

// ApplyLastMessageInput describes the conversation-side effects of a send:
// the denormalized summary, the full replacement read-flag map (sender true,
// recipients false), and the new UpdatedAt.
//
// Stores apply it only when Summary.MessageID orders after the current
// LastMessage. A skipped apply is correct: a newer message already updated the
// summary, and its read flags (which mark this input's sender as not having
// seen that newer message) are the accurate ones.
type ApplyLastMessageInput struct {
	ConversationID string
	Summary        LastMessage
	ReadFlags      ReadMap
	At             time.Time
}

// MessageStore is durable append-only storage of messages, queryable by
// conversation and time, with read-status mutation.
//
// Requirements:
//   - Append allocates the message id and guarantees CreatedAt is
//     monotonically non-decreasing per conversation.
//   - ListPage orders by CreatedAt (then id) descending.
//   - MarkConversationRead flips every unread message in the conversation not
//     sent by readerID, returning the affected ids (empty on a repeat call).
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	GetByID(ctx context.Context, id string) (Message, error)
	ListPage(ctx context.Context, in ListPageInput) (ListPageResult, error)
	Count(ctx context.Context, conversationID string) (int64, error)
	MarkRead(ctx context.Context, messageID string, at time.Time) (Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error)
	CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int64, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	Metadata       map[string]string
	Now            time.Time
}

// ListPageInput describes a skip/limit page request (1-based page).
type ListPageInput struct {
	ConversationID string
	Page           int
	Limit          int
}

// ListPageResult contains one page plus the conversation's total message count.
type ListPageResult struct {
	Messages   []Message
	TotalCount int64
}
