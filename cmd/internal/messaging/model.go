// Package messaging contains Courier's direct-messaging core: conversation and
// message models, durable stores, the fast-path cache, read tracking, and the
// orchestration services behind the HTTP and realtime surfaces.
package messaging

import (
	"sort"
	"strings"
	"time"
)

// previewMaxRunes bounds the denormalized last-message preview stored on a
// conversation for list views.
const previewMaxRunes = 140

// ReadMap tracks, per participant, whether that participant has seen the
// latest message of a conversation. Unknown participants read as false.
type ReadMap map[string]bool

// Get returns the flag for userID (false when absent).
func (m ReadMap) Get(userID string) bool { return m[userID] }

// Set stores the flag for userID, allocating the map if needed, and returns
// the (possibly new) map.
func (m ReadMap) Set(userID string, read bool) ReadMap {
	if m == nil {
		m = make(ReadMap, 2)
	}
	m[userID] = read
	return m
}

// Delete removes userID from the map.
func (m ReadMap) Delete(userID string) { delete(m, userID) }

// Clone returns an independent copy.
func (m ReadMap) Clone() ReadMap {
	if m == nil {
		return nil
	}
	out := make(ReadMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LastMessage is the denormalized summary kept on a conversation for list views.
type LastMessage struct {
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Preview   string    `json:"preview"`
	SentAt    time.Time `json:"sentAt"`
}

// Conversation is a durable conversation record. Participants are fixed at
// creation; there is no add/remove.
type Conversation struct {
	ID           string
	Participants []string
	LastMessage  *LastMessage
	ReadFlags    ReadMap
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Recipients returns every participant except senderID.
func (c Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != senderID {
			out = append(out, p)
		}
	}
	return out
}

// PairKey derives the canonical lookup key for a 1:1 conversation. The key is
// order-independent: PairKey(a, b) == PairKey(b, a). It backs the uniqueness
// constraint that guarantees exactly one conversation per unordered pair.
func PairKey(userA, userB string) string {
	a := strings.TrimSpace(userA)
	b := strings.TrimSpace(userB)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// ParticipantsKey generalizes PairKey to an arbitrary participant set.
func ParticipantsKey(participants []string) string {
	sorted := append([]string(nil), participants...)
	for i := range sorted {
		sorted[i] = strings.TrimSpace(sorted[i])
	}
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// Attachment is one ordered message attachment.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ReadStatus is the single mutable part of a message (unread -> read, once).
type ReadStatus struct {
	IsRead bool       `json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// Message is the canonical persisted message representation.
//
// Invariant: CreatedAt is monotonically non-decreasing within a conversation
// (enforced by the store at append time), so received order is causal order.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	Metadata       map[string]string
	ReadStatus     ReadStatus
	CreatedAt      time.Time

	// Sender is the populated public profile of SenderID. It is a view-layer
	// annotation, never persisted.
	Sender *Profile
}

// Preview truncates content for the conversation-list summary.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewMaxRunes {
		return content
	}
	return string(r[:previewMaxRunes])
}

// Summary builds the denormalized LastMessage entry for a message.
func (m Message) Summary() LastMessage {
	return LastMessage{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Preview:   Preview(m.Content),
		SentAt:    m.CreatedAt,
	}
}

// Profile is the public profile shape attached to conversation and message
// views. It is resolved through ProfileResolver; identity itself is owned by
// an external service.
type Profile struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	UserType string `json:"userType,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// ConversationView is a conversation annotated for one requesting user:
// the requester is filtered out of the participant list and their own read
// flag is surfaced.
type ConversationView struct {
	ID           string       `json:"id"`
	Participants []Profile    `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	IsRead       bool         `json:"isRead"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// MessagePage is one page of a conversation's messages, newest first.
type MessagePage struct {
	Items      []Message
	TotalCount int64
	Page       int
	PageSize   int
}
