package messaging

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryConversationStore is a dev/test fallback when the DB is not
// configured. Semantics mirror PostgresConversationStore, including the
// pair-key uniqueness conflict and the last-message compare-and-set.
type InMemoryConversationStore struct {
	mu      sync.Mutex
	byID    map[string]*Conversation
	byPair  map[string]string // pair key -> conversation id
}

// NewInMemoryConversationStore constructs an in-memory ConversationStore.
func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		byID:   make(map[string]*Conversation),
		byPair: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryConversationStore) Close() error { return nil }

// Create inserts a conversation, returning ErrConflict on a pair-key race.
func (s *InMemoryConversationStore) Create(ctx context.Context, conv Conversation) (Conversation, error) {
	if conv.ID == "" || len(conv.Participants) < 2 {
		return Conversation{}, OpError{Op: "messaging.Conversations.Create", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	key := ParticipantsKey(conv.Participants)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPair[key]; exists {
		return Conversation{}, OpError{Op: "messaging.Conversations.Create", Kind: ErrConflict, Msg: "participant pair exists"}
	}

	conv.UpdatedAt = conv.CreatedAt
	conv.ReadFlags = conv.ReadFlags.Clone()
	cp := conv
	cp.Participants = append([]string(nil), conv.Participants...)
	s.byID[conv.ID] = &cp
	s.byPair[key] = conv.ID
	return conv, nil
}

// GetByID fetches one conversation by id.
func (s *InMemoryConversationStore) GetByID(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return Conversation{}, OpError{Op: "messaging.Conversations.GetByID", Kind: ErrNotFound}
	}
	return snapshotConversation(c), nil
}

// GetByPairKey fetches the unique conversation for an unordered pair.
func (s *InMemoryConversationStore) GetByPairKey(ctx context.Context, pairKey string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey]
	if !ok {
		return Conversation{}, OpError{Op: "messaging.Conversations.GetByPairKey", Kind: ErrNotFound}
	}
	return snapshotConversation(s.byID[id]), nil
}

// ListForUser returns the user's conversations sorted by UpdatedAt descending.
func (s *InMemoryConversationStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []Conversation
	for _, c := range s.byID {
		if c.HasParticipant(userID) {
			out = append(out, snapshotConversation(c))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// ApplyLastMessage applies the send-side update iff the message is newer than
// the current summary (compare on message id, which is time-ordered).
func (s *InMemoryConversationStore) ApplyLastMessage(ctx context.Context, in ApplyLastMessageInput) error {
	if in.ConversationID == "" || in.Summary.MessageID == "" {
		return OpError{Op: "messaging.Conversations.ApplyLastMessage", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[in.ConversationID]
	if !ok {
		return OpError{Op: "messaging.Conversations.ApplyLastMessage", Kind: ErrNotFound}
	}
	if c.LastMessage != nil && c.LastMessage.MessageID >= in.Summary.MessageID {
		// A newer message already owns the summary.
		return nil
	}

	summary := in.Summary
	c.LastMessage = &summary
	c.ReadFlags = in.ReadFlags.Clone()
	c.UpdatedAt = in.At
	return nil
}

// SetReadFlag updates one participant's read flag.
func (s *InMemoryConversationStore) SetReadFlag(ctx context.Context, conversationID, userID string, read bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return OpError{Op: "messaging.Conversations.SetReadFlag", Kind: ErrNotFound}
	}
	c.ReadFlags = c.ReadFlags.Set(userID, read)
	c.UpdatedAt = at
	return nil
}

func snapshotConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.ReadFlags = c.ReadFlags.Clone()
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// InMemoryMessageStore is a dev/test MessageStore. Appends are serialized per
// store (single mutex), which trivially satisfies the per-conversation
// monotonic CreatedAt invariant.
type InMemoryMessageStore struct {
	mu    sync.Mutex
	byID  map[string]*Message
	convs map[string][]*Message // ordered oldest -> newest
}

// NewInMemoryMessageStore constructs an in-memory MessageStore.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{
		byID:  make(map[string]*Message),
		convs: make(map[string][]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryMessageStore) Close() error { return nil }

// Append persists a message with a monotonic CreatedAt and time-ordered id.
func (s *InMemoryMessageStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, OpError{Op: "messaging.Messages.Append", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.convs[in.ConversationID]
	if n := len(list); n > 0 && now.Before(list[n-1].CreatedAt) {
		now = list[n-1].CreatedAt
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	attachments := in.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	m := &Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Attachments:    append([]Attachment(nil), attachments...),
		Metadata:       metadata,
		ReadStatus:     ReadStatus{IsRead: false},
		CreatedAt:      now,
	}
	s.byID[id] = m
	s.convs[in.ConversationID] = append(list, m)
	return *m, nil
}

// GetByID fetches one message by id.
func (s *InMemoryMessageStore) GetByID(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, OpError{Op: "messaging.Messages.GetByID", Kind: ErrNotFound}
	}
	return *m, nil
}

// Count returns the total number of messages in a conversation.
func (s *InMemoryMessageStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, OpError{Op: "messaging.Messages.Count", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.convs[conversationID])), nil
}

// ListPage returns one page ordered newest first plus the total count.
func (s *InMemoryMessageStore) ListPage(ctx context.Context, in ListPageInput) (ListPageResult, error) {
	if in.ConversationID == "" {
		return ListPageResult{}, OpError{Op: "messaging.Messages.ListPage", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return ListPageResult{}, err
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	list := s.convs[in.ConversationID]
	total := int64(len(list))

	// list is oldest -> newest; pages count from the newest end.
	end := len(list) - (page-1)*limit
	start := end - limit
	if end < 0 {
		end = 0
	}
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, *list[i])
	}
	s.mu.Unlock()

	return ListPageResult{Messages: out, TotalCount: total}, nil
}

// MarkRead flips one message to read (idempotent).
func (s *InMemoryMessageStore) MarkRead(ctx context.Context, messageID string, at time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return Message{}, OpError{Op: "messaging.Messages.MarkRead", Kind: ErrNotFound}
	}
	if !m.ReadStatus.IsRead {
		at := at
		m.ReadStatus = ReadStatus{IsRead: true, ReadAt: &at}
	}
	return *m, nil
}

// MarkConversationRead flips every unread message not sent by readerID.
func (s *InMemoryMessageStore) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, m := range s.convs[conversationID] {
		if m.SenderID == readerID || m.ReadStatus.IsRead {
			continue
		}
		ts := at
		m.ReadStatus = ReadStatus{IsRead: true, ReadAt: &ts}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// CountUnread counts unread messages per conversation for userID.
func (s *InMemoryMessageStore) CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(conversationIDs))
	for _, convID := range conversationIDs {
		for _, m := range s.convs[convID] {
			if m.SenderID != userID && !m.ReadStatus.IsRead {
				out[convID]++
			}
		}
	}
	return out, nil
}
