package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "courier/shared/contracts/messaging/v1"
)

const (
	// Max message content length (runes).
	maxMessageChars = 4000

	// Paging bounds for list reads.
	defaultPageSize = 20
	maxPageSize     = 100

	// defaultCacheTimeout bounds every cache round trip so a slow or
	// unavailable cache never pushes end-to-end latency past the
	// durable-path baseline.
	defaultCacheTimeout = 150 * time.Millisecond
)

// ConversationService exposes conversation-level operations to the transport
// layer. It is the only writer of Conversation records outside of sends.
type ConversationService struct {
	convs    ConversationStore
	profiles ProfileResolver
	log      *slog.Logger
	now      func() time.Time
}

// NewConversationService constructs a ConversationService.
func NewConversationService(convs ConversationStore, profiles ProfileResolver, log *slog.Logger) *ConversationService {
	if log == nil {
		log = slog.Default()
	}
	if profiles == nil {
		profiles = NewStaticProfiles()
	}
	return &ConversationService{
		convs:    convs,
		profiles: profiles,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreate returns the unique 1:1 conversation between requesterID and
// otherID, creating it when absent. Creation initializes every read flag to
// true (nothing is unread in an empty conversation). Concurrent calls for the
// same pair resolve through the store's pair-key constraint: the loser of the
// insert race re-fetches the winner's record.
func (s *ConversationService) GetOrCreate(ctx context.Context, requesterID, otherID string) (ConversationView, error) {
	requesterID = strings.TrimSpace(requesterID)
	otherID = strings.TrimSpace(otherID)
	if requesterID == "" || otherID == "" || requesterID == otherID {
		return ConversationView{}, OpError{Op: "messaging.GetOrCreate", Kind: ErrInvalidInput, Msg: "two distinct user ids required"}
	}

	key := PairKey(requesterID, otherID)

	conv, err := s.convs.GetByPairKey(ctx, key)
	if IsNotFound(err) {
		conv, err = s.createPair(ctx, requesterID, otherID, key)
	}
	if err != nil {
		return ConversationView{}, err
	}

	return s.view(ctx, conv, requesterID), nil
}

func (s *ConversationService) createPair(ctx context.Context, requesterID, otherID, key string) (Conversation, error) {
	now := s.now()
	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, err
	}

	conv := Conversation{
		ID:           id,
		Participants: []string{requesterID, otherID},
		ReadFlags:    ReadMap{requesterID: true, otherID: true},
		CreatedAt:    now,
	}

	created, err := s.convs.Create(ctx, conv)
	if IsConflict(err) {
		// Lost the creation race; exactly one record exists, use it.
		return s.convs.GetByPairKey(ctx, key)
	}
	if err != nil {
		return Conversation{}, err
	}
	return created, nil
}

// ListForUser returns the user's conversations, most recent activity first,
// each annotated with that user's read flag and the other participant's
// profile. Side-effect-free.
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]ConversationView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, OpError{Op: "messaging.ListForUser", Kind: ErrInvalidInput}
	}

	convs, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, s.view(ctx, c, userID))
	}
	return out, nil
}

// view builds the per-requester projection: requester filtered out of the
// participant list, their own read flag surfaced.
func (s *ConversationService) view(ctx context.Context, conv Conversation, requesterID string) ConversationView {
	others := make([]Profile, 0, len(conv.Participants)-1)
	for _, uid := range conv.Participants {
		if uid == requesterID {
			continue
		}
		p, err := s.profiles.Lookup(ctx, uid)
		if err != nil {
			s.log.Warn("profiles.lookup.fail", "user_id", uid, "err", err)
			p = fallbackProfile(uid)
		}
		others = append(others, p)
	}

	return ConversationView{
		ID:           conv.ID,
		Participants: others,
		LastMessage:  conv.LastMessage,
		IsRead:       conv.ReadFlags.Get(requesterID),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
}

// MessageService orchestrates sends, list reads, and read acknowledgments
// across the durable stores, the cache, and the broadcaster. It is the sole
// writer of message and cache state.
type MessageService struct {
	convs    ConversationStore
	msgs     MessageStore
	cache    MessageCache
	casts    Broadcaster
	profiles ProfileResolver
	tracker  *ReadTracker
	log      *slog.Logger

	cacheTimeout time.Duration
	now          func() time.Time
}

// MessageServiceOption configures optional MessageService behavior.
type MessageServiceOption func(*MessageService)

// WithCacheTimeout overrides the bound applied to each cache round trip.
func WithCacheTimeout(d time.Duration) MessageServiceOption {
	return func(s *MessageService) {
		if d > 0 {
			s.cacheTimeout = d
		}
	}
}

// NewMessageService constructs a MessageService. The Broadcaster is injected
// here; no component reaches for a process-wide socket reference.
func NewMessageService(
	convs ConversationStore,
	msgs MessageStore,
	cache MessageCache,
	casts Broadcaster,
	profiles ProfileResolver,
	log *slog.Logger,
	opts ...MessageServiceOption,
) *MessageService {
	if log == nil {
		log = slog.Default()
	}
	if casts == nil {
		casts = NopBroadcaster{}
	}
	if cache == nil {
		cache = NewInMemoryCache(0)
	}
	if profiles == nil {
		profiles = NewStaticProfiles()
	}

	s := &MessageService{
		convs:        convs,
		msgs:         msgs,
		cache:        cache,
		casts:        casts,
		profiles:     profiles,
		log:          log,
		cacheTimeout: defaultCacheTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.tracker = NewReadTracker(convs, msgs, cache, casts, log, s.cacheTimeout)
	return s
}

// SendInput describes a send request.
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	Metadata       map[string]string
}

// Send appends a message and propagates its side effects in a fixed order:
// durable writes first, then cache writes, then broadcast. Any observer
// reacting to the broadcast can therefore always find the message by
// re-querying durable storage, even if a cache write was lost.
//
// Cache and broadcast failures are logged and swallowed; only durable-append
// failures surface to the caller, so a message acknowledged to the sender is
// always durably persisted.
func (s *MessageService) Send(ctx context.Context, in SendInput) (Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, OpError{Op: "messaging.Send", Kind: ErrInvalidInput, Msg: "empty content"}
	}
	if len([]rune(content)) > maxMessageChars {
		return Message{}, OpError{Op: "messaging.Send", Kind: ErrInvalidInput, Msg: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}

	conv, err := s.convs.GetByID(ctx, in.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(in.SenderID) {
		return Message{}, OpError{Op: "messaging.Send", Kind: ErrForbidden, Msg: "sender is not a participant"}
	}

	now := s.now()

	msg, err := s.msgs.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        content,
		Attachments:    in.Attachments,
		Metadata:       in.Metadata,
		Now:            now,
	})
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	metricMessagesSent.Inc()

	// Conversation summary + read flags: sender has seen the latest message,
	// recipients have not. A lost race against a newer concurrent send is
	// fine; the newer message's apply is the state we want.
	flags := make(ReadMap, len(conv.Participants))
	for _, uid := range conv.Participants {
		flags[uid] = uid == in.SenderID
	}
	if err := s.convs.ApplyLastMessage(ctx, ApplyLastMessageInput{
		ConversationID: conv.ID,
		Summary:        msg.Summary(),
		ReadFlags:      flags,
		At:             msg.CreatedAt,
	}); err != nil {
		// Benign: the summary self-heals on the next send; the message itself
		// is durable and reachable through list.
		s.log.Error("send.conversation.update.fail", "conversation_id", conv.ID, "message_id", msg.ID, "err", err)
	}

	s.writeThrough(ctx, conv, msg)

	sender := s.lookupProfile(ctx, msg.SenderID)
	msg.Sender = &sender

	s.casts.Publish(ctx, conv.ID, v1.TypeMessageReceived, messageReceivedPayload(msg, sender))

	return msg, nil
}

// writeThrough applies the cache-side effects of a send: recent-list prepend
// and synchronous unread increments for every recipient. Increments happen
// before Send returns so a recipient can never observe a missed notification;
// failures are swallowed because the durable path remains authoritative.
func (s *MessageService) writeThrough(ctx context.Context, conv Conversation, msg Message) {
	cacheCtx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()

	if err := s.cache.CacheMessage(cacheCtx, msg); err != nil {
		s.log.Warn("send.cache.message.fail", "conversation_id", conv.ID, "err", err)
		metricCacheErrors.Inc()
	}
	if err := s.cache.IncrementUnread(cacheCtx, conv.ID, msg.SenderID, conv.Recipients(msg.SenderID)); err != nil {
		s.log.Warn("send.cache.unread.fail", "conversation_id", conv.ID, "err", err)
		metricCacheErrors.Inc()
	}
}

// ListInput describes a paginated list request.
type ListInput struct {
	ConversationID string
	RequesterID    string
	Page           int
	Limit          int
}

// List returns one page of a conversation's messages, newest first.
//
// Page 1 is cache-first: a cached recent list is served and the durable row
// fetch skipped only when the list can cover the request, i.e. it holds at
// least min(limit, total) entries (the total is read durably either way, it
// is a cheap indexed aggregate). An empty or short cache result means "miss",
// never "no messages" — a write-through onto a cold list after a cache loss
// seeds a partial list, and a partial list must not hide older durable rows.
// Page-1 misses backfill the cache best-effort with a full durable page.
//
// Viewing a conversation's messages is defined as reading it, so a page-1
// list also runs the Unread -> Read transition for the requester.
func (s *MessageService) List(ctx context.Context, in ListInput) (MessagePage, error) {
	conv, err := s.convs.GetByID(ctx, in.ConversationID)
	if err != nil {
		return MessagePage{}, err
	}
	if !conv.HasParticipant(in.RequesterID) {
		return MessagePage{}, OpError{Op: "messaging.List", Kind: ErrForbidden, Msg: "requester is not a participant"}
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var items []Message
	var total int64
	fromCache := false

	if page == 1 {
		cacheCtx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
		cached, cerr := s.cache.GetRecentMessages(cacheCtx, conv.ID, limit)
		cancel()
		switch {
		case cerr != nil:
			s.log.Warn("list.cache.fail", "conversation_id", conv.ID, "err", cerr)
			metricCacheErrors.Inc()
		case len(cached) > 0:
			n, err := s.msgs.Count(ctx, conv.ID)
			if err != nil {
				return MessagePage{}, err
			}
			if len(cached) >= limit || int64(len(cached)) >= n {
				items = cached
				total = n
				fromCache = true
				metricRecentCacheHits.Inc()
			} else {
				// Partial list (cold write-through seed): cannot cover the
				// page, so the durable store serves it and re-seeds the cache.
				metricRecentCacheMisses.Inc()
			}
		default:
			metricRecentCacheMisses.Inc()
		}
	}

	if !fromCache {
		res, err := s.msgs.ListPage(ctx, ListPageInput{ConversationID: conv.ID, Page: page, Limit: limit})
		if err != nil {
			return MessagePage{}, err
		}
		items = res.Messages
		total = res.TotalCount

		if page == 1 && len(items) > 0 {
			cacheCtx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
			if err := s.cache.BackfillRecent(cacheCtx, conv.ID, items); err != nil {
				s.log.Warn("list.cache.backfill.fail", "conversation_id", conv.ID, "err", err)
				metricCacheErrors.Inc()
			}
			cancel()
		}
	}

	s.populateSenders(ctx, items)

	if page == 1 {
		if _, err := s.tracker.MarkConversationRead(ctx, conv, in.RequesterID, s.now()); err != nil {
			// The page itself is valid; the read transition retries on the
			// next view.
			s.log.Error("list.markread.fail", "conversation_id", conv.ID, "user_id", in.RequesterID, "err", err)
		}
	}

	return MessagePage{Items: items, TotalCount: total, Page: page, PageSize: limit}, nil
}

// MarkMessageRead acknowledges a single message. The requester must be a
// participant and must not be the sender: reads decrement recipient unread
// state only, a sender cannot "read" their own message.
func (s *MessageService) MarkMessageRead(ctx context.Context, messageID, requesterID string) (Message, error) {
	msg, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return Message{}, err
	}

	conv, err := s.convs.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(requesterID) {
		return Message{}, OpError{Op: "messaging.MarkMessageRead", Kind: ErrForbidden, Msg: "requester is not a participant"}
	}
	if msg.SenderID == requesterID {
		return Message{}, OpError{Op: "messaging.MarkMessageRead", Kind: ErrForbidden, Msg: "sender cannot read own message"}
	}

	now := s.now()
	updated, err := s.msgs.MarkRead(ctx, messageID, now)
	if err != nil {
		return Message{}, err
	}
	metricReadsMarked.Inc()

	cacheCtx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	if err := s.cache.TrackLastRead(cacheCtx, conv.ID, requesterID, now); err != nil {
		s.log.Warn("markread.cache.watermark.fail", "conversation_id", conv.ID, "err", err)
		metricCacheErrors.Inc()
	}
	cancel()

	sender := s.lookupProfile(ctx, updated.SenderID)
	updated.Sender = &sender

	s.casts.Publish(ctx, conv.ID, v1.TypeMessagesRead, v1.MessagesReadPayload{
		ConversationID: conv.ID,
		MessageIDs:     []string{updated.ID},
		UserID:         requesterID,
	})

	return updated, nil
}

// MarkAllRead runs the full Unread -> Read transition for the requester.
// Idempotent: a second call with no new messages changes nothing and
// broadcasts nothing.
func (s *MessageService) MarkAllRead(ctx context.Context, conversationID, requesterID string) ([]string, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, OpError{Op: "messaging.MarkAllRead", Kind: ErrForbidden, Msg: "requester is not a participant"}
	}
	return s.tracker.MarkConversationRead(ctx, conv, requesterID, s.now())
}

// UnreadCounts returns the user's per-conversation unread counters for badge
// displays. The cache is the fast path; when it is unavailable the counts are
// recomputed from the durable store, so the endpoint stays correct with the
// cache entirely disabled.
func (s *MessageService) UnreadCounts(ctx context.Context, userID string) (map[string]int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, OpError{Op: "messaging.UnreadCounts", Kind: ErrInvalidInput}
	}

	cacheCtx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	counts, err := s.cache.GetAllUnreadCounts(cacheCtx, userID)
	cancel()
	if err == nil {
		return counts, nil
	}
	s.log.Warn("unread.cache.fail", "user_id", userID, "err", err)
	metricCacheErrors.Inc()

	convs, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return s.msgs.CountUnread(ctx, userID, ids)
}

func (s *MessageService) populateSenders(ctx context.Context, msgs []Message) {
	cache := make(map[string]Profile, 2)
	for i := range msgs {
		p, ok := cache[msgs[i].SenderID]
		if !ok {
			p = s.lookupProfile(ctx, msgs[i].SenderID)
			cache[msgs[i].SenderID] = p
		}
		prof := p
		msgs[i].Sender = &prof
	}
}

func (s *MessageService) lookupProfile(ctx context.Context, userID string) Profile {
	p, err := s.profiles.Lookup(ctx, userID)
	if err != nil {
		s.log.Warn("profiles.lookup.fail", "user_id", userID, "err", err)
		return fallbackProfile(userID)
	}
	return p
}

// messageReceivedPayload normalizes a message into the wire event shape.
func messageReceivedPayload(msg Message, sender Profile) v1.MessageReceivedPayload {
	atts := make([]v1.AttachmentInfo, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		atts = append(atts, v1.AttachmentInfo{
			URL:         a.URL,
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	return v1.MessageReceivedPayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender: v1.SenderInfo{
			UserID:   sender.UserID,
			Name:     sender.Name,
			UserType: sender.UserType,
			Avatar:   sender.Avatar,
		},
		Content: v1.MessageContent{
			Type:        "text",
			Text:        msg.Content,
			Attachments: atts,
		},
		CreatedAt: msg.CreatedAt,
	}
}
