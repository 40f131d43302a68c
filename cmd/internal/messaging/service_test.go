package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	v1 "courier/shared/contracts/messaging/v1"
)

// ---- test doubles ----

type capturedEvent struct {
	ConversationID string
	Event          string
	Payload        any
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (b *captureBroadcaster) Publish(_ context.Context, conversationID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{ConversationID: conversationID, Event: event, Payload: payload})
}

func (b *captureBroadcaster) byType(event string) []capturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []capturedEvent
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// failingCache simulates a down cache for fallback-path tests.
type failingCache struct{}

func (failingCache) CacheMessage(context.Context, Message) error { return ErrCacheUnavailable }
func (failingCache) GetRecentMessages(context.Context, string, int) ([]Message, error) {
	return nil, ErrCacheUnavailable
}
func (failingCache) BackfillRecent(context.Context, string, []Message) error {
	return ErrCacheUnavailable
}
func (failingCache) IncrementUnread(context.Context, string, string, []string) error {
	return ErrCacheUnavailable
}
func (failingCache) ResetUnread(context.Context, string, string) error { return ErrCacheUnavailable }
func (failingCache) GetAllUnreadCounts(context.Context, string) (map[string]int64, error) {
	return nil, ErrCacheUnavailable
}
func (failingCache) TrackLastRead(context.Context, string, string, time.Time) error {
	return ErrCacheUnavailable
}
func (failingCache) LastRead(context.Context, string, string) (time.Time, error) {
	return time.Time{}, ErrCacheUnavailable
}
func (failingCache) Close() error { return nil }

type testEnv struct {
	convs *InMemoryConversationStore
	msgs  *InMemoryMessageStore
	cache MessageCache
	casts *captureBroadcaster

	convSvc *ConversationService
	msgSvc  *MessageService
}

func newTestEnv(t *testing.T, cache MessageCache) *testEnv {
	t.Helper()

	if cache == nil {
		cache = NewInMemoryCache(50)
	}

	env := &testEnv{
		convs: NewInMemoryConversationStore(),
		msgs:  NewInMemoryMessageStore(),
		cache: cache,
		casts: &captureBroadcaster{},
	}
	env.convSvc = NewConversationService(env.convs, nil, testLogger())
	env.msgSvc = NewMessageService(env.convs, env.msgs, env.cache, env.casts, nil, testLogger())
	return env
}

func (e *testEnv) mustConversation(t *testing.T, a, b string) ConversationView {
	t.Helper()
	view, err := e.convSvc.GetOrCreate(context.Background(), a, b)
	if err != nil {
		t.Fatalf("get-or-create conversation: %v", err)
	}
	return view
}

func (e *testEnv) mustSend(t *testing.T, convID, sender, content string) Message {
	t.Helper()
	msg, err := e.msgSvc.Send(context.Background(), SendInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return msg
}

// ---- conversation service ----

func TestGetOrCreate_SamePairSameConversation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	c1 := env.mustConversation(t, "alice", "bob")
	c2 := env.mustConversation(t, "bob", "alice")

	if c1.ID != c2.ID {
		t.Fatalf("pair order changed identity: %s vs %s", c1.ID, c2.ID)
	}
	if !c1.IsRead {
		t.Fatalf("fresh conversation should start read")
	}
	if len(c1.Participants) != 1 || c1.Participants[0].UserID != "bob" {
		t.Fatalf("requester not filtered from participants: %+v", c1.Participants)
	}
}

func TestGetOrCreate_ConcurrentRace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			view, err := env.convSvc.GetOrCreate(context.Background(), a, b)
			if err != nil {
				t.Errorf("concurrent get-or-create: %v", err)
				return
			}
			ids[i] = view.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("conversation identity diverged: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestGetOrCreate_RejectsSelfAndEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	if _, err := env.convSvc.GetOrCreate(context.Background(), "alice", "alice"); !IsInvalidInput(err) {
		t.Fatalf("self conversation: got %v", err)
	}
	if _, err := env.convSvc.GetOrCreate(context.Background(), "alice", "  "); !IsInvalidInput(err) {
		t.Fatalf("empty other id: got %v", err)
	}
}

func TestListForUser_OrderedByActivity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	c1 := env.mustConversation(t, "alice", "bob")
	c2 := env.mustConversation(t, "alice", "carol")

	env.mustSend(t, c1.ID, "bob", "first")
	env.mustSend(t, c2.ID, "carol", "second")

	views, err := env.convSvc.ListForUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list for user: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("conversations: got %d want 2", len(views))
	}
	if views[0].ID != c2.ID {
		t.Fatalf("most recent activity should sort first: got %s", views[0].ID)
	}
	if views[0].IsRead || views[1].IsRead {
		t.Fatalf("alice has unread messages in both conversations")
	}
	if views[0].LastMessage == nil || views[0].LastMessage.Preview != "second" {
		t.Fatalf("last message preview: %+v", views[0].LastMessage)
	}
}

// ---- send ----

func TestSend_AppearsInListNewestFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	env.mustSend(t, conv.ID, "alice", "one")
	env.mustSend(t, conv.ID, "bob", "two")
	last := env.mustSend(t, conv.ID, "alice", "three")

	page, err := env.msgSvc.List(context.Background(), ListInput{
		ConversationID: conv.ID,
		RequesterID:    "bob",
		Page:           1,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.TotalCount != 3 {
		t.Fatalf("total count: got %d want 3", page.TotalCount)
	}
	if len(page.Items) != 3 || page.Items[0].ID != last.ID {
		t.Fatalf("newest message must lead page 1: %+v", page.Items)
	}
	if page.Items[0].Sender == nil {
		t.Fatalf("sender profile not populated")
	}
}

func TestSend_UnreadIncrementsPerRecipientOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	env.mustSend(t, conv.ID, "alice", "hi")
	env.mustSend(t, conv.ID, "alice", "there")

	bob, err := env.msgSvc.UnreadCounts(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread counts bob: %v", err)
	}
	if bob[conv.ID] != 2 {
		t.Fatalf("bob unread: got %d want 2", bob[conv.ID])
	}

	alice, err := env.msgSvc.UnreadCounts(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unread counts alice: %v", err)
	}
	if alice[conv.ID] != 0 {
		t.Fatalf("sender must not accrue unread, got %d", alice[conv.ID])
	}
}

func TestSend_ValidationAndACL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	if _, err := env.msgSvc.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "   "}); !IsInvalidInput(err) {
		t.Fatalf("blank content: got %v", err)
	}
	if _, err := env.msgSvc.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "hi"}); !IsForbidden(err) {
		t.Fatalf("outsider send: got %v", err)
	}
	if _, err := env.msgSvc.Send(context.Background(), SendInput{ConversationID: "missing", SenderID: "alice", Content: "hi"}); !IsNotFound(err) {
		t.Fatalf("unknown conversation: got %v", err)
	}

	long := make([]rune, maxMessageChars+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := env.msgSvc.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: string(long)}); !IsInvalidInput(err) {
		t.Fatalf("oversized content: got %v", err)
	}
}

func TestSend_BroadcastsMessageReceived(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	msg := env.mustSend(t, conv.ID, "alice", "hello")

	events := env.casts.byType(v1.TypeMessageReceived)
	if len(events) != 1 {
		t.Fatalf("message_received events: got %d want 1", len(events))
	}
	payload, ok := events[0].Payload.(v1.MessageReceivedPayload)
	if !ok {
		t.Fatalf("payload type: %T", events[0].Payload)
	}
	if payload.ID != msg.ID || payload.ConversationID != conv.ID || payload.Sender.UserID != "alice" || payload.Content.Text != "hello" {
		t.Fatalf("broadcast payload mismatch: %+v", payload)
	}
}

func TestSend_SurvivesCacheOutage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, failingCache{})
	conv := env.mustConversation(t, "alice", "bob")

	msg := env.mustSend(t, conv.ID, "alice", "still works")

	got, err := env.msgs.GetByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("message not durable after cache outage: %v", err)
	}
	if got.Content != "still works" {
		t.Fatalf("content: %q", got.Content)
	}

	// Broadcast still happened: observers recover via the durable path.
	if n := len(env.casts.byType(v1.TypeMessageReceived)); n != 1 {
		t.Fatalf("message_received events: got %d want 1", n)
	}
}

func TestSend_ConcurrentBothPersistNewestSummary(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			if _, err := env.msgSvc.Send(context.Background(), SendInput{
				ConversationID: conv.ID,
				SenderID:       sender,
				Content:        fmt.Sprintf("msg-%d", i),
			}); err != nil {
				t.Errorf("concurrent send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total, err := env.msgs.Count(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != n {
		t.Fatalf("persisted messages: got %d want %d", total, n)
	}

	page, err := env.msgs.ListPage(context.Background(), ListPageInput{ConversationID: conv.ID, Page: 1, Limit: n})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	var maxID string
	for _, m := range page.Messages {
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	stored, err := env.convs.GetByID(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	// The compare-and-set keeps the summary at the message with the highest
	// (time-ordered) id, regardless of apply interleaving.
	if stored.LastMessage == nil || stored.LastMessage.MessageID != maxID {
		t.Fatalf("summary should hold the max message id: summary=%+v max=%s", stored.LastMessage, maxID)
	}
}

// ---- list ----

func TestList_Pagination25Messages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	var ids []string
	for i := 0; i < 25; i++ {
		m := env.mustSend(t, conv.ID, "alice", fmt.Sprintf("m-%02d", i))
		ids = append(ids, m.ID)
	}

	var seen []string
	for page := 1; page <= 3; page++ {
		res, err := env.msgSvc.List(context.Background(), ListInput{
			ConversationID: conv.ID,
			RequesterID:    "bob",
			Page:           page,
			Limit:          10,
		})
		if err != nil {
			t.Fatalf("list page %d: %v", page, err)
		}
		if res.TotalCount != 25 {
			t.Fatalf("page %d total: got %d want 25", page, res.TotalCount)
		}
		want := 10
		if page == 3 {
			want = 5
		}
		if len(res.Items) != want {
			t.Fatalf("page %d size: got %d want %d", page, len(res.Items), want)
		}
		for _, m := range res.Items {
			seen = append(seen, m.ID)
		}
	}

	// Pages walk newest to oldest without gaps or duplicates.
	for i, id := range seen {
		if want := ids[len(ids)-1-i]; id != want {
			t.Fatalf("position %d: got %s want %s", i, id, want)
		}
	}
}

func TestList_CacheHitMatchesDurable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	for i := 0; i < 5; i++ {
		env.mustSend(t, conv.ID, "alice", fmt.Sprintf("m-%d", i))
	}

	// Warm path: sends populated the cache.
	warm, err := env.msgSvc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "bob", Page: 1})
	if err != nil {
		t.Fatalf("warm list: %v", err)
	}

	// Durable truth.
	durable, err := env.msgs.ListPage(context.Background(), ListPageInput{ConversationID: conv.ID, Page: 1, Limit: defaultPageSize})
	if err != nil {
		t.Fatalf("durable list: %v", err)
	}

	if len(warm.Items) != len(durable.Messages) {
		t.Fatalf("sizes differ: cache=%d durable=%d", len(warm.Items), len(durable.Messages))
	}
	for i := range warm.Items {
		if warm.Items[i].ID != durable.Messages[i].ID {
			t.Fatalf("order diverged at %d: cache=%s durable=%s", i, warm.Items[i].ID, durable.Messages[i].ID)
		}
	}
	if warm.TotalCount != durable.TotalCount {
		t.Fatalf("total diverged: cache=%d durable=%d", warm.TotalCount, durable.TotalCount)
	}
}

func TestList_ColdStartServesDurableAndBackfills(t *testing.T) {
	t.Parallel()

	// Simulate a node restart: durable data exists, cache is empty.
	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	for i := 0; i < 3; i++ {
		env.mustSend(t, conv.ID, "alice", fmt.Sprintf("m-%d", i))
	}

	cold := NewInMemoryCache(50)
	svc := NewMessageService(env.convs, env.msgs, cold, env.casts, nil, testLogger())

	page, err := svc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "bob", Page: 1})
	if err != nil {
		t.Fatalf("cold list: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("cold list size: got %d want 3", len(page.Items))
	}

	cached, err := cold.GetRecentMessages(context.Background(), conv.ID, 10)
	if err != nil {
		t.Fatalf("recent after backfill: %v", err)
	}
	if len(cached) != 3 {
		t.Fatalf("backfill should repopulate cache: got %d entries", len(cached))
	}
	if cached[0].ID != page.Items[0].ID {
		t.Fatalf("backfill order: cache=%s list=%s", cached[0].ID, page.Items[0].ID)
	}
}

func TestList_ColdCacheSendDoesNotHideOlderMessages(t *testing.T) {
	t.Parallel()

	// Restart scenario: three durable messages, then the cache is lost, then
	// a send writes through onto the now-cold recent list. The resulting
	// 1-entry list must not be served as if it were the whole page.
	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	for i := 0; i < 3; i++ {
		env.mustSend(t, conv.ID, "alice", fmt.Sprintf("old-%d", i))
	}

	cold := NewInMemoryCache(50)
	svc := NewMessageService(env.convs, env.msgs, cold, env.casts, nil, testLogger())

	fresh, err := svc.Send(context.Background(), SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "fresh"})
	if err != nil {
		t.Fatalf("send after restart: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		page, err := svc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "bob", Page: 1, Limit: 20})
		if err != nil {
			t.Fatalf("list attempt %d: %v", attempt, err)
		}
		if page.TotalCount != 4 || len(page.Items) != 4 {
			t.Fatalf("attempt %d: got %d items (total %d), want 4", attempt, len(page.Items), page.TotalCount)
		}
		if page.Items[0].ID != fresh.ID {
			t.Fatalf("attempt %d: newest first: got %s want %s", attempt, page.Items[0].ID, fresh.ID)
		}
	}

	// The first list re-seeded the cache with the full page.
	cached, err := cold.GetRecentMessages(context.Background(), conv.ID, 20)
	if err != nil {
		t.Fatalf("recent after reseed: %v", err)
	}
	if len(cached) != 4 {
		t.Fatalf("reseeded cache: got %d entries, want 4", len(cached))
	}
}

func TestList_ShortCachedListDoesNotTruncateLargerPage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	for i := 0; i < 5; i++ {
		env.mustSend(t, conv.ID, "alice", fmt.Sprintf("m-%d", i))
	}

	// A small-limit view backfills only two entries into a fresh cache.
	cold := NewInMemoryCache(50)
	svc := NewMessageService(env.convs, env.msgs, cold, env.casts, nil, testLogger())
	if _, err := svc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "bob", Page: 1, Limit: 2}); err != nil {
		t.Fatalf("small list: %v", err)
	}

	// A later larger view must not be capped by that short list.
	page, err := svc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "bob", Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("large list: %v", err)
	}
	if len(page.Items) != 5 || page.TotalCount != 5 {
		t.Fatalf("large page: got %d items (total %d), want 5", len(page.Items), page.TotalCount)
	}
}

func TestList_EmptyConversationNotTreatedAsCacheMiss(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	page, err := env.msgSvc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "alice", Page: 1})
	if err != nil {
		t.Fatalf("list empty conversation: %v", err)
	}
	if len(page.Items) != 0 || page.TotalCount != 0 {
		t.Fatalf("empty conversation: %+v", page)
	}
}

func TestList_OutsiderForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")

	if _, err := env.msgSvc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "mallory", Page: 1}); !IsForbidden(err) {
		t.Fatalf("outsider list: got %v", err)
	}
}

func TestList_PageOneMarksConversationRead(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	env.mustSend(t, conv.ID, "alice", "unread for bob")

	if _, err := env.msgSvc.List(context.Background(), ListInput{ConversationID: conv.ID, RequesterID: "bob", Page: 1}); err != nil {
		t.Fatalf("list: %v", err)
	}

	counts, err := env.msgSvc.UnreadCounts(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if counts[conv.ID] != 0 {
		t.Fatalf("viewing page 1 must clear unread, got %d", counts[conv.ID])
	}

	stored, err := env.convs.GetByID(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !stored.ReadFlags.Get("bob") {
		t.Fatalf("read flag not flipped for reader")
	}

	reads := env.casts.byType(v1.TypeMessagesRead)
	if len(reads) != 1 {
		t.Fatalf("messages_read events: got %d want 1", len(reads))
	}
}

// ---- read transitions ----

func TestMarkAllRead_IdempotentNoSecondBroadcast(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	m1 := env.mustSend(t, conv.ID, "alice", "one")
	m2 := env.mustSend(t, conv.ID, "alice", "two")

	ids, err := env.msgSvc.MarkAllRead(context.Background(), conv.ID, "bob")
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("affected ids: got %d want 2", len(ids))
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[m1.ID] || !found[m2.ID] {
		t.Fatalf("affected ids missing sent messages: %v", ids)
	}

	reads := env.casts.byType(v1.TypeMessagesRead)
	if len(reads) != 1 {
		t.Fatalf("first pass broadcasts: got %d want 1", len(reads))
	}

	// Second pass: no new state, no new broadcast.
	ids, err = env.msgSvc.MarkAllRead(context.Background(), conv.ID, "bob")
	if err != nil {
		t.Fatalf("repeat mark all read: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("repeat affected ids: got %d want 0", len(ids))
	}
	if n := len(env.casts.byType(v1.TypeMessagesRead)); n != 1 {
		t.Fatalf("repeat pass broadcasts: got %d want 1", n)
	}

	counts, err := env.msgSvc.UnreadCounts(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if counts[conv.ID] != 0 {
		t.Fatalf("unread after mark all read: got %d", counts[conv.ID])
	}
}

func TestMarkConversationRead_StaleSnapshotStillSetsFlag(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	env.mustSend(t, conv.ID, "alice", "one")
	if _, err := env.msgSvc.MarkAllRead(context.Background(), conv.ID, "bob"); err != nil {
		t.Fatalf("initial read: %v", err)
	}

	// Snapshot taken while bob's flag is true; a send flips it durably to
	// false before the transition runs against the stale snapshot.
	snapshot, err := env.convs.GetByID(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snapshot.ReadFlags.Get("bob") {
		t.Fatalf("snapshot flag should be true")
	}
	env.mustSend(t, conv.ID, "alice", "two")

	tracker := NewReadTracker(env.convs, env.msgs, env.cache, env.casts, testLogger(), 0)
	ids, err := tracker.MarkConversationRead(context.Background(), snapshot, "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("affected ids: got %d want 1", len(ids))
	}

	cur, err := env.convs.GetByID(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !cur.ReadFlags.Get("bob") {
		t.Fatalf("durable flag left false by stale snapshot")
	}
}

func TestMarkMessageRead_SingleMessage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	msg := env.mustSend(t, conv.ID, "alice", "read me")

	updated, err := env.msgSvc.MarkMessageRead(context.Background(), msg.ID, "bob")
	if err != nil {
		t.Fatalf("mark message read: %v", err)
	}
	if !updated.ReadStatus.IsRead || updated.ReadStatus.ReadAt == nil {
		t.Fatalf("read status not applied: %+v", updated.ReadStatus)
	}

	// Idempotent: readAt does not move on repeat.
	again, err := env.msgSvc.MarkMessageRead(context.Background(), msg.ID, "bob")
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if !again.ReadStatus.ReadAt.Equal(*updated.ReadStatus.ReadAt) {
		t.Fatalf("readAt moved on repeat: %v vs %v", again.ReadStatus.ReadAt, updated.ReadStatus.ReadAt)
	}

	reads := env.casts.byType(v1.TypeMessagesRead)
	if len(reads) != 2 {
		t.Fatalf("messages_read events: got %d", len(reads))
	}
	payload, ok := reads[0].Payload.(v1.MessagesReadPayload)
	if !ok {
		t.Fatalf("payload type: %T", reads[0].Payload)
	}
	if len(payload.MessageIDs) != 1 || payload.MessageIDs[0] != msg.ID || payload.UserID != "bob" {
		t.Fatalf("read payload mismatch: %+v", payload)
	}
}

func TestMarkMessageRead_SenderAndOutsiderForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	conv := env.mustConversation(t, "alice", "bob")
	msg := env.mustSend(t, conv.ID, "alice", "mine")

	if _, err := env.msgSvc.MarkMessageRead(context.Background(), msg.ID, "alice"); !IsForbidden(err) {
		t.Fatalf("sender reading own message: got %v", err)
	}
	if _, err := env.msgSvc.MarkMessageRead(context.Background(), msg.ID, "mallory"); !IsForbidden(err) {
		t.Fatalf("outsider reading message: got %v", err)
	}
	if _, err := env.msgSvc.MarkMessageRead(context.Background(), "missing", "bob"); !IsNotFound(err) {
		t.Fatalf("unknown message: got %v", err)
	}
}

// ---- unread counts ----

func TestUnreadCounts_DurableFallbackWhenCacheDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, failingCache{})
	conv := env.mustConversation(t, "alice", "bob")
	env.mustSend(t, conv.ID, "alice", "one")
	env.mustSend(t, conv.ID, "alice", "two")

	counts, err := env.msgSvc.UnreadCounts(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unread counts with cache down: %v", err)
	}
	if counts[conv.ID] != 2 {
		t.Fatalf("durable fallback count: got %d want 2", counts[conv.ID])
	}
}
