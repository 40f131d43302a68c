package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require COURIER_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresConversationStore_DuplicatePair_Conflicts(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	s := mustNewConversationStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	b := "it-user-" + strings.ToLower(mustNewULIDLike(t))

	created := mustCreatePair(t, ctx, s, a, b)

	// Same pair in reversed order must hit the uniqueness constraint.
	_, err := s.Create(ctx, Conversation{
		ID:           mustNewULIDLike(t),
		Participants: []string{b, a},
		ReadFlags:    ReadMap{a: true, b: true},
		CreatedAt:    time.Now().UTC(),
	})
	if err == nil {
		t.Fatalf("expected conflict, got nil")
	}
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got: %v", err)
	}

	got, err := s.GetByPairKey(ctx, PairKey(b, a))
	if err != nil {
		t.Fatalf("get by pair key: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("pair resolves to %q, want %q", got.ID, created.ID)
	}
	if !got.ReadFlags.Get(a) || !got.ReadFlags.Get(b) {
		t.Fatalf("read flags lost through jsonb roundtrip: %v", got.ReadFlags)
	}
}

func TestPostgresConversationStore_ApplyLastMessage_NeverRegresses(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	s := mustNewConversationStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	b := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	conv := mustCreatePair(t, ctx, s, a, b)

	now := time.Now().UTC()
	older, err := NewMessageID(now.Add(-time.Second))
	if err != nil {
		t.Fatalf("older id: %v", err)
	}
	newer, err := NewMessageID(now)
	if err != nil {
		t.Fatalf("newer id: %v", err)
	}

	if err := s.ApplyLastMessage(ctx, ApplyLastMessageInput{
		ConversationID: conv.ID,
		Summary:        LastMessage{MessageID: newer, SenderID: a, Preview: "newer", SentAt: now},
		ReadFlags:      ReadMap{a: true, b: false},
		At:             now,
	}); err != nil {
		t.Fatalf("apply newer: %v", err)
	}

	// A late apply for an older message must be a silent no-op.
	if err := s.ApplyLastMessage(ctx, ApplyLastMessageInput{
		ConversationID: conv.ID,
		Summary:        LastMessage{MessageID: older, SenderID: b, Preview: "older", SentAt: now.Add(-time.Second)},
		ReadFlags:      ReadMap{a: false, b: true},
		At:             now.Add(-time.Second),
	}); err != nil {
		t.Fatalf("apply older: %v", err)
	}

	got, err := s.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessage == nil || got.LastMessage.MessageID != newer {
		t.Fatalf("summary regressed: %+v", got.LastMessage)
	}
	if got.LastMessage.Preview != "newer" || got.LastMessage.SenderID != a {
		t.Fatalf("summary fields: %+v", got.LastMessage)
	}
	if got.ReadFlags.Get(b) {
		t.Fatalf("read flags regressed with stale apply: %v", got.ReadFlags)
	}
}

func TestPostgresConversationStore_SetReadFlag_AndListOrder(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	s := mustNewConversationStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	me := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	p1 := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	p2 := "it-user-" + strings.ToLower(mustNewULIDLike(t))

	c1 := mustCreatePair(t, ctx, s, me, p1)
	c2 := mustCreatePair(t, ctx, s, me, p2)

	// Touch c1 so it sorts first.
	if err := s.SetReadFlag(ctx, c1.ID, me, false, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("set read flag: %v", err)
	}

	list, err := s.ListForUser(ctx, me)
	if err != nil {
		t.Fatalf("list for user: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list size: got %d want 2", len(list))
	}
	if list[0].ID != c1.ID || list[1].ID != c2.ID {
		t.Fatalf("activity order: got [%s %s] want [%s %s]", list[0].ID, list[1].ID, c1.ID, c2.ID)
	}
	if list[0].ReadFlags.Get(me) {
		t.Fatalf("flag update lost")
	}

	if err := s.SetReadFlag(ctx, mustNewULIDLike(t), me, true, time.Now().UTC()); !IsNotFound(err) {
		t.Fatalf("set flag on missing conversation: got %v", err)
	}
}

func TestPostgresMessageStore_Append_MonotonicUnderBackdatedClock(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	cs := mustNewConversationStore(t, pool, schema)
	ms := mustNewMessageStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	b := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	conv := mustCreatePair(t, ctx, cs, a, b)

	base := time.Now().UTC().Truncate(time.Millisecond)
	m1, err := ms.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: a, Content: "first", Now: base})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}

	// A node with a lagging clock must not insert before the newest message.
	m2, err := ms.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: b, Content: "second", Now: base.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if m2.CreatedAt.Before(m1.CreatedAt) {
		t.Fatalf("created_at regressed: %v < %v", m2.CreatedAt, m1.CreatedAt)
	}
}

func TestPostgresMessageStore_ListPage_NewestFirstWithTotal(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	cs := mustNewConversationStore(t, pool, schema)
	ms := mustNewMessageStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	b := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	conv := mustCreatePair(t, ctx, cs, a, b)

	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 7; i++ {
		m, err := ms.Append(ctx, AppendInput{
			ConversationID: conv.ID,
			SenderID:       a,
			Content:        fmt.Sprintf("m-%d", i),
			Attachments:    []Attachment{{URL: "https://files.example/x", Name: "x"}},
			Metadata:       map[string]string{"k": "v"},
			Now:            base.Add(time.Duration(i) * 10 * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	res, err := ms.ListPage(ctx, ListPageInput{ConversationID: conv.ID, Page: 1, Limit: 3})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if res.TotalCount != 7 || len(res.Messages) != 3 {
		t.Fatalf("page 1: total=%d size=%d", res.TotalCount, len(res.Messages))
	}
	if res.Messages[0].ID != ids[6] || res.Messages[2].ID != ids[4] {
		t.Fatalf("page 1 order: %v", res.Messages)
	}
	if len(res.Messages[0].Attachments) != 1 || res.Messages[0].Metadata["k"] != "v" {
		t.Fatalf("jsonb roundtrip: %+v", res.Messages[0])
	}

	res, err = ms.ListPage(ctx, ListPageInput{ConversationID: conv.ID, Page: 3, Limit: 3})
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != ids[0] {
		t.Fatalf("page 3: %v", res.Messages)
	}

	total, err := ms.Count(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 7 {
		t.Fatalf("count: got %d want 7", total)
	}
}

func TestPostgresMessageStore_ReadTransitions(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyMessagingSchema(t, pool, schema)

	cs := mustNewConversationStore(t, pool, schema)
	ms := mustNewMessageStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	b := "it-user-" + strings.ToLower(mustNewULIDLike(t))
	conv := mustCreatePair(t, ctx, cs, a, b)

	base := time.Now().UTC().Truncate(time.Millisecond)
	mine, err := ms.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: b, Content: "mine", Now: base})
	if err != nil {
		t.Fatalf("append mine: %v", err)
	}
	theirs1, err := ms.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: a, Content: "one", Now: base.Add(10 * time.Millisecond)})
	if err != nil {
		t.Fatalf("append theirs1: %v", err)
	}
	theirs2, err := ms.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: a, Content: "two", Now: base.Add(20 * time.Millisecond)})
	if err != nil {
		t.Fatalf("append theirs2: %v", err)
	}

	// Single mark is idempotent on read_at.
	at := time.Now().UTC()
	first, err := ms.MarkRead(ctx, theirs1.ID, at)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !first.ReadStatus.IsRead || first.ReadStatus.ReadAt == nil {
		t.Fatalf("not marked: %+v", first.ReadStatus)
	}
	second, err := ms.MarkRead(ctx, theirs1.ID, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if !second.ReadStatus.ReadAt.Equal(*first.ReadStatus.ReadAt) {
		t.Fatalf("read_at moved on repeat: %v vs %v", second.ReadStatus.ReadAt, first.ReadStatus.ReadAt)
	}

	// Bulk mark flips only the remaining unread message from the other side.
	flipped, err := ms.MarkConversationRead(ctx, conv.ID, b, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if len(flipped) != 1 || flipped[0] != theirs2.ID {
		t.Fatalf("flipped ids: got %v want [%s]", flipped, theirs2.ID)
	}

	own, err := ms.GetByID(ctx, mine.ID)
	if err != nil {
		t.Fatalf("get own: %v", err)
	}
	if own.ReadStatus.IsRead {
		t.Fatalf("reader's own message flipped")
	}

	// b's unread is now zero; a still has b's message unread.
	counts, err := ms.CountUnread(ctx, b, []string{conv.ID})
	if err != nil {
		t.Fatalf("count unread b: %v", err)
	}
	if counts[conv.ID] != 0 {
		t.Fatalf("b unread: got %d want 0", counts[conv.ID])
	}
	counts, err = ms.CountUnread(ctx, a, []string{conv.ID})
	if err != nil {
		t.Fatalf("count unread a: %v", err)
	}
	if counts[conv.ID] != 1 {
		t.Fatalf("a unread: got %d want 1", counts[conv.ID])
	}

	flipped, err = ms.MarkConversationRead(ctx, conv.ID, b, time.Now().UTC())
	if err != nil {
		t.Fatalf("repeat mark conversation read: %v", err)
	}
	if len(flipped) != 0 {
		t.Fatalf("repeat flipped ids: got %v", flipped)
	}
}

// ---- helpers ----

func mustNewConversationStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresConversationStore {
	t.Helper()
	s, err := NewPostgresConversationStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new conversation store: %v", err)
	}
	return s
}

func mustNewMessageStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresMessageStore {
	t.Helper()
	s, err := NewPostgresMessageStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new message store: %v", err)
	}
	return s
}

func mustCreatePair(t *testing.T, ctx context.Context, s ConversationStore, a, b string) Conversation {
	t.Helper()
	conv, err := s.Create(ctx, Conversation{
		ID:           mustNewULIDLike(t),
		Participants: []string{a, b},
		ReadFlags:    ReadMap{a: true, b: true},
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly (fast fail).
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (COURIER_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "courier_it_" + strings.ToLower(mustNewULIDLike(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgxIdent1(schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgxIdent1(schema)+` CASCADE`)
}

func mustApplyMessagingSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  pair_key TEXT NOT NULL,
  participants TEXT[] NOT NULL,
  last_message_id TEXT NULL,
  last_sender_id TEXT NULL,
  last_preview TEXT NULL,
  last_message_at TIMESTAMPTZ NULL,
  read_flags JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_conversations_min_participants CHECK (cardinality(participants) >= 2),
  CONSTRAINT uq_conversations_pair_key UNIQUE (pair_key)
);

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender_id TEXT NOT NULL,
  content TEXT NOT NULL,
  attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  is_read BOOLEAN NOT NULL DEFAULT false,
  read_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_messages_content_not_empty CHECK (char_length(content) > 0)
);

CREATE INDEX IF NOT EXISTS idx_conversations_participants
  ON %s USING GIN (participants);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
  ON %s (updated_at DESC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at DESC, id DESC);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %s (conversation_id, sender_id) WHERE NOT is_read;
`, conversations, messages, conversations, conversations, conversations, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func mustNewULIDLike(t *testing.T) string {
	t.Helper()

	id, err := NewMessageID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}

func pgxIdent1(ident string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection in dynamic DDL.
	return pgx.Identifier{ident}.Sanitize()
}
