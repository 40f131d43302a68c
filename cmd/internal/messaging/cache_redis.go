package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. One hash per user for unread counters keeps the badge
// aggregate a single HGETALL; the watermark set uses ZADD GT so monotonicity
// is enforced by Redis itself rather than read-modify-write.
const (
	recentKeyPrefix   = "dm:recent:"   // list of JSON messages, newest first
	unreadKeyPrefix   = "dm:unread:"   // hash: conversation id -> count
	lastReadKeyPrefix = "dm:lastread:" // zset: member user id, score unix milli
)

const defaultRecentBound = 50

func recentKey(conversationID string) string { return recentKeyPrefix + conversationID }
func unreadKey(userID string) string         { return unreadKeyPrefix + userID }
func lastReadKey(conversationID string) string {
	return lastReadKeyPrefix + conversationID
}

// RedisCache is a MessageCache backed by Redis.
//
// Every mutation is atomic at the level of a single (conversation, user) key:
// HINCRBY for counters, ZADD GT for watermarks, LPUSH+LTRIM in a pipeline for
// the recent list. Failures are wrapped with ErrCacheUnavailable so the
// service layer can log-and-continue on the durable path.
type RedisCache struct {
	rdb         *redis.Client
	log         *slog.Logger
	recentBound int
}

// RedisCacheOption configures RedisCache behavior.
type RedisCacheOption func(*RedisCache)

// WithRecentBound overrides the per-conversation recent-list bound (default 50).
func WithRecentBound(n int) RedisCacheOption {
	return func(c *RedisCache) {
		if n > 0 {
			c.recentBound = n
		}
	}
}

// NewRedisCache constructs a Redis-backed MessageCache. The client is owned by
// the caller; Close is a no-op.
func NewRedisCache(rdb *redis.Client, log *slog.Logger, opts ...RedisCacheOption) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	c := &RedisCache{rdb: rdb, log: log, recentBound: defaultRecentBound}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Close is a no-op because the client is owned by the caller.
func (c *RedisCache) Close() error { return nil }

func cacheErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCacheUnavailable, err)
}

// CacheMessage prepends msg to the conversation's recent list and trims to the
// bound, in one pipeline round trip.
func (c *RedisCache) CacheMessage(ctx context.Context, msg Message) error {
	data, err := json.Marshal(cachedMessage(msg))
	if err != nil {
		return cacheErr("cache.message", err)
	}

	key := recentKey(msg.ConversationID)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.recentBound-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return cacheErr("cache.message", err)
	}
	return nil
}

// GetRecentMessages reads up to limit entries from the recent list. A corrupt
// entry invalidates the whole list (self-heals on the next backfill).
func (c *RedisCache) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > c.recentBound {
		limit = c.recentBound
	}

	raw, err := c.rdb.LRange(ctx, recentKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, cacheErr("cache.recent.get", err)
	}

	out := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var cm cacheMessage
		if err := json.Unmarshal([]byte(entry), &cm); err != nil {
			c.log.Warn("cache.recent.corrupt", "conversation_id", conversationID, "err", err)
			_ = c.rdb.Del(ctx, recentKey(conversationID)).Err()
			return nil, nil
		}
		out = append(out, cm.message())
	}
	return out, nil
}

// BackfillRecent replaces the recent list with msgs (newest first).
func (c *RedisCache) BackfillRecent(ctx context.Context, conversationID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	key := recentKey(conversationID)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	// RPush preserves the given newest-first order.
	for _, m := range msgs {
		data, err := json.Marshal(cachedMessage(m))
		if err != nil {
			return cacheErr("cache.recent.backfill", err)
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, 0, int64(c.recentBound-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return cacheErr("cache.recent.backfill", err)
	}
	return nil
}

// IncrementUnread bumps every recipient's counter in one pipeline. Increments
// are synchronous so a recipient can never observe a missed notification; a
// transient over-count racing a concurrent reset is acceptable.
func (c *RedisCache) IncrementUnread(ctx context.Context, conversationID, senderID string, recipientIDs []string) error {
	pipe := c.rdb.Pipeline()
	n := 0
	for _, uid := range recipientIDs {
		if uid == "" || uid == senderID {
			continue
		}
		pipe.HIncrBy(ctx, unreadKey(uid), conversationID, 1)
		n++
	}
	if n == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return cacheErr("cache.unread.incr", err)
	}
	return nil
}

// ResetUnread zeroes one counter. The field is deleted rather than set to 0 so
// GetAllUnreadCounts naturally omits read conversations.
func (c *RedisCache) ResetUnread(ctx context.Context, conversationID, userID string) error {
	if err := c.rdb.HDel(ctx, unreadKey(userID), conversationID).Err(); err != nil {
		return cacheErr("cache.unread.reset", err)
	}
	return nil
}

// GetAllUnreadCounts returns all non-zero counters for userID in one HGETALL.
func (c *RedisCache) GetAllUnreadCounts(ctx context.Context, userID string) (map[string]int64, error) {
	data, err := c.rdb.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, cacheErr("cache.unread.all", err)
	}

	out := make(map[string]int64, len(data))
	for convID, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[convID] = n
	}
	return out, nil
}

// TrackLastRead advances the watermark. ZADD GT makes the advance atomic and
// monotonic: an older timestamp never wins.
func (c *RedisCache) TrackLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	err := c.rdb.ZAddGT(ctx, lastReadKey(conversationID), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userID,
	}).Err()
	if err != nil {
		return cacheErr("cache.lastread.track", err)
	}
	return nil
}

// LastRead returns the watermark, or the zero time when none is recorded.
func (c *RedisCache) LastRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	score, err := c.rdb.ZScore(ctx, lastReadKey(conversationID), userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, cacheErr("cache.lastread.get", err)
	}
	return time.UnixMilli(int64(score)).UTC(), nil
}

// cacheMessage is the JSON shape stored in the recent list. It is a stable
// snapshot of Message so cache entries survive internal model refactors.
type cacheMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IsRead         bool              `json:"isRead"`
	ReadAt         *time.Time        `json:"readAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func cachedMessage(m Message) cacheMessage {
	return cacheMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Attachments:    m.Attachments,
		Metadata:       m.Metadata,
		IsRead:         m.ReadStatus.IsRead,
		ReadAt:         m.ReadStatus.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
}

func (cm cacheMessage) message() Message {
	return Message{
		ID:             cm.ID,
		ConversationID: cm.ConversationID,
		SenderID:       cm.SenderID,
		Content:        cm.Content,
		Attachments:    cm.Attachments,
		Metadata:       cm.Metadata,
		ReadStatus:     ReadStatus{IsRead: cm.IsRead, ReadAt: cm.ReadAt},
		CreatedAt:      cm.CreatedAt,
	}
}
