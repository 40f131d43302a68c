package messaging

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache is a dev/test MessageCache with the same observable semantics
// as RedisCache: bounded newest-first recent lists, per-user counters that
// omit zero entries, and monotonic watermarks.
type InMemoryCache struct {
	mu          sync.Mutex
	recent      map[string][]Message            // conversation id -> newest first
	unread      map[string]map[string]int64     // user id -> conversation id -> count
	lastRead    map[string]map[string]time.Time // conversation id -> user id -> watermark
	recentBound int
}

// NewInMemoryCache constructs an in-memory MessageCache.
func NewInMemoryCache(recentBound int) *InMemoryCache {
	if recentBound <= 0 {
		recentBound = defaultRecentBound
	}
	return &InMemoryCache{
		recent:      make(map[string][]Message),
		unread:      make(map[string]map[string]int64),
		lastRead:    make(map[string]map[string]time.Time),
		recentBound: recentBound,
	}
}

// Close closes the cache (noop for in-memory).
func (c *InMemoryCache) Close() error { return nil }

// CacheMessage prepends to the bounded recent list.
func (c *InMemoryCache) CacheMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := append([]Message{msg}, c.recent[msg.ConversationID]...)
	if len(list) > c.recentBound {
		list = list[:c.recentBound]
	}
	c.recent[msg.ConversationID] = list
	return nil
}

// GetRecentMessages returns up to limit cached entries (empty slice on miss).
func (c *InMemoryCache) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > c.recentBound {
		limit = c.recentBound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.recent[conversationID]
	if len(list) > limit {
		list = list[:limit]
	}
	return append([]Message(nil), list...), nil
}

// BackfillRecent replaces the recent list (msgs newest first).
func (c *InMemoryCache) BackfillRecent(ctx context.Context, conversationID string, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	list := append([]Message(nil), msgs...)
	if len(list) > c.recentBound {
		list = list[:c.recentBound]
	}

	c.mu.Lock()
	c.recent[conversationID] = list
	c.mu.Unlock()
	return nil
}

// IncrementUnread bumps every recipient's counter except the sender's.
func (c *InMemoryCache) IncrementUnread(ctx context.Context, conversationID, senderID string, recipientIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, uid := range recipientIDs {
		if uid == "" || uid == senderID {
			continue
		}
		m := c.unread[uid]
		if m == nil {
			m = make(map[string]int64)
			c.unread[uid] = m
		}
		m[conversationID]++
	}
	return nil
}

// ResetUnread zeroes one counter.
func (c *InMemoryCache) ResetUnread(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if m := c.unread[userID]; m != nil {
		delete(m, conversationID)
	}
	c.mu.Unlock()
	return nil
}

// GetAllUnreadCounts returns the user's non-zero counters.
func (c *InMemoryCache) GetAllUnreadCounts(ctx context.Context, userID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.unread[userID]))
	for convID, n := range c.unread[userID] {
		if n > 0 {
			out[convID] = n
		}
	}
	return out, nil
}

// TrackLastRead advances the watermark monotonically.
func (c *InMemoryCache) TrackLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.lastRead[conversationID]
	if m == nil {
		m = make(map[string]time.Time)
		c.lastRead[conversationID] = m
	}
	if at.After(m[userID]) {
		m[userID] = at
	}
	return nil
}

// LastRead returns the watermark (zero time when absent).
func (c *InMemoryCache) LastRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRead[conversationID][userID], nil
}
