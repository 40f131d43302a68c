package messaging

import (
	"context"
	"log/slog"
	"time"

	v1 "courier/shared/contracts/messaging/v1"
)

// ReadTracker coordinates the Unread -> Read transition for one
// (conversation, user) pair across the durable stores and the cache so the
// two never diverge for long.
//
// The transition applies, in order:
//  1. durable bulk-update of the user's unread messages (source of truth)
//  2. cache watermark advance
//  3. cache counter reset
//  4. durable conversation read flag
//  5. messages_read broadcast, only when step 1 actually flipped something
//
// Repeated invocations with no new messages are no-ops with the same
// observable outcome; in particular step 5 never re-announces old ids.
// The Read -> Unread direction is owned by MessageService.Send.
type ReadTracker struct {
	convs ConversationStore
	msgs  MessageStore
	cache MessageCache
	casts Broadcaster
	log   *slog.Logger

	cacheTimeout time.Duration
}

// NewReadTracker constructs a ReadTracker.
func NewReadTracker(convs ConversationStore, msgs MessageStore, cache MessageCache, casts Broadcaster, log *slog.Logger, cacheTimeout time.Duration) *ReadTracker {
	if log == nil {
		log = slog.Default()
	}
	if casts == nil {
		casts = NopBroadcaster{}
	}
	if cacheTimeout <= 0 {
		cacheTimeout = defaultCacheTimeout
	}
	return &ReadTracker{
		convs:        convs,
		msgs:         msgs,
		cache:        cache,
		casts:        casts,
		log:          log,
		cacheTimeout: cacheTimeout,
	}
}

// MarkConversationRead runs the Unread -> Read transition for userID in conv.
// The caller has already authorized userID as a participant.
//
// Durable failures in step 1 abort the transition; cache failures are logged
// and swallowed (the durable path self-heals the counters on the next read).
func (t *ReadTracker) MarkConversationRead(ctx context.Context, conv Conversation, userID string, now time.Time) ([]string, error) {
	ids, err := t.msgs.MarkConversationRead(ctx, conv.ID, userID, now)
	if err != nil {
		return nil, err
	}

	cacheCtx, cancel := context.WithTimeout(ctx, t.cacheTimeout)
	if err := t.cache.TrackLastRead(cacheCtx, conv.ID, userID, now); err != nil {
		t.log.Warn("readtracker.cache.watermark.fail", "conversation_id", conv.ID, "user_id", userID, "err", err)
		metricCacheErrors.Inc()
	}
	if err := t.cache.ResetUnread(cacheCtx, conv.ID, userID); err != nil {
		t.log.Warn("readtracker.cache.reset.fail", "conversation_id", conv.ID, "user_id", userID, "err", err)
		metricCacheErrors.Inc()
	}
	cancel()

	// The snapshot's flag can be stale: a send landing after the caller's
	// fetch flips the durable flag to false. Flipped ids mean messages
	// arrived since the snapshot, so the flag is set again regardless.
	if len(ids) > 0 || !conv.ReadFlags.Get(userID) {
		if err := t.convs.SetReadFlag(ctx, conv.ID, userID, true, now); err != nil {
			t.log.Error("readtracker.flag.fail", "conversation_id", conv.ID, "user_id", userID, "err", err)
			return nil, err
		}
	}

	if len(ids) > 0 {
		metricReadsMarked.Add(float64(len(ids)))
		t.casts.Publish(ctx, conv.ID, v1.TypeMessagesRead, v1.MessagesReadPayload{
			ConversationID: conv.ID,
			MessageIDs:     ids,
			UserID:         userID,
		})
	}
	return ids, nil
}
