package realtime

import (
	"sync"

	v1 "courier/shared/contracts/messaging/v1"
)

// Client is one connected session's send side: a bounded envelope queue plus
// a done signal. Rooms fan out into Send; the gateway's writer goroutine
// drains it onto the socket.
//
// Send is never closed — rooms broadcast concurrently and a closed channel
// would panic them. Shutdown is signalled through Done instead.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the client is shutting down. A nil client reads as
// already done.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals shutdown. Idempotent; Send stays open (see type comment).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
