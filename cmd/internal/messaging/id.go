package messaging

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a new ULID string (26 chars) derived from ts.
// ULIDs sort lexicographically by time, so message id order agrees with
// CreatedAt order within a conversation; stores lean on that for their
// last-message compare-and-set.
func NewMessageID(ts time.Time) (string, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(ts), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewConversationID returns a new ULID string used as conversation id.
func NewConversationID(ts time.Time) (string, error) {
	return NewMessageID(ts)
}
