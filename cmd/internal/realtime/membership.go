package realtime

import (
	"context"
	"errors"
	"strings"

	"courier/cmd/internal/messaging"
)

// Membership defines the authorization boundary for conversation joins.
type Membership interface {
	// IsParticipant returns true if userID participates in conversationID.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// StoreMembership answers join authorization from the conversation store, so
// the gateway and the REST layer enforce the same participant ACL.
type StoreMembership struct {
	convs messaging.ConversationStore
}

// NewStoreMembership constructs a Membership backed by a ConversationStore.
func NewStoreMembership(convs messaging.ConversationStore) (*StoreMembership, error) {
	if convs == nil {
		return nil, errors.New("realtime: nil conversation store")
	}
	return &StoreMembership{convs: convs}, nil
}

// IsParticipant checks participation. An unknown conversation is a plain
// "no", not an error: the gateway treats both the same way.
func (m *StoreMembership) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return false, nil
	}

	conv, err := m.convs.GetByID(ctx, conversationID)
	if messaging.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

// AllowAll is a Membership that admits every join. Dev/test only.
type AllowAll struct{}

func (AllowAll) IsParticipant(context.Context, string, string) (bool, error) { return true, nil }
