package v1

import "time"

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// The session token itself travels in the HTTP upgrade request; the payload
// stays empty so the handshake carries no secrets over the socket.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationJoinPayload requests room membership for a conversation.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationLeavePayload drops room membership for a conversation.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// SenderInfo is the normalized public profile embedded into broadcasts.
type SenderInfo struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	UserType string `json:"userType,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// AttachmentInfo is one normalized message attachment.
type AttachmentInfo struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// MessageContent is the normalized content block of a broadcast message.
type MessageContent struct {
	Type        string           `json:"type"`
	Text        string           `json:"text"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
}

// MessageReceivedPayload is broadcast to a conversation room when a message
// has been durably persisted.
type MessageReceivedPayload struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Sender         SenderInfo     `json:"sender"`
	Content        MessageContent `json:"content"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// MessagesReadPayload is broadcast when a user has read one or more messages,
// so other sessions of the same user and the sender's UI can update indicators.
type MessagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
