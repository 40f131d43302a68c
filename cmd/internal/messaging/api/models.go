package msgapi

import (
	"time"

	"courier/cmd/internal/messaging"
)

type sendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

type attachmentPayload struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type messageResponse struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	Sender         messaging.Profile   `json:"sender"`
	Content        string              `json:"content"`
	Attachments    []attachmentPayload `json:"attachments,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	IsRead         bool                `json:"isRead"`
	ReadAt         *time.Time          `json:"readAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

type messagePageResponse struct {
	Items       []messageResponse `json:"items"`
	TotalCount  int64             `json:"totalCount"`
	TotalPages  int               `json:"totalPages"`
	CurrentPage int               `json:"currentPage"`
}

type unreadCountsResponse struct {
	Counts map[string]int64 `json:"counts"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func toMessageResponse(m messaging.Message) messageResponse {
	sender := messaging.Profile{UserID: m.SenderID, Name: m.SenderID}
	if m.Sender != nil {
		sender = *m.Sender
	}

	var atts []attachmentPayload
	if len(m.Attachments) > 0 {
		atts = make([]attachmentPayload, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			atts = append(atts, attachmentPayload{
				URL:         a.URL,
				Name:        a.Name,
				ContentType: a.ContentType,
				Size:        a.Size,
			})
		}
	}

	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         sender,
		Content:        m.Content,
		Attachments:    atts,
		Metadata:       m.Metadata,
		IsRead:         m.ReadStatus.IsRead,
		ReadAt:         m.ReadStatus.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
}

func toAttachments(in []attachmentPayload) []messaging.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]messaging.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, messaging.Attachment{
			URL:         a.URL,
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}
