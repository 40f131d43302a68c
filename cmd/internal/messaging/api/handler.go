// Package msgapi exposes the messaging core over HTTP.
//
// Identity is supplied by an external gateway; every route resolves the caller
// through an Authenticator and never trusts ids embedded in bodies.
package msgapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"courier/cmd/internal/messaging"
)

const (
	defaultMaxBodyBytes = 64 << 10 // 64 KiB

	userHeader = "X-User-ID"
)

// Authenticator resolves the calling user from a request.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts the X-User-ID header set by the upstream
// auth gateway.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) UserID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		return "", errors.New("missing " + userHeader)
	}
	return id, nil
}

// Handler wires the messaging services to HTTP routes.
type Handler struct {
	log   *slog.Logger
	convs *messaging.ConversationService
	msgs  *messaging.MessageService
	auth  Authenticator

	maxBodyBytes int64
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithAuthenticator overrides the default header authenticator.
func WithAuthenticator(a Authenticator) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.auth = a
		}
	}
}

// WithMaxBodyBytes overrides the request body size limit.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a messaging API handler.
func NewHandler(log *slog.Logger, convs *messaging.ConversationService, msgs *messaging.MessageService, opts ...HandlerOption) (*Handler, error) {
	if convs == nil || msgs == nil {
		return nil, errors.New("msgapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:          log,
		convs:        convs,
		msgs:         msgs,
		auth:         HeaderAuthenticator{},
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires messaging routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /conversations", h.handleListConversations)
	mux.HandleFunc("GET /conversations/{userID}", h.handleGetOrCreate)
	mux.HandleFunc("GET /conversations/{conversationID}/messages", h.handleListMessages)
	mux.HandleFunc("POST /conversations/{conversationID}/messages", h.handleSendMessage)
	mux.HandleFunc("PUT /conversations/{conversationID}/read", h.handleMarkAllRead)
	mux.HandleFunc("PUT /messages/{messageID}/read", h.handleMarkMessageRead)
	mux.HandleFunc("GET /messages/unread", h.handleUnreadCounts)
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	views, err := h.convs.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	otherID := strings.TrimSpace(r.PathValue("userID"))
	view, err := h.convs.GetOrCreate(r.Context(), userID, otherID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	page, limit := pageParams(r)
	res, err := h.msgs.List(r.Context(), messaging.ListInput{
		ConversationID: r.PathValue("conversationID"),
		RequesterID:    userID,
		Page:           page,
		Limit:          limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]messageResponse, 0, len(res.Items))
	for _, m := range res.Items {
		items = append(items, toMessageResponse(m))
	}

	writeJSON(w, http.StatusOK, messagePageResponse{
		Items:       items,
		TotalCount:  res.TotalCount,
		TotalPages:  totalPages(res.TotalCount, res.PageSize),
		CurrentPage: res.Page,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	msg, err := h.msgs.Send(r.Context(), messaging.SendInput{
		ConversationID: r.PathValue("conversationID"),
		SenderID:       userID,
		Content:        req.Content,
		Attachments:    toAttachments(req.Attachments),
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) handleMarkMessageRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	msg, err := h.msgs.MarkMessageRead(r.Context(), r.PathValue("messageID"), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *Handler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	if _, err := h.msgs.MarkAllRead(r.Context(), r.PathValue("conversationID"), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	counts, err := h.msgs.UnreadCounts(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if counts == nil {
		counts = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, unreadCountsResponse{Counts: counts})
}

// ---- helpers ----

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	return userID, true
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case messaging.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case messaging.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
	case messaging.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "conflicting state")
	default:
		h.log.Error("msgapi.internal", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func pageParams(r *http.Request) (page, limit int) {
	page = 1
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return page, limit
}

func totalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	pages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		pages++
	}
	return int(pages)
}
