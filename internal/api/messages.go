package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"portal/internal/metrics"
	"portal/internal/models"
	"portal/internal/portal"
	"portal/internal/relay"
)

// Publisher fans out change notifications to mounted views.
type Publisher interface {
	Publish(e relay.Event) (int, error)
}

type MessageHandler struct {
	svc    *portal.Service
	pub    Publisher
	logger *slog.Logger
}

func NewMessageHandler(svc *portal.Service, pub Publisher) *MessageHandler {
	return &MessageHandler{svc: svc, pub: pub, logger: slog.Default().With("component", "api")}
}

type SendMessageRequest struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments" validate:"max=10"`
	RepliedTo   string              `json:"repliedTo"`
	Nonce       string              `json:"nonce" validate:"max=64"`
}

type EditMessageRequest struct {
	Text string `json:"text"`
}

type ReactRequest struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

// GET /api/v1/threads/{peerID}/messages
func (h *MessageHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.FetchThread(r.Context(), GetUserID(r), chi.URLParam(r, "peerID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// POST /api/v1/threads/{peerID}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	userID := GetUserID(r)
	m, err := h.svc.SendMessage(r.Context(), models.SendRequest{
		SenderID:    userID,
		RecipientID: chi.URLParam(r, "peerID"),
		Text:        req.Text,
		Attachments: req.Attachments,
		RepliedTo:   req.RepliedTo,
		Nonce:       req.Nonce,
	})
	if err != nil {
		metrics.Mutations.WithLabelValues("send", "rejected").Inc()
		writeServiceError(w, r, err)
		return
	}
	metrics.Mutations.WithLabelValues("send", "ok").Inc()

	h.publish(relay.MessageEvent(relay.KindCreated, m.ID, m.SenderID, m.RecipientID, ""))
	writeJSON(w, http.StatusCreated, m)
}

// PUT /api/v1/messages/{id}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.EditMessage(r.Context(), id, GetUserID(r), req.Text); err != nil {
		metrics.Mutations.WithLabelValues("edit", "rejected").Inc()
		writeServiceError(w, r, err)
		return
	}
	metrics.Mutations.WithLabelValues("edit", "ok").Inc()

	h.publishMessage(r, relay.KindUpdated, id)
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteMessage(r.Context(), id, GetUserID(r)); err != nil {
		metrics.Mutations.WithLabelValues("delete", "rejected").Inc()
		writeServiceError(w, r, err)
		return
	}
	metrics.Mutations.WithLabelValues("delete", "ok").Inc()

	h.publishMessage(r, relay.KindDeleted, id)
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/messages/{id}/reactions
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	var req ReactRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	reactions, err := h.svc.React(r.Context(), id, GetUserID(r), req.Emoji)
	if err != nil {
		metrics.Mutations.WithLabelValues("react", "rejected").Inc()
		writeServiceError(w, r, err)
		return
	}
	metrics.Mutations.WithLabelValues("react", "ok").Inc()

	h.publishMessage(r, relay.KindUpdated, id)
	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

// PATCH /api/v1/threads/{peerID}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	peerID := chi.URLParam(r, "peerID")
	if err := h.svc.MarkRead(r.Context(), userID, peerID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.publish(relay.ReadStateEvent(userID, peerID, ""))
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) publishMessage(r *http.Request, kind relay.Kind, messageID string) {
	senderID, recipientID, err := h.svc.MessageParticipants(r.Context(), messageID)
	if err != nil {
		h.logger.Warn("resolving message participants failed", "message_id", messageID, "error", err)
		return
	}
	h.publish(relay.MessageEvent(kind, messageID, senderID, recipientID, ""))
}

func (h *MessageHandler) publish(e relay.Event) {
	if h.pub == nil {
		return
	}
	if _, err := h.pub.Publish(e); err != nil {
		h.logger.Warn("relay publish failed", "entity", e.Entity, "kind", e.Kind, "error", err)
	}
}
