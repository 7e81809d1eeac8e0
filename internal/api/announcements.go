package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"portal/internal/models"
	"portal/internal/portal"
)

type AnnouncementHandler struct {
	svc *portal.Service
}

func NewAnnouncementHandler(svc *portal.Service) *AnnouncementHandler {
	return &AnnouncementHandler{svc: svc}
}

type AnnouncementRequest struct {
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"max=10000"`
}

// GET /api/v1/announcements
func (h *AnnouncementHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Announcements(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Announcement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"announcements": list})
}

// POST /api/v1/announcements
func (h *AnnouncementHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	a, err := h.svc.CreateAnnouncement(r.Context(), GetUserID(r), req.Title, req.Body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// PUT /api/v1/announcements/{id}
func (h *AnnouncementHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	a, err := h.svc.UpdateAnnouncement(r.Context(), GetUserID(r), chi.URLParam(r, "id"), req.Title, req.Body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DELETE /api/v1/announcements/{id}
func (h *AnnouncementHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteAnnouncement(r.Context(), GetUserID(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
