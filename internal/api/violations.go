package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"portal/internal/models"
	"portal/internal/portal"
)

type ViolationHandler struct {
	svc *portal.Service
}

func NewViolationHandler(svc *portal.Service) *ViolationHandler {
	return &ViolationHandler{svc: svc}
}

type CreateViolationRequest struct {
	UserID string `json:"userId" validate:"required"`
	Title  string `json:"title" validate:"required,max=200"`
}

type UpdateViolationStatusRequest struct {
	Status models.ViolationStatus `json:"status" validate:"required,oneof=pending reviewed resolved"`
}

// GET /api/v1/violations
func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Violations(r.Context(), GetUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": list})
}

// POST /api/v1/violations
func (h *ViolationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateViolationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	v, err := h.svc.CreateViolation(r.Context(), GetUserID(r), req.UserID, req.Title)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// PATCH /api/v1/violations/{id}/status
func (h *ViolationHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateViolationStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	v, err := h.svc.UpdateViolationStatus(r.Context(), GetUserID(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
