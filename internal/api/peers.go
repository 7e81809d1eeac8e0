package api

import (
	"net/http"
	"time"

	"portal/internal/models"
	"portal/internal/portal"
)

type PeerHandler struct {
	svc *portal.Service
}

func NewPeerHandler(svc *portal.Service) *PeerHandler {
	return &PeerHandler{svc: svc}
}

// GET /api/v1/peers
func (h *PeerHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListPeers(r.Context(), GetUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Peer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": list})
}

// GET /api/v1/unread-counts
func (h *PeerHandler) UnreadCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.UnreadCounts(r.Context(), GetUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// GET /api/v1/latest-timestamps
func (h *PeerHandler) LatestTimestamps(w http.ResponseWriter, r *http.Request) {
	latest, err := h.svc.LatestTimestamps(r.Context(), GetUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make(map[string]string, len(latest))
	for peerID, ts := range latest {
		out[peerID] = ts.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, map[string]any{"timestamps": out})
}
