package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"portal/internal/ws"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler accepts upgrades from the same origins the REST API
// allows. Authentication happens in the IDENTIFY command.
func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string) *WebSocketHandler {
	allow := originAllowed(allowedOrigins)
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allow(origin)
			},
		},
	}
}

func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := ws.NewClient(h.hub, conn)
	client.SendHello()

	go client.WritePump()
	go client.ReadPump()
}
