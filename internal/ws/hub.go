package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"portal/internal/auth"
	"portal/internal/models"
	"portal/internal/view"
)

const (
	// Timeout for hub registration
	registerTimeout = 5 * time.Second
)

// Mounter mounts the engine for an identified connection. token is the
// bearer the client identified with, for backends that call upstream as the user.
type Mounter func(ctx context.Context, user *models.User, token string) (*view.View, error)

// UserLookup resolves the user behind a validated token.
type UserLookup interface {
	User(ctx context.Context, id string) (*models.User, error)
}

type HubConfig struct {
	CommandRate  float64 // commands per second
	CommandBurst int
}

// registerRequest is used for synchronous registration with a callback
type registerRequest struct {
	client *Client
	done   chan struct{}
}

// Hub tracks identified connections. A user may hold several at once, one
// per open tab or device, each with its own mounted view.
type Hub struct {
	clients      map[*Client]bool
	userClients  map[string]map[*Client]struct{}
	registerSync chan registerRequest
	unregister   chan *Client
	shutdown     chan struct{}
	stopped      chan struct{}
	shutdownOnce sync.Once

	jwtService *auth.JWTService
	users      UserLookup
	mount      Mounter
	cfg        HubConfig
	validate   *validator.Validate

	mu sync.RWMutex
}

func NewHub(jwtService *auth.JWTService, users UserLookup, mount Mounter, cfg HubConfig) *Hub {
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = 5
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 10
	}
	return &Hub{
		clients:      make(map[*Client]bool),
		userClients:  make(map[string]map[*Client]struct{}),
		registerSync: make(chan registerRequest),
		unregister:   make(chan *Client),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		jwtService:   jwtService,
		users:        users,
		mount:        mount,
		cfg:          cfg,
		validate:     validator.New(),
	}
}

func (h *Hub) Run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
				delete(h.clients, client)
			}
			h.userClients = make(map[string]map[*Client]struct{})
			h.mu.Unlock()

			for _, client := range clients {
				select {
				case client.send <- &WSMessage{Op: OpInvalidSession, Data: InvalidSessionPayload{Resumable: true}}:
				default:
				}
				client.Close()
			}
			slog.Info("shutdown complete", "component", "hub")
			return

		case req := <-h.registerSync:
			h.mu.Lock()
			h.clients[req.client] = true
			if user := req.client.user; user != nil {
				set := h.userClients[user.ID]
				if set == nil {
					set = make(map[*Client]struct{})
					h.userClients[user.ID] = set
				}
				set[req.client] = struct{}{}
			}
			h.mu.Unlock()
			close(req.done)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if client.user != nil {
					if set := h.userClients[client.user.ID]; set != nil {
						delete(set, client)
						if len(set) == 0 {
							delete(h.userClients, client.user.ID)
						}
					}
				}
			}
			h.mu.Unlock()
			client.Close()
		}
	}
}

// register blocks until the run loop has recorded the client.
func (h *Hub) register(c *Client) bool {
	done := make(chan struct{})
	select {
	case h.registerSync <- registerRequest{client: c, done: done}:
	case <-h.shutdown:
		return false
	case <-time.After(registerTimeout):
		slog.Warn("registration send timeout", "component", "hub", "user_id", c.userID())
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(registerTimeout):
		slog.Warn("registration timeout", "component", "hub", "user_id", c.userID())
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		c.Close()
	}
}

// IsOnline reports whether userID has at least one identified connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID]) > 0
}

// Connections returns how many connections userID currently holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}
