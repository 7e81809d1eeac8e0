package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portal/internal/auth"
	"portal/internal/config"
	"portal/internal/constants"
	"portal/internal/db"
	"portal/internal/portal"
	"portal/internal/relay"
	"portal/internal/ws"
)

type Server struct {
	router *chi.Mux
	hub    *ws.Hub
}

func NewServer(
	cfg *config.Config,
	database *db.DB,
	jwtService *auth.JWTService,
	svc *portal.Service,
	bus *relay.Relay,
	hub *ws.Hub,
) *Server {
	authMiddleware := NewAuthMiddleware(jwtService)
	messageHandler := NewMessageHandler(svc, bus)
	peerHandler := NewPeerHandler(svc)
	notificationHandler := NewNotificationHandler(svc)
	violationHandler := NewViolationHandler(svc)
	announcementHandler := NewAnnouncementHandler(svc)
	userHandler := NewUserHandler(svc)
	healthHandler := NewHealthHandler(database, bus)
	wsHandler := NewWebSocketHandler(hub, cfg.WebSocket.AllowedOrigins)

	r := chi.NewRouter()
	r.Use(slogRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.WebSocket.AllowedOrigins))
	r.Use(securityHeadersMiddleware)

	r.Get("/health", healthHandler.Check)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(maxBodySizeMiddleware(apiBodyLimit(cfg)))
		r.Use(authMiddleware.RequireAuth)
		r.Use(httprate.Limit(600, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP, keyByUser), httprate.WithLimitHandler(rateLimited)))

		r.Route("/threads/{peerID}", func(r chi.Router) {
			r.Get("/messages", messageHandler.GetThread)
			r.Post("/messages", messageHandler.Send)
			r.Patch("/read", messageHandler.MarkRead)
		})

		r.Route("/messages/{id}", func(r chi.Router) {
			r.Put("/", messageHandler.Edit)
			r.Delete("/", messageHandler.Delete)
			r.Post("/reactions", messageHandler.React)
		})

		r.Get("/peers", peerHandler.List)
		r.Get("/unread-counts", peerHandler.UnreadCounts)
		r.Get("/latest-timestamps", peerHandler.LatestTimestamps)

		r.Get("/notifications", notificationHandler.List)
		r.Patch("/notifications/{id}/read", notificationHandler.MarkRead)

		r.Get("/violations", violationHandler.List)
		r.Post("/violations", violationHandler.Create)
		r.Patch("/violations/{id}/status", violationHandler.UpdateStatus)

		r.Get("/announcements", announcementHandler.List)
		r.Post("/announcements", announcementHandler.Create)
		r.Put("/announcements/{id}", announcementHandler.Update)
		r.Delete("/announcements/{id}", announcementHandler.Delete)

		r.Get("/users/me", userHandler.GetMe)
		r.Patch("/users/me", userHandler.UpdateMe)
	})

	r.With(httprate.LimitByIP(30, time.Minute)).Get("/ws", wsHandler.ServeWS)

	return &Server{
		router: r,
		hub:    hub,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Shutdown() {
	s.hub.Shutdown()
}

// apiBodyLimit leaves room for a message carrying the maximum number of
// base64 encoded attachments.
func apiBodyLimit(cfg *config.Config) int64 {
	return 2*constants.MaxAttachmentsPerMessage*cfg.Sync.AttachmentMaxBytes + 1<<20
}

func keyByUser(r *http.Request) (string, error) {
	return GetUserID(r), nil
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Too many requests, please try again later")
}

// originAllowed accepts the configured origins plus loopback origins, which
// local development servers use.
func originAllowed(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		if slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		if host == "localhost" {
			return true
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allow := originAllowed(allowed)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if !allow(origin) {
					writeError(w, http.StatusForbidden, ErrCodeInvalidRequest, "Origin not allowed")
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func maxBodySizeMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
		)
	})
}
