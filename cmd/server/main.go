package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"portal/internal/api"
	"portal/internal/attachment"
	"portal/internal/auth"
	"portal/internal/config"
	"portal/internal/constants"
	"portal/internal/db"
	"portal/internal/models"
	"portal/internal/portal"
	"portal/internal/relay"
	"portal/internal/thread"
	"portal/internal/view"
	"portal/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [serve | token <email> | user-add <first> <last> <email> <student|admin>]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	})))

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve":
		err = serve(cfg)
	case "token":
		err = printToken(cfg, args[1:])
	case "user-add":
		err = addUser(cfg, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serve(cfg *config.Config) error {
	slog.Info("starting server", "name", cfg.Server.Name)

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()
	slog.Info("database opened", "path", cfg.Database.Path)

	codec, err := attachment.NewCodec(cfg.Sync.AttachmentMaxBytes, constants.MaxAttachmentsPerMessage)
	if err != nil {
		return fmt.Errorf("creating attachment codec: %w", err)
	}

	bus := relay.New(cfg.Sync.RelayBuffer)
	defer bus.Close()

	repos := portal.NewRepositories(database)
	svc := portal.NewService(repos, codec, bus)
	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	cleanupService := db.NewCleanupService(repos.Notifications)
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go cleanupService.Start(cleanupCtx)

	hub := ws.NewHub(jwtService, svc, mounter(cfg, svc, bus, codec), ws.HubConfig{
		CommandRate:  cfg.WebSocket.CommandRate,
		CommandBurst: cfg.WebSocket.CommandBurst,
	})
	svc.SetPresence(hub)
	go hub.Run()

	server := api.NewServer(cfg, database, jwtService, svc, bus, hub)

	addr := cfg.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "base_url", cfg.Server.BaseURL, "upstream", cfg.Sync.UpstreamURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-serveErr:
		return fmt.Errorf("listening: %w", err)
	}

	slog.Info("shutting down")

	cleanupCancel()
	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// mounter builds views against the local service, or against a remote portal
// API as the identified user when an upstream is configured.
func mounter(cfg *config.Config, svc *portal.Service, bus *relay.Relay, codec *attachment.Codec) ws.Mounter {
	var upstream *portal.Client
	if cfg.Sync.UpstreamURL != "" {
		upstream = portal.NewClient(cfg.Sync.UpstreamURL, cfg.Sync.UpstreamToken, &http.Client{Timeout: cfg.Sync.RequestTimeout})
	}
	viewCfg := view.Config{
		ThreadPollInterval:    cfg.Sync.ThreadPollInterval,
		UnreadPollInterval:    cfg.Sync.UnreadPollInterval,
		DashboardPollInterval: cfg.Sync.DashboardPollInterval,
		NearBottomThreshold:   cfg.Sync.NearBottomThreshold,
		RequestTimeout:        cfg.Sync.RequestTimeout,
	}

	return func(_ context.Context, user *models.User, token string) (*view.View, error) {
		var backend view.Backend = svc
		if upstream != nil {
			backend = upstream.WithToken(token)
		}
		viewer := thread.Viewer{ID: user.ID, Name: user.DisplayName(), Moderator: user.CanModerate()}
		return view.Mount(context.Background(), viewer, backend, bus, codec, viewCfg)
	}
}

func printToken(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("token needs exactly one email")
	}
	ctx := context.Background()
	database, err := db.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	user, err := db.NewUserRepository(database).FindByEmail(ctx, args[0])
	if err != nil {
		return fmt.Errorf("finding user: %w", err)
	}
	token, expiresAt, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL).GenerateAccessToken(user)
	if err != nil {
		return err
	}
	fmt.Println(token)
	slog.Info("token issued", "user_id", user.ID, "expires_at", expiresAt)
	return nil
}

func addUser(cfg *config.Config, args []string) error {
	if len(args) != 4 {
		return errors.New("user-add needs <first> <last> <email> <role>")
	}
	role := models.Role(args[3])
	if role != models.RoleStudent && role != models.RoleAdmin {
		return fmt.Errorf("unknown role %q", args[3])
	}

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	user, err := db.NewUserRepository(database).Create(ctx, args[0], args[1], args[2], role)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	fmt.Println(user.ID)
	return nil
}
