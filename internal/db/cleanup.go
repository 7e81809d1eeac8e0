package db

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultCleanupInterval       = 1 * time.Hour
	DefaultNotificationRetention = 30 * 24 * time.Hour
)

// CleanupService prunes read notifications past their retention window.
type CleanupService struct {
	notifications *NotificationRepository
	interval      time.Duration
	retention     time.Duration
}

func NewCleanupService(notifications *NotificationRepository) *CleanupService {
	return &CleanupService{
		notifications: notifications,
		interval:      DefaultCleanupInterval,
		retention:     DefaultNotificationRetention,
	}
}

func (s *CleanupService) Start(ctx context.Context) {
	slog.Info("starting notification cleanup service", "component", "cleanup", "interval", s.interval, "retention", s.retention)

	s.runCleanup(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping notification cleanup service", "component", "cleanup")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *CleanupService) runCleanup(ctx context.Context) {
	deleted, err := s.notifications.DeleteReadBefore(ctx, time.Now().Add(-s.retention))
	if err != nil {
		slog.Error("error deleting old notifications", "component", "cleanup", "error", err)
	} else if deleted > 0 {
		slog.Info("deleted old notifications", "component", "cleanup", "count", deleted)
	}
}
