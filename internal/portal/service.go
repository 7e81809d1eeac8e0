// Package portal is the authoritative side of the conversation engine: the
// message, read-state, notification, violation and announcement operations
// that views poll and mutate.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"portal/internal/attachment"
	"portal/internal/constants"
	"portal/internal/db"
	"portal/internal/models"
	"portal/internal/relay"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalid       = errors.New("invalid request")
	ErrNotFound      = db.ErrNotFound
	ErrTooLong       = errors.New("message exceeds maximum length")
	ErrEmptyMessage  = errors.New("message needs text or at least one attachment")
	ErrTombstoned    = db.ErrTombstoned
	ErrNotSender     = db.ErrNotSender
	ErrInvalidStatus = errors.New("invalid violation status")
)

// Presence reports whether a user has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

type Publisher interface {
	Publish(e relay.Event) (int, error)
}

type Repositories struct {
	Users         *db.UserRepository
	Messages      *db.MessageRepository
	ReadState     *db.ReadStateRepository
	Notifications *db.NotificationRepository
	Violations    *db.ViolationRepository
	Announcements *db.AnnouncementRepository
}

func NewRepositories(d *db.DB) Repositories {
	return Repositories{
		Users:         db.NewUserRepository(d),
		Messages:      db.NewMessageRepository(d),
		ReadState:     db.NewReadStateRepository(d),
		Notifications: db.NewNotificationRepository(d),
		Violations:    db.NewViolationRepository(d),
		Announcements: db.NewAnnouncementRepository(d),
	}
}

// Service implements the portal operations on top of the database.
type Service struct {
	repos    Repositories
	codec    *attachment.Codec
	pub      Publisher
	presence Presence
	// policy cleans announcement bodies, the only field rendered as HTML.
	// Message text, names and titles are stored as typed.
	policy *bluemonday.Policy
	logger *slog.Logger
}

func NewService(repos Repositories, codec *attachment.Codec, pub Publisher) *Service {
	return &Service{
		repos:  repos,
		codec:  codec,
		pub:    pub,
		policy: bluemonday.UGCPolicy(),
		logger: slog.Default().With("component", "portal"),
	}
}

// SetPresence wires the online indicator of peer lists.
func (s *Service) SetPresence(p Presence) {
	s.presence = p
}

func (s *Service) User(ctx context.Context, id string) (*models.User, error) {
	return s.repos.Users.FindByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, userID, firstName, lastName string) (*models.User, error) {
	if strings.TrimSpace(firstName) == "" || strings.TrimSpace(lastName) == "" {
		return nil, fmt.Errorf("%w: first and last name are required", ErrInvalid)
	}
	u, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Users.UpdateProfile(ctx, userID, firstName, lastName, u.AvatarURL); err != nil {
		return nil, err
	}
	s.publish(relay.Event{Kind: relay.KindUpdated, Entity: relay.EntityProfile, EntityID: userID, UserID: userID})
	return s.repos.Users.FindByID(ctx, userID)
}

// FetchThread returns the full thread between viewerID and peerID.
func (s *Service) FetchThread(ctx context.Context, viewerID, peerID string) ([]models.Message, error) {
	if viewerID == "" || peerID == "" || viewerID == peerID {
		return nil, fmt.Errorf("%w: a thread needs two distinct participants", ErrInvalid)
	}
	return s.repos.Messages.Thread(ctx, viewerID, peerID)
}

func (s *Service) SendMessage(ctx context.Context, req models.SendRequest) (*models.Message, error) {
	if utf8.RuneCountInString(req.Text) > constants.MaxMessageTextLength {
		return nil, ErrTooLong
	}
	if len(req.Attachments) > constants.MaxAttachmentsPerMessage {
		return nil, attachment.ErrTooManyFiles
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	for i, a := range req.Attachments {
		checked, err := s.codec.Validate(a)
		if err != nil {
			return nil, err
		}
		req.Attachments[i] = checked
	}

	sender, recipient, err := s.participants(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if !sender.CanModerate() && !recipient.CanModerate() {
		return nil, fmt.Errorf("%w: students can only message administrators", ErrForbidden)
	}

	m, err := s.repos.Messages.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, recipient.ID, "New message", "New message from "+sender.DisplayName(), m.ID)
	return m, nil
}

func (s *Service) EditMessage(ctx context.Context, messageID, editorID, text string) error {
	if utf8.RuneCountInString(text) > constants.MaxMessageTextLength {
		return ErrTooLong
	}
	m, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		thread, err := s.repos.Messages.Thread(ctx, m.SenderID, m.RecipientID)
		if err != nil {
			return err
		}
		if !hasAttachments(thread, messageID) {
			return ErrEmptyMessage
		}
	}
	_, err = s.repos.Messages.UpdateText(ctx, messageID, editorID, text)
	return err
}

// DeleteMessage tombstones a message. Senders may delete their own messages;
// administrators may delete any.
func (s *Service) DeleteMessage(ctx context.Context, messageID, actorID string) error {
	actor, err := s.repos.Users.FindByID(ctx, actorID)
	if err != nil {
		return err
	}
	m, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actor.ID && !actor.CanModerate() {
		return fmt.Errorf("%w: only the sender or an administrator may delete a message", ErrForbidden)
	}
	_, err = s.repos.Messages.SoftDelete(ctx, messageID, actor.ID, actor.DisplayName())
	return err
}

// React adds a (reactor, emoji) pair and returns the message's reaction set.
func (s *Service) React(ctx context.Context, messageID, reactorID, emoji string) ([]models.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > 32 {
		return nil, fmt.Errorf("%w: emoji", ErrInvalid)
	}
	m, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != reactorID && m.RecipientID != reactorID {
		return nil, fmt.Errorf("%w: only thread participants may react", ErrForbidden)
	}
	return s.repos.Messages.AddReaction(ctx, messageID, reactorID, emoji)
}

// MessageParticipants returns the sender and recipient of a message.
func (s *Service) MessageParticipants(ctx context.Context, messageID string) (string, string, error) {
	m, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return "", "", err
	}
	return m.SenderID, m.RecipientID, nil
}

func (s *Service) ListPeers(ctx context.Context, viewerID string) ([]models.Peer, error) {
	viewer, err := s.repos.Users.FindByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	users, err := s.repos.Users.ListPeers(ctx, viewer.ID, viewer.Role)
	if err != nil {
		return nil, err
	}

	out := make([]models.Peer, 0, len(users))
	for _, u := range users {
		out = append(out, models.Peer{
			PeerID:      u.ID,
			DisplayName: u.DisplayName(),
			FirstName:   u.FirstName,
			LastName:    u.LastName,
			Role:        u.Role,
			IsOnline:    s.presence != nil && s.presence.IsOnline(u.ID),
		})
	}
	return out, nil
}

func (s *Service) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	return s.repos.ReadState.UnreadCounts(ctx, viewerID)
}

func (s *Service) LatestTimestamps(ctx context.Context, viewerID string) (map[string]time.Time, error) {
	return s.repos.ReadState.LatestTimestamps(ctx, viewerID)
}

func (s *Service) MarkRead(ctx context.Context, viewerID, peerID string) error {
	if viewerID == peerID {
		return fmt.Errorf("%w: cannot read a thread with yourself", ErrInvalid)
	}
	return s.repos.ReadState.MarkRead(ctx, viewerID, peerID)
}

func (s *Service) Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.repos.Notifications.ListForUser(ctx, userID, limit)
}

// NotificationBadge is the dashboard count of unread notifications.
func (s *Service) NotificationBadge(ctx context.Context, userID string) (int, error) {
	return s.repos.Notifications.UnreadCount(ctx, userID)
}

func (s *Service) MarkNotificationRead(ctx context.Context, id, userID string) error {
	return s.repos.Notifications.MarkRead(ctx, id, userID)
}

func (s *Service) Violations(ctx context.Context, viewerID string) ([]models.Violation, error) {
	viewer, err := s.repos.Users.FindByID(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if viewer.CanModerate() {
		return s.repos.Violations.ListForUser(ctx, "")
	}
	return s.repos.Violations.ListForUser(ctx, viewer.ID)
}

func (s *Service) CreateViolation(ctx context.Context, actorID, userID, title string) (*models.Violation, error) {
	if err := s.requireModerator(ctx, actorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	v, err := s.repos.Violations.Create(ctx, userID, title)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, userID, "New violation", title, v.ID)
	return v, nil
}

// UpdateViolationStatus changes a violation's status, notifies the affected
// student and fans the change out to every open view.
func (s *Service) UpdateViolationStatus(ctx context.Context, actorID, id string, status models.ViolationStatus) (*models.Violation, error) {
	if err := s.requireModerator(ctx, actorID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	v, err := s.repos.Violations.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, v.UserID, "Violation updated", fmt.Sprintf("%s is now %s", v.Title, v.Status), v.ID)
	s.publish(relay.ViolationStatusEvent(v.ID, string(v.Status), v.UserID))
	return v, nil
}

func (s *Service) Announcements(ctx context.Context) ([]models.Announcement, error) {
	return s.repos.Announcements.List(ctx)
}

func (s *Service) CreateAnnouncement(ctx context.Context, actorID, title, body string) (*models.Announcement, error) {
	if err := s.requireModerator(ctx, actorID); err != nil {
		return nil, err
	}
	body = s.policy.Sanitize(body)
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	a, err := s.repos.Announcements.Create(ctx, actorID, title, body)
	if err != nil {
		return nil, err
	}

	users, err := s.repos.Users.ListPeers(ctx, actorID, models.RoleAdmin)
	if err != nil {
		s.logger.Warn("listing announcement recipients failed", "announcement_id", a.ID, "error", err)
	}
	for _, u := range users {
		s.notify(ctx, u.ID, "New announcement", title, a.ID)
	}
	s.publish(relay.Event{Kind: relay.KindCreated, Entity: relay.EntityAnnouncement, EntityID: a.ID})
	return a, nil
}

func (s *Service) UpdateAnnouncement(ctx context.Context, actorID, id, title, body string) (*models.Announcement, error) {
	if err := s.requireModerator(ctx, actorID); err != nil {
		return nil, err
	}
	body = s.policy.Sanitize(body)
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	a, err := s.repos.Announcements.Update(ctx, id, title, body)
	if err != nil {
		return nil, err
	}
	s.publish(relay.Event{Kind: relay.KindUpdated, Entity: relay.EntityAnnouncement, EntityID: a.ID})
	return a, nil
}

func (s *Service) DeleteAnnouncement(ctx context.Context, actorID, id string) error {
	if err := s.requireModerator(ctx, actorID); err != nil {
		return err
	}
	if err := s.repos.Announcements.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(relay.Event{Kind: relay.KindDeleted, Entity: relay.EntityAnnouncement, EntityID: id})
	return nil
}

func (s *Service) participants(ctx context.Context, senderID, recipientID string) (*models.User, *models.User, error) {
	if senderID == "" || recipientID == "" || senderID == recipientID {
		return nil, nil, fmt.Errorf("%w: a message needs two distinct participants", ErrInvalid)
	}
	sender, err := s.repos.Users.FindByID(ctx, senderID)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := s.repos.Users.FindByID(ctx, recipientID)
	if err != nil {
		return nil, nil, fmt.Errorf("recipient: %w", err)
	}
	return sender, recipient, nil
}

func (s *Service) requireModerator(ctx context.Context, actorID string) error {
	actor, err := s.repos.Users.FindByID(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.CanModerate() {
		return ErrForbidden
	}
	return nil
}

// notify records a notification. Failures never fail the triggering mutation.
func (s *Service) notify(ctx context.Context, recipientID, title, message, relatedID string) {
	if _, err := s.repos.Notifications.Create(ctx, recipientID, title, message, relatedID); err != nil {
		s.logger.Warn("creating notification failed", "recipient_id", recipientID, "related_id", relatedID, "error", err)
	}
}

func (s *Service) publish(e relay.Event) {
	if s.pub == nil {
		return
	}
	if _, err := s.pub.Publish(e); err != nil {
		s.logger.Warn("relay publish failed", "entity", e.Entity, "kind", e.Kind, "error", err)
	}
}

func hasAttachments(thread []models.Message, id string) bool {
	for _, m := range thread {
		if m.ID == id {
			return len(m.Attachments) > 0
		}
	}
	return false
}
