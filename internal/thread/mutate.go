package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"portal/internal/attachment"
	"portal/internal/constants"
	"portal/internal/metrics"
	"portal/internal/models"
	"portal/internal/relay"
)

const maxEmojiBytes = 32

// Draft is a message composed by the viewer. Files are encoded on send;
// Attachments are already encoded.
type Draft struct {
	Text        string
	Files       []attachment.File
	Attachments []models.Attachment
	RepliedTo   string
}

type SendResult struct {
	Message models.Message
	// Rejected lists attachments that were refused before the request went out.
	Rejected []error
}

// Send shows the draft immediately under a provisional id, then swaps it for
// the confirmed message or removes it when the service rejects it.
func (s *Session) Send(ctx context.Context, draft Draft) (*SendResult, error) {
	if utf8.RuneCountInString(draft.Text) > constants.MaxMessageTextLength {
		return nil, NewRejectedError("send", ErrMessageTooLong)
	}

	attachments := append([]models.Attachment(nil), draft.Attachments...)
	var rejected []error
	if len(draft.Files) > 0 {
		if s.codec == nil {
			return nil, NewRejectedError("send", errors.New("attachments are not enabled"))
		}
		encoded, err := s.codec.EncodeAll(draft.Files)
		attachments = append(attachments, encoded...)
		if err != nil {
			rejected = unjoin(err)
		}
	}

	if strings.TrimSpace(draft.Text) == "" && len(attachments) == 0 {
		if len(rejected) > 0 {
			metrics.Mutations.WithLabelValues("send", "oversized").Inc()
			return nil, NewOversizedError("send", errors.Join(rejected...))
		}
		return nil, NewRejectedError("send", ErrEmptyMessage)
	}

	s.mu.Lock()
	if s.peerID == "" {
		s.mu.Unlock()
		return nil, NewRejectedError("send", ErrNoActiveThread)
	}
	gen := s.generation
	peerID := s.peerID
	nonce := uuid.NewString()
	createdAt := time.Now().UTC()
	if last, ok := s.store.Last(); ok && last.CreatedAt.After(createdAt) {
		createdAt = last.CreatedAt
	}
	provisional := models.Message{
		ID:          models.ProvisionalPrefix + nonce,
		SenderID:    s.viewer.ID,
		RecipientID: peerID,
		Text:        draft.Text,
		Attachments: attachments,
		CreatedAt:   createdAt,
		RepliedTo:   draft.RepliedTo,
		Nonce:       nonce,
	}
	s.store.Upsert(provisional)
	s.anchor.ForceFollow()
	s.emitLocked(0, true)
	s.mu.Unlock()

	confirmed, err := s.svc.SendMessage(ctx, models.SendRequest{
		SenderID:    s.viewer.ID,
		RecipientID: peerID,
		Text:        draft.Text,
		Attachments: attachments,
		RepliedTo:   draft.RepliedTo,
		Nonce:       nonce,
	})

	s.mu.Lock()
	current := gen == s.generation
	if err != nil {
		if current {
			s.store.RemoveProvisional(provisional.ID)
			s.emitLocked(0, s.anchor.Following())
		}
		s.mu.Unlock()
		metrics.Mutations.WithLabelValues("send", "failed").Inc()
		s.logger.Warn("send failed", "peer_id", peerID, "error", err)
		return nil, classify("send", err)
	}
	if current {
		s.store.ConfirmProvisional(provisional.ID, *confirmed)
		s.anchor.ForceFollow()
		s.emitLocked(0, true)
	}
	s.mu.Unlock()

	metrics.Mutations.WithLabelValues("send", "ok").Inc()
	s.publish(relay.MessageEvent(relay.KindCreated, confirmed.ID, s.viewer.ID, peerID, s.opts.Origin))
	return &SendResult{Message: *confirmed, Rejected: rejected}, nil
}

// Edit replaces the text of one of the viewer's own messages. The local change
// stays when the service rejects it; the next poll restores the server's text.
func (s *Session) Edit(ctx context.Context, messageID, text string) error {
	if utf8.RuneCountInString(text) > constants.MaxMessageTextLength {
		return NewRejectedError("edit", ErrMessageTooLong)
	}

	s.mu.Lock()
	msg, peerID, err := s.lookupLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return NewRejectedError("edit", err)
	}
	switch {
	case msg.SenderID != s.viewer.ID:
		err = ErrNotSender
	case msg.Deleted:
		err = ErrTombstoned
	case msg.IsProvisional():
		err = ErrNotConfirmed
	case strings.TrimSpace(text) == "" && len(msg.Attachments) == 0:
		err = ErrEmptyMessage
	}
	if err != nil {
		s.mu.Unlock()
		return NewRejectedError("edit", err)
	}

	editedAt := time.Now().UTC()
	msg.Text = text
	msg.EditedAt = &editedAt
	s.store.Upsert(msg)
	s.emitLocked(0, false)
	s.mu.Unlock()

	if err := s.svc.EditMessage(ctx, messageID, s.viewer.ID, text); err != nil {
		metrics.Mutations.WithLabelValues("edit", "failed").Inc()
		return classify("edit", err)
	}
	metrics.Mutations.WithLabelValues("edit", "ok").Inc()
	s.publish(relay.MessageEvent(relay.KindUpdated, messageID, s.viewer.ID, peerID, s.opts.Origin))
	return nil
}

// Delete tombstones a message. The row stays in the thread so replies that
// reference it still resolve.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	msg, peerID, err := s.lookupLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return NewRejectedError("delete", err)
	}
	if msg.SenderID != s.viewer.ID && !s.viewer.Moderator {
		s.mu.Unlock()
		return NewRejectedError("delete", ErrNotPermitted)
	}
	if msg.IsProvisional() {
		s.mu.Unlock()
		return NewRejectedError("delete", ErrNotConfirmed)
	}
	if msg.Deleted {
		s.mu.Unlock()
		return nil
	}

	msg.Deleted = true
	msg.DeletedBy = s.viewer.ID
	msg.DeletedByName = s.viewer.Name
	msg.Text = ""
	msg.Attachments = nil
	s.store.Upsert(msg)
	s.emitLocked(0, false)
	s.mu.Unlock()

	if err := s.svc.DeleteMessage(ctx, messageID, s.viewer.ID); err != nil {
		metrics.Mutations.WithLabelValues("delete", "failed").Inc()
		return classify("delete", err)
	}
	metrics.Mutations.WithLabelValues("delete", "ok").Inc()
	s.publish(relay.MessageEvent(relay.KindDeleted, messageID, s.viewer.ID, peerID, s.opts.Origin))
	return nil
}

// React adds the viewer's emoji to a message. Reactions are add-only and a
// repeated pair is a no-op.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return NewRejectedError("react", ErrInvalidEmoji)
	}

	s.mu.Lock()
	msg, peerID, err := s.lookupLocked(messageID)
	if err == nil {
		switch {
		case msg.Deleted:
			err = ErrTombstoned
		case msg.IsProvisional():
			err = ErrNotConfirmed
		}
	}
	if err != nil {
		s.mu.Unlock()
		return NewRejectedError("react", err)
	}
	if msg.HasReaction(s.viewer.ID, emoji) {
		s.mu.Unlock()
		return nil
	}

	gen := s.generation
	msg.Reactions = append(msg.Reactions, models.Reaction{ReactorID: s.viewer.ID, Emoji: emoji})
	s.store.Upsert(msg)
	s.emitLocked(0, false)
	s.mu.Unlock()

	reactions, err := s.svc.React(ctx, messageID, s.viewer.ID, emoji)
	if err != nil {
		metrics.Mutations.WithLabelValues("react", "failed").Inc()
		return classify("react", err)
	}

	s.mu.Lock()
	if gen == s.generation {
		if current, ok := s.store.Get(messageID); ok {
			current.Reactions = models.MergeReactions(reactions, nil)
			s.store.Upsert(current)
			s.emitLocked(0, false)
		}
	}
	s.mu.Unlock()

	metrics.Mutations.WithLabelValues("react", "ok").Inc()
	s.publish(relay.MessageEvent(relay.KindUpdated, messageID, s.viewer.ID, peerID, s.opts.Origin))
	return nil
}

func (s *Session) lookupLocked(messageID string) (models.Message, string, error) {
	if s.peerID == "" {
		return models.Message{}, "", ErrNoActiveThread
	}
	msg, ok := s.store.Get(messageID)
	if !ok {
		return models.Message{}, "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return msg, s.peerID, nil
}

func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
