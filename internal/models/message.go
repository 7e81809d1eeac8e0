package models

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks message IDs that were assigned locally and have not
// been confirmed by the authoritative store yet.
const ProvisionalPrefix = "tmp_"

type Message struct {
	ID            string       `json:"id"`
	SenderID      string       `json:"senderId"`
	RecipientID   string       `json:"recipientId"`
	Text          string       `json:"text"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	EditedAt      *time.Time   `json:"editedAt,omitempty"`
	RepliedTo     string       `json:"repliedTo,omitempty"`
	Reactions     []Reaction   `json:"reactions,omitempty"`
	Deleted       bool         `json:"deleted"`
	DeletedBy     string       `json:"deletedBy,omitempty"`
	DeletedByName string       `json:"deletedByName,omitempty"`
	Nonce         string       `json:"nonce,omitempty"` // Echo of the provisional marker
}

type Attachment struct {
	FileName       string `json:"fileName"`
	MimeType       string `json:"mimeType"`
	SizeBytes      int64  `json:"sizeBytes"`
	EncodedPayload string `json:"encodedPayload"`
}

type Reaction struct {
	ReactorID string `json:"reactorId"`
	Emoji     string `json:"emoji"`
}

// IsProvisional reports whether the message is a local optimistic entry.
func (m *Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// PeerOf returns the other participant of the message's thread from the
// perspective of viewerID.
func (m *Message) PeerOf(viewerID string) string {
	if m.SenderID == viewerID {
		return m.RecipientID
	}
	return m.SenderID
}

// HasReaction reports whether the (reactorID, emoji) pair is already present.
func (m *Message) HasReaction(reactorID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.ReactorID == reactorID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	return m
}

// MergeReactions returns the union of a and b with duplicate pairs removed,
// keeping first-seen order.
func MergeReactions(a, b []Reaction) []Reaction {
	out := make([]Reaction, 0, len(a)+len(b))
	seen := make(map[Reaction]struct{}, len(a)+len(b))
	for _, list := range [][]Reaction{a, b} {
		for _, r := range list {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// SendRequest is the create-message payload accepted by the message service.
type SendRequest struct {
	SenderID    string       `json:"senderId" validate:"required"`
	RecipientID string       `json:"recipientId" validate:"required,nefield=SenderID"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"max=10,dive"`
	RepliedTo   string       `json:"repliedTo,omitempty"`
	Nonce       string       `json:"nonce,omitempty"`
}
