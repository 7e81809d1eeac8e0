package relay

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Kind string

const (
	KindCreated       Kind = "created"
	KindUpdated       Kind = "updated"
	KindDeleted       Kind = "deleted"
	KindStatusUpdated Kind = "status-updated"
)

type Entity string

const (
	EntityMessage      Entity = "message"
	EntityAnnouncement Entity = "announcement"
	EntityViolation    Entity = "violation"
	EntityProfile      Entity = "profile"
	EntityReadState    Entity = "read-state"
)

var ErrInvalidEvent = errors.New("invalid relay event")

// Event is a notification that some authoritative state changed. Receivers
// re-fetch what they show; they never patch local state from the payload.
type Event struct {
	Kind     Kind   `json:"kind"`
	Entity   Entity `json:"entity"`
	EntityID string `json:"entityId,omitempty"`
	// UserID is the user the change is about: the affected student of a
	// violation, the owner of a profile, the reader of a read-state change.
	UserID string `json:"userId,omitempty"`
	// Participants are the two parties of the thread for message and
	// read-state events.
	Participants []string `json:"participants,omitempty"`
	NewStatus    string   `json:"newStatus,omitempty"`
	// Origin identifies the publishing view so it can skip its own events.
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`
}

// Validate enforces the closed set of event shapes.
func (e Event) Validate() error {
	switch e.Kind {
	case KindCreated, KindUpdated, KindDeleted:
		if e.Entity == EntityViolation {
			return fmt.Errorf("%w: violation events must use %q", ErrInvalidEvent, KindStatusUpdated)
		}
	case KindStatusUpdated:
		if e.Entity != EntityViolation {
			return fmt.Errorf("%w: %q is only valid for violations", ErrInvalidEvent, KindStatusUpdated)
		}
		if e.EntityID == "" || e.NewStatus == "" || e.UserID == "" {
			return fmt.Errorf("%w: status-updated requires entityId, newStatus and userId", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}

	switch e.Entity {
	case EntityMessage, EntityReadState:
		if len(e.Participants) != 2 {
			return fmt.Errorf("%w: %s events require two participants", ErrInvalidEvent, e.Entity)
		}
	case EntityAnnouncement, EntityViolation, EntityProfile:
	default:
		return fmt.Errorf("%w: unknown entity %q", ErrInvalidEvent, e.Entity)
	}
	return nil
}

// Involves reports whether userID is a participant or the affected user.
func (e Event) Involves(userID string) bool {
	return e.UserID == userID || slices.Contains(e.Participants, userID)
}

// ThreadOf reports whether the event concerns the thread between a and b.
func (e Event) ThreadOf(a, b string) bool {
	if len(e.Participants) != 2 {
		return false
	}
	p := e.Participants
	return (p[0] == a && p[1] == b) || (p[0] == b && p[1] == a)
}

func MessageEvent(kind Kind, messageID, senderID, recipientID, origin string) Event {
	return Event{
		Kind:         kind,
		Entity:       EntityMessage,
		EntityID:     messageID,
		Participants: []string{senderID, recipientID},
		Origin:       origin,
	}
}

func ReadStateEvent(viewerID, peerID, origin string) Event {
	return Event{
		Kind:         KindUpdated,
		Entity:       EntityReadState,
		EntityID:     peerID,
		UserID:       viewerID,
		Participants: []string{viewerID, peerID},
		Origin:       origin,
	}
}

func ViolationStatusEvent(violationID, newStatus, affectedUserID string) Event {
	return Event{
		Kind:      KindStatusUpdated,
		Entity:    EntityViolation,
		EntityID:  violationID,
		NewStatus: newStatus,
		UserID:    affectedUserID,
	}
}
