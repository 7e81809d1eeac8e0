package models

import "time"

type Notification struct {
	ID              string    `json:"id"`
	RecipientID     string    `json:"recipientId"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEntityID string    `json:"relatedEntityId,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"createdAt"`
}

type ViolationStatus string

const (
	ViolationPending  ViolationStatus = "pending"
	ViolationReviewed ViolationStatus = "reviewed"
	ViolationResolved ViolationStatus = "resolved"
)

func (s ViolationStatus) Valid() bool {
	switch s {
	case ViolationPending, ViolationReviewed, ViolationResolved:
		return true
	default:
		return false
	}
}

type Violation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Title     string          `json:"title"`
	Status    ViolationStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Announcement struct {
	ID        string     `json:"id"`
	AuthorID  string     `json:"authorId"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}
