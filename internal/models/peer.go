package models

import "time"

// Peer is a conversation summary as shown in a viewer's peer list.
type Peer struct {
	PeerID        string     `json:"peerId"`
	DisplayName   string     `json:"displayName"`
	FirstName     string     `json:"firstName"`
	LastName      string     `json:"lastName"`
	Role          Role       `json:"role,omitempty"`
	IsOnline      bool       `json:"isOnline"`
	LastMessageAt *time.Time `json:"lastMessageTimestamp,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
	// LastOpenedAt is a local-only signal set when the peer's unread count
	// was observed to increase. It is not a read receipt.
	LastOpenedAt time.Time `json:"lastOpenedAt"`
}
