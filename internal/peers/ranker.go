package peers

import (
	"sort"
	"strings"

	"portal/internal/models"
)

// Rank orders peers for the conversation list: unread peers first, then by
// unread count, then by the most recent unread increase, then by last and
// first name. The input slice is not modified.
func Rank(list []models.Peer) []models.Peer {
	out := make([]models.Peer, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return less(&out[i], &out[j])
	})
	return out
}

func less(a, b *models.Peer) bool {
	aUnread, bUnread := a.UnreadCount > 0, b.UnreadCount > 0
	if aUnread != bUnread {
		return aUnread
	}
	if a.UnreadCount != b.UnreadCount {
		return a.UnreadCount > b.UnreadCount
	}
	if !a.LastOpenedAt.Equal(b.LastOpenedAt) {
		return a.LastOpenedAt.After(b.LastOpenedAt)
	}
	if c := compareFold(a.LastName, b.LastName); c != 0 {
		return c < 0
	}
	if c := compareFold(a.FirstName, b.FirstName); c != 0 {
		return c < 0
	}
	return a.PeerID < b.PeerID
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
