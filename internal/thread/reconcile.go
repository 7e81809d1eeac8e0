package thread

import (
	"sort"

	"portal/internal/models"
)

// ReconcileInput is everything one poll tick knows when merging a fetch result.
type ReconcileInput struct {
	// Current is the store contents before the tick, provisional entries included.
	Current []models.Message
	// Authoritative is the server's full message list for the thread.
	Authoritative []models.Message
	ViewerID      string
	NearBottom    bool
	FirstLoad     bool
}

type ReconcileResult struct {
	Messages []models.Message
	// NewCount is the number of authoritative messages that were not shown before.
	// Confirmations of provisional entries do not count.
	NewCount int
	// NewFromPeer is set when the newest new message was sent by the other participant.
	NewFromPeer bool
	AutoFollow  bool
}

// Reconcile merges an authoritative fetch into the current list. It has no side
// effects and applying the same input twice yields the same messages.
func Reconcile(in ReconcileInput) ReconcileResult {
	store := NewStore(in.Current...)

	incoming := make([]models.Message, len(in.Authoritative))
	copy(incoming, in.Authoritative)
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].CreatedAt.Before(incoming[j].CreatedAt)
	})

	var res ReconcileResult
	var newest *models.Message
	for i := range incoming {
		m := incoming[i]
		if m.ID == "" || m.IsProvisional() {
			continue
		}
		if store.Upsert(m) {
			res.NewCount++
			newest = &incoming[i]
		}
	}

	res.Messages = store.Messages()
	if newest != nil {
		res.NewFromPeer = newest.SenderID != in.ViewerID
	}

	switch {
	case in.FirstLoad:
		res.AutoFollow = true
	case res.NewCount > 0 && res.NewFromPeer && in.NearBottom:
		res.AutoFollow = true
	}
	return res
}
