package thread

import (
	"slices"
	"sort"

	"portal/internal/models"
)

// Store is the ordered message list of one open thread. Messages are kept in
// non-decreasing CreatedAt order and ids are unique. A Store has a single owner
// and is not safe for concurrent use.
type Store struct {
	messages []models.Message
	index    map[string]int
}

func NewStore(msgs ...models.Message) *Store {
	s := &Store{}
	s.Reset(msgs)
	return s
}

// Reset replaces the contents with msgs. Duplicate ids keep the last entry.
func (s *Store) Reset(msgs []models.Message) {
	s.messages = make([]models.Message, 0, len(msgs))
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.Upsert(m)
	}
}

// Upsert inserts m or replaces the entry with the same id. A confirmed message
// whose nonce matches a provisional entry takes that entry's place. It reports
// whether the message was new to the store.
func (s *Store) Upsert(m models.Message) bool {
	if i, ok := s.index[m.ID]; ok {
		s.replaceAt(i, m)
		return false
	}
	if !m.IsProvisional() && m.Nonce != "" {
		if i, ok := s.index[models.ProvisionalPrefix+m.Nonce]; ok {
			s.replaceAt(i, m)
			return false
		}
	}
	s.insert(m)
	return true
}

// ConfirmProvisional swaps the provisional entry for its server-confirmed
// counterpart. When the provisional entry is already gone, confirmed is upserted.
func (s *Store) ConfirmProvisional(provisionalID string, confirmed models.Message) {
	if i, ok := s.index[provisionalID]; ok {
		if j, dup := s.index[confirmed.ID]; dup && j != i {
			s.removeAt(i)
			s.Upsert(confirmed)
			return
		}
		s.replaceAt(i, confirmed)
		return
	}
	s.Upsert(confirmed)
}

// RemoveProvisional drops an unconfirmed message after a failed send.
// Confirmed messages are never removed; deletion is a tombstone.
func (s *Store) RemoveProvisional(id string) bool {
	i, ok := s.index[id]
	if !ok || !s.messages[i].IsProvisional() {
		return false
	}
	s.removeAt(i)
	return true
}

func (s *Store) Get(id string) (models.Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	return s.messages[i].Clone(), true
}

func (s *Store) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Last returns the newest message.
func (s *Store) Last() (models.Message, bool) {
	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1].Clone(), true
}

// Messages returns a copy of the ordered list.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
	}
	return out
}

// insert places m after every message with the same or an earlier timestamp.
func (s *Store) insert(m models.Message) {
	pos := sort.Search(len(s.messages), func(j int) bool {
		return s.messages[j].CreatedAt.After(m.CreatedAt)
	})
	s.messages = slices.Insert(s.messages, pos, m.Clone())
	s.reindex(pos)
}

func (s *Store) replaceAt(i int, m models.Message) {
	old := s.messages[i]
	if old.ID != m.ID {
		delete(s.index, old.ID)
		s.index[m.ID] = i
	}
	s.messages[i] = m.Clone()

	if s.inOrder(i) {
		return
	}
	s.removeAt(i)
	s.insert(m)
}

func (s *Store) inOrder(i int) bool {
	at := s.messages[i].CreatedAt
	if i > 0 && s.messages[i-1].CreatedAt.After(at) {
		return false
	}
	if i < len(s.messages)-1 && at.After(s.messages[i+1].CreatedAt) {
		return false
	}
	return true
}

func (s *Store) removeAt(i int) {
	delete(s.index, s.messages[i].ID)
	s.messages = slices.Delete(s.messages, i, i+1)
	s.reindex(i)
}

func (s *Store) reindex(from int) {
	for j := from; j < len(s.messages); j++ {
		s.index[s.messages[j].ID] = j
	}
}
