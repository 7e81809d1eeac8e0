package portal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "rfc3339", raw: `"2026-03-02T09:30:00Z"`},
		{name: "rfc3339_offset", raw: `"2026-03-02T17:30:00+08:00"`},
		{name: "sql", raw: `"2026-03-02 09:30:00"`},
		{name: "epoch_seconds", raw: `1772443800`},
		{name: "epoch_millis", raw: `1772443800000`},
		{name: "epoch_millis_string", raw: `"1772443800000"`},
		{name: "mongo_date", raw: `{"$date": "2026-03-02T09:30:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTime(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("parseTime(%s) error = %v", tt.raw, err)
			}
			if !got.Equal(want) {
				t.Fatalf("parseTime(%s) = %v, want %v", tt.raw, got, want)
			}
		})
	}

	if _, err := parseTime(json.RawMessage(`"next tuesday"`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("parseTime(garbage) error = %v, want ErrMalformed", err)
	}
}

func TestDecodeMessagesAcrossShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "canonical",
			body: `[{"id":"m1","senderId":"s","recipientId":"a","text":"hi","createdAt":"2026-03-02T09:30:00Z"}]`,
		},
		{
			name: "snake_case",
			body: `{"messages":[{"id":"m1","sender_id":"s","recipient_id":"a","content":"hi","created_at":"2026-03-02 09:30:00"}]}`,
		},
		{
			name: "document_ids",
			body: `{"data":[{"_id":"m1","sender":{"_id":"s","name":"Juan"},"recipient":"a","message":"hi","timestamp":1772443800000}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := decodeMessages([]byte(tt.body))
			if err != nil {
				t.Fatalf("decodeMessages() error = %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("len = %d, want 1", len(msgs))
			}
			m := msgs[0]
			if m.ID != "m1" || m.SenderID != "s" || m.RecipientID != "a" || m.Text != "hi" {
				t.Fatalf("decoded = %+v", m)
			}
			if !m.CreatedAt.Equal(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)) {
				t.Fatalf("CreatedAt = %v", m.CreatedAt)
			}
		})
	}
}

func TestDecodeMessageHidesTombstoneContent(t *testing.T) {
	body := `[{"id":"m1","senderId":"s","recipientId":"a","text":"secret","createdAt":"2026-03-02T09:30:00Z",
		"isDeleted":true,"deletedBy":"a","deletedByName":"Ms. Reyes",
		"attachments":[{"fileName":"x.png","mimeType":"image/png","sizeBytes":3,"encodedPayload":"AAAA"}],
		"reactions":[{"reactorId":"a","emoji":"👍"},{"reactorId":"a","emoji":"👍"}]}]`

	msgs, err := decodeMessages([]byte(body))
	if err != nil {
		t.Fatalf("decodeMessages() error = %v", err)
	}
	m := msgs[0]
	if !m.Deleted || m.Text != "" || m.Attachments != nil || m.DeletedByName != "Ms. Reyes" {
		t.Fatalf("tombstone = %+v", m)
	}
	if len(m.Reactions) != 1 {
		t.Fatalf("Reactions = %v, want duplicate pair merged", m.Reactions)
	}
}

func TestDecodeMessageRequiresIDAndTimestamp(t *testing.T) {
	for _, body := range []string{
		`[{"senderId":"s","createdAt":"2026-03-02T09:30:00Z"}]`,
		`[{"id":"m1","senderId":"s"}]`,
	} {
		if _, err := decodeMessages([]byte(body)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("decodeMessages(%s) error = %v, want ErrMalformed", body, err)
		}
	}
}

func TestDecodeCountsAndTimestamps(t *testing.T) {
	counts, err := decodeCounts([]byte(`{"counts":{"a":2,"b":"3","c":0}}`))
	if err != nil {
		t.Fatalf("decodeCounts() error = %v", err)
	}
	if counts["a"] != 2 || counts["b"] != 3 {
		t.Fatalf("decodeCounts() = %v", counts)
	}
	if _, ok := counts["c"]; ok {
		t.Fatal("zero counts should be omitted")
	}

	ts, err := decodeTimestamps([]byte(`{"a":"2026-03-02T09:30:00Z","b":1772443800}`))
	if err != nil {
		t.Fatalf("decodeTimestamps() error = %v", err)
	}
	if !ts["a"].Equal(ts["b"]) {
		t.Fatalf("decodeTimestamps() = %v, want equal instants", ts)
	}
}

func TestDecodePeers(t *testing.T) {
	peers, err := decodePeers([]byte(`{"peers":[{"_id":"u1","first_name":"Ana","last_name":"Lim","online":1}]}`))
	if err != nil {
		t.Fatalf("decodePeers() error = %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != "u1" || peers[0].DisplayName != "Ana Lim" || !peers[0].IsOnline {
		t.Fatalf("decodePeers() = %+v", peers)
	}
}
