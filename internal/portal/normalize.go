package portal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"portal/internal/models"
)

// ErrMalformed is returned for payloads that cannot be mapped to a model.
var ErrMalformed = errors.New("malformed payload")

// Upstream payloads have used several spellings for the same field over time.
// Everything is mapped to the canonical models here and nowhere else.
var (
	idFields          = []string{"id", "_id"}
	senderFields      = []string{"senderId", "sender_id", "sender", "from"}
	recipientFields   = []string{"recipientId", "recipient_id", "recipient", "receiverId", "to"}
	textFields        = []string{"text", "content", "message", "body"}
	createdFields     = []string{"createdAt", "created_at", "timestamp", "sentAt"}
	editedFields      = []string{"editedAt", "edited_at"}
	repliedFields     = []string{"repliedTo", "replied_to", "replyTo"}
	deletedFields     = []string{"deleted", "isDeleted", "is_deleted"}
	deletedByFields   = []string{"deletedBy", "deleted_by"}
	deletedNameFields = []string{"deletedByName", "deleted_by_name"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

type object map[string]json.RawMessage

func (o object) get(names ...string) json.RawMessage {
	for _, name := range names {
		if v, ok := o[name]; ok && !isNull(v) {
			return v
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeList accepts a bare array or an object wrapping one under any of keys.
func decodeList(body []byte, keys ...string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || isNull(body) {
		return nil, nil
	}
	if body[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return list, nil
	}

	var o object
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if inner := o.get(append(keys, "data")...); inner != nil {
		return decodeList(inner, keys...)
	}
	return nil, fmt.Errorf("%w: expected a list under one of %v", ErrMalformed, keys)
}

// unwrapObject returns the object itself or the one wrapped under any of keys.
func unwrapObject(body []byte, keys ...string) (object, error) {
	var o object
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if inner := o.get(append(keys, "data")...); inner != nil && bytes.HasPrefix(bytes.TrimSpace(inner), []byte("{")) {
		return unwrapObject(inner, keys...)
	}
	return o, nil
}

// asString reads a string, a number, or the id of an embedded object.
func asString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var o object
	if err := json.Unmarshal(raw, &o); err == nil {
		return asString(o.get(idFields...))
	}
	return ""
}

func asBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	switch strings.ToLower(asString(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func asInt(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(asString(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformed, raw)
	}
	return n, nil
}

// parseTime reads RFC 3339 and SQL-style strings, Unix seconds or
// milliseconds as numbers or numeric strings, and {"$date": ...} wrappers.
func parseTime(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}

	var o object
	if err := json.Unmarshal(raw, &o); err == nil {
		if inner := o.get("$date"); inner != nil {
			return parseTime(inner)
		}
		return time.Time{}, fmt.Errorf("%w: timestamp object without $date", ErrMalformed)
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return fromEpoch(f), nil
	}

	s := strings.TrimSpace(asString(raw))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrMalformed, s)
}

// fromEpoch treats values past 1e11 as milliseconds.
func fromEpoch(f float64) time.Time {
	if math.Abs(f) > 1e11 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func decodeMessages(body []byte) ([]models.Message, error) {
	list, err := decodeList(body, "messages")
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(list))
	for _, raw := range list {
		m, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMessage(raw json.RawMessage) (models.Message, error) {
	o, err := unwrapObject(raw, "message")
	if err != nil {
		return models.Message{}, err
	}

	m := models.Message{
		ID:            asString(o.get(idFields...)),
		SenderID:      asString(o.get(senderFields...)),
		RecipientID:   asString(o.get(recipientFields...)),
		Text:          asString(o.get(textFields...)),
		RepliedTo:     asString(o.get(repliedFields...)),
		Deleted:       asBool(o.get(deletedFields...)),
		DeletedBy:     asString(o.get(deletedByFields...)),
		DeletedByName: asString(o.get(deletedNameFields...)),
		Nonce:         asString(o.get("nonce")),
	}
	if m.ID == "" {
		return models.Message{}, fmt.Errorf("%w: message without id", ErrMalformed)
	}

	if m.CreatedAt, err = parseTime(o.get(createdFields...)); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if m.CreatedAt.IsZero() {
		return models.Message{}, fmt.Errorf("%w: message %s without timestamp", ErrMalformed, m.ID)
	}
	if raw := o.get(editedFields...); raw != nil {
		edited, err := parseTime(raw)
		if err != nil {
			return models.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
		}
		m.EditedAt = &edited
	}

	if m.Attachments, err = decodeAttachments(o.get("attachments", "files")); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if m.Reactions, err = decodeReactions(o.get("reactions")); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if m.Deleted {
		m.Text = ""
		m.Attachments = nil
	}
	return m, nil
}

func decodeAttachments(raw json.RawMessage) ([]models.Attachment, error) {
	if isNull(raw) {
		return nil, nil
	}
	var list []object
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: attachments: %v", ErrMalformed, err)
	}
	out := make([]models.Attachment, 0, len(list))
	for _, o := range list {
		size, err := asInt(o.get("sizeBytes", "size_bytes", "size"))
		if err != nil {
			return nil, err
		}
		out = append(out, models.Attachment{
			FileName:       asString(o.get("fileName", "file_name", "filename", "name")),
			MimeType:       asString(o.get("mimeType", "mime_type", "contentType", "type")),
			SizeBytes:      size,
			EncodedPayload: asString(o.get("encodedPayload", "encoded_payload", "data", "base64")),
		})
	}
	return out, nil
}

func decodeReactions(raw json.RawMessage) ([]models.Reaction, error) {
	if isNull(raw) {
		return nil, nil
	}
	list, err := decodeList(raw, "reactions")
	if err != nil {
		return nil, err
	}
	out := make([]models.Reaction, 0, len(list))
	for _, item := range list {
		var o object
		if err := json.Unmarshal(item, &o); err != nil {
			return nil, fmt.Errorf("%w: reaction: %v", ErrMalformed, err)
		}
		r := models.Reaction{
			ReactorID: asString(o.get("reactorId", "reactor_id", "userId", "user")),
			Emoji:     asString(o.get("emoji")),
		}
		if r.ReactorID == "" || r.Emoji == "" {
			continue
		}
		out = append(out, r)
	}
	return models.MergeReactions(out, nil), nil
}

func decodePeers(body []byte) ([]models.Peer, error) {
	list, err := decodeList(body, "peers", "users")
	if err != nil {
		return nil, err
	}
	out := make([]models.Peer, 0, len(list))
	for _, raw := range list {
		var o object
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("%w: peer: %v", ErrMalformed, err)
		}
		p := models.Peer{
			PeerID:      asString(o.get("peerId", "peer_id", "id", "_id")),
			DisplayName: asString(o.get("displayName", "display_name", "name")),
			FirstName:   asString(o.get("firstName", "first_name")),
			LastName:    asString(o.get("lastName", "last_name")),
			Role:        models.Role(asString(o.get("role"))),
			IsOnline:    asBool(o.get("isOnline", "is_online", "online")),
		}
		if p.PeerID == "" {
			return nil, fmt.Errorf("%w: peer without id", ErrMalformed)
		}
		if p.DisplayName == "" {
			p.DisplayName = strings.TrimSpace(p.FirstName + " " + p.LastName)
		}
		if raw := o.get("lastMessageTimestamp", "last_message_at", "lastMessageAt"); raw != nil {
			ts, err := parseTime(raw)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", p.PeerID, err)
			}
			p.LastMessageAt = &ts
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeCounts(body []byte) (map[string]int, error) {
	o, err := unwrapObject(body, "counts")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(o))
	for peerID, raw := range o {
		n, err := asInt(raw)
		if err != nil {
			return nil, fmt.Errorf("unread count for %s: %w", peerID, err)
		}
		if n > 0 {
			out[peerID] = int(n)
		}
	}
	return out, nil
}

func decodeTimestamps(body []byte) (map[string]time.Time, error) {
	o, err := unwrapObject(body, "timestamps")
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(o))
	for peerID, raw := range o {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("latest timestamp for %s: %w", peerID, err)
		}
		if !ts.IsZero() {
			out[peerID] = ts
		}
	}
	return out, nil
}
