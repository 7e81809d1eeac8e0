package ws

import (
	"encoding/json"

	"portal/internal/constants"
	"portal/internal/models"
	"portal/internal/peers"
)

// Operation codes for WebSocket messages
type OpCode int

// ProtocolVersion is the exact server/client WS protocol version.
// Bump this only for breaking wire-contract changes.
const ProtocolVersion = 1

const (
	// DISPATCH - Events and commands with type field
	OpDispatch OpCode = 0

	// Lifecycle ops (Server -> Client)
	OpHello          OpCode = 1 // Sent on connection
	OpReady          OpCode = 2 // Sent after successful identify, contains initial state
	OpInvalidSession OpCode = 3 // Session invalid, must re-identify
)

// Event types (Server -> Client via DISPATCH)
const (
	EventThreadUpdate = "THREAD_UPDATE"
	EventPeersUpdate  = "PEERS_UPDATE"
	EventBadgeUpdate  = "BADGE_UPDATE"
	EventNotice       = "NOTICE"
	EventSendResult   = "SEND_RESULT"
	EventError        = "ERROR"
)

// Command types (Client -> Server via DISPATCH)
const (
	CmdIdentify      = "IDENTIFY"
	CmdThreadOpen    = "THREAD_OPEN"
	CmdThreadClose   = "THREAD_CLOSE"
	CmdThreadRead    = "THREAD_READ"
	CmdScroll        = "SCROLL"
	CmdRefresh       = "REFRESH"
	CmdMessageSend   = "MESSAGE_SEND"
	CmdMessageEdit   = "MESSAGE_EDIT"
	CmdMessageDelete = "MESSAGE_DELETE"
	CmdMessageReact  = "MESSAGE_REACT"
)

// Error codes sent in EventError payloads.
const (
	ErrCodeAuthFailed         = constants.ErrCodeAuthFailed
	ErrCodeForbidden          = constants.ErrCodeForbidden
	ErrCodeRateLimited        = constants.ErrCodeRateLimited
	ErrCodeInvalidRequest     = constants.ErrCodeInvalidRequest
	ErrCodeNotFound           = constants.ErrCodeNotFound
	ErrCodeMessageTooLong     = constants.ErrCodeMessageTooLong
	ErrCodeMessageEmpty       = constants.ErrCodeMessageEmpty
	ErrCodeAttachmentTooLarge = constants.ErrCodeAttachmentTooLarge
	ErrCodeMutationRejected   = constants.ErrCodeMutationRejected
	ErrCodeSendFailed         = constants.ErrCodeSendFailed
	ErrCodeNoActiveThread     = constants.ErrCodeNoActiveThread
)

// WSMessage is an outbound frame.
type WSMessage struct {
	Op   OpCode `json:"op"`
	Type string `json:"t,omitempty"` // Event/command type (only for DISPATCH)
	Data any    `json:"d,omitempty"`
}

// inboundMessage keeps the payload raw until the command type is known.
type inboundMessage struct {
	Op   OpCode          `json:"op"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Server -> Client payloads

type HelloPayload struct {
	ProtocolVersion int `json:"protocol_version"`
}

type ReadyPayload struct {
	ProtocolVersion int          `json:"protocol_version"`
	SessionID       string       `json:"session_id"`
	User            *models.User `json:"user"`
	Peers           peers.List   `json:"peers"`
}

// InvalidSessionPayload sent when session is invalid
type InvalidSessionPayload struct {
	Resumable bool `json:"resumable"`
}

// SendResultPayload confirms a MESSAGE_SEND. Nonce echoes the client's value.
type SendResultPayload struct {
	Nonce    string          `json:"nonce,omitempty"`
	Message  *models.Message `json:"message,omitempty"`
	Rejected []ErrorPayload  `json:"rejected,omitempty"`
}

type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Nonce      string `json:"nonce,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"` // Unix ms
}

// Client -> Server payloads (via DISPATCH)

// IdentifyPayload sent by client to authenticate
type IdentifyPayload struct {
	Token string `json:"token" validate:"required"`
}

type ThreadOpenPayload struct {
	PeerID string `json:"peer_id" validate:"required"`
}

type ThreadReadPayload struct {
	PeerID string `json:"peer_id" validate:"required"`
}

type ScrollPayload struct {
	ScrollTop    float64 `json:"scroll_top" validate:"gte=0"`
	ScrollHeight float64 `json:"scroll_height" validate:"gte=0"`
	ClientHeight float64 `json:"client_height" validate:"gte=0"`
}

// FileUpload is a raw attachment; Data is base64 on the wire.
type FileUpload struct {
	Name string `json:"name" validate:"required"`
	Data []byte `json:"data"`
}

// MessageSendPayload sent by client to send a message
type MessageSendPayload struct {
	Text      string       `json:"text"`
	Files     []FileUpload `json:"files,omitempty" validate:"max=10,dive"`
	RepliedTo string       `json:"replied_to,omitempty"`
	Nonce     string       `json:"nonce,omitempty"` // Client-generated ID for tracking
}

type MessageEditPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Text      string `json:"text"`
}

type MessageDeletePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

type MessageReactPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
}
