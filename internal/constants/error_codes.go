package constants

const (
	// Shared REST/WS transport-agnostic errors
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeAttachmentTooLarge = "ATTACHMENT_TOO_LARGE"

	// Conversation engine errors surfaced to views
	ErrCodeMessageTooLong   = "MESSAGE_TOO_LONG"
	ErrCodeMessageEmpty     = "MESSAGE_EMPTY"
	ErrCodeMutationRejected = "MUTATION_REJECTED"
	ErrCodeSendFailed       = "SEND_FAILED"
	ErrCodeNoActiveThread   = "NO_ACTIVE_THREAD"
)
