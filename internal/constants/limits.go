package constants

import "time"

const (
	IDRandomBytes = 12

	// MaxMessageTextLength is measured in runes.
	MaxMessageTextLength      = 4000
	MaxAttachmentsPerMessage  = 10
	DefaultAttachmentMaxBytes = 10 << 20

	DefaultThreadPollInterval    = 5 * time.Second
	DefaultUnreadPollInterval    = 10 * time.Second
	DefaultDashboardPollInterval = 30 * time.Second
	DefaultNearBottomThreshold   = 150
	DefaultRequestTimeout        = 10 * time.Second

	RelaySubscriberBufferSize = 64
	WSClientSendBufferSize    = 64
)
