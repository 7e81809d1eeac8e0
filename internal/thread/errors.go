package thread

import (
	"context"
	"errors"
	"net"
)

// ErrorKind categorizes engine failures for handling and display.
type ErrorKind int

const (
	// KindTransient is a request that did not complete; the next tick recovers.
	KindTransient ErrorKind = iota
	// KindRejected is a non-ok answer to a send, edit, delete or react.
	KindRejected
	// KindOversized is an attachment refused before any network call.
	KindOversized
	// KindStale is a response that arrived after its thread or view went away.
	KindStale
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindOversized:
		return "oversized"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// SyncError wraps errors with the operation that failed and its category.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return e.Op + " " + e.Kind.String()
	}
	return e.Op + " " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrNoActiveThread  = errors.New("no active thread")
	ErrMessageNotFound = errors.New("message not found in thread")
	ErrNotSender       = errors.New("only the sender may edit a message")
	ErrNotPermitted    = errors.New("only the sender or a moderator may delete a message")
	ErrTombstoned      = errors.New("message has been deleted")
	ErrNotConfirmed    = errors.New("message is still being sent")
	ErrEmptyMessage    = errors.New("message needs text or at least one attachment")
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrInvalidEmoji    = errors.New("invalid reaction emoji")
	ErrStaleResponse   = errors.New("response arrived after its thread was closed")
)

func NewTransientError(op string, err error) *SyncError {
	return &SyncError{Kind: KindTransient, Op: op, Err: err}
}

func NewRejectedError(op string, err error) *SyncError {
	return &SyncError{Kind: KindRejected, Op: op, Err: err}
}

func NewOversizedError(op string, err error) *SyncError {
	return &SyncError{Kind: KindOversized, Op: op, Err: err}
}

func NewStaleError(op string) *SyncError {
	return &SyncError{Kind: KindStale, Op: op, Err: ErrStaleResponse}
}

// KindOf returns the category of err. Errors that carry no category are
// treated as rejections unless they look like connectivity failures.
func KindOf(err error) ErrorKind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return classify("", err).Kind
}

func classify(op string, err error) *SyncError {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		if op == "" || syncErr.Op == op {
			return syncErr
		}
		return &SyncError{Kind: syncErr.Kind, Op: op, Err: syncErr.Err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return NewTransientError(op, err)
	}
	return NewRejectedError(op, err)
}
