package ports

import (
	"context"
	"errors"
	"fmt"

	"content-sync/internal/core/deadline"
)

// RemoteErrorKind classifies remote store failures.
type RemoteErrorKind string

const (
	RemoteQuotaExceeded RemoteErrorKind = "quota_exceeded"
	RemoteTimeout       RemoteErrorKind = "timeout"
	RemoteNetwork       RemoteErrorKind = "network"
	RemoteUnknown       RemoteErrorKind = "unknown"
)

var (
	// ErrNotFound is returned by RemoteStore.Get for ids with no document.
	ErrNotFound = errors.New("record not found")

	ErrQuotaExceeded = errors.New("remote quota exceeded")
	ErrTimeout       = errors.New("remote call timed out")
	ErrNetwork       = errors.New("remote unreachable")
	ErrUnknown       = errors.New("remote call failed")
)

// RemoteError is returned by RemoteStore implementations for every failure
// other than ErrNotFound. errors.Is matches it against the sentinel of its kind.
type RemoteError struct {
	Kind RemoteErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s %s: %s", e.Op, e.ID, e.Kind)
	}
	return fmt.Sprintf("remote %s %s: %s: %v", e.Op, e.ID, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Kind == RemoteQuotaExceeded
	case ErrTimeout:
		return e.Kind == RemoteTimeout
	case ErrNetwork:
		return e.Kind == RemoteNetwork
	case ErrUnknown:
		return e.Kind == RemoteUnknown
	}
	return false
}

// RemoteErrorKindOf returns the kind of err. Deadline races and context
// deadlines count as timeouts; anything unclassified is unknown.
func RemoteErrorKindOf(err error) RemoteErrorKind {
	var re *RemoteError
	switch {
	case errors.As(err, &re):
		return re.Kind
	case errors.Is(err, deadline.ErrExpired), errors.Is(err, context.DeadlineExceeded):
		return RemoteTimeout
	default:
		return RemoteUnknown
	}
}
