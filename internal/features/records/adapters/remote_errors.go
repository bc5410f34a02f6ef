package adapters

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"content-sync/internal/core/deadline"
	"content-sync/internal/features/records/ports"

	"github.com/redis/go-redis/v9"
)

// errWriteBudget marks a write refused by the fixed-window quota.
var errWriteBudget = errors.New("write budget exhausted for current window")

// backpressurePrefixes are Redis replies that mean "slow down" rather than "broken".
var backpressurePrefixes = []string{"OOM", "BUSY", "TRYAGAIN"}

// remoteError wraps err into a classified *ports.RemoteError.
func remoteError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &ports.RemoteError{Kind: classify(err), Op: op, ID: id, Err: err}
}

func classify(err error) ports.RemoteErrorKind {
	var re *ports.RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, errWriteBudget):
		return ports.RemoteQuotaExceeded
	case errors.Is(err, deadline.ErrExpired), errors.Is(err, context.DeadlineExceeded):
		return ports.RemoteTimeout
	}

	for _, p := range backpressurePrefixes {
		if redis.HasErrorPrefix(err, p) {
			return ports.RemoteQuotaExceeded
		}
	}
	if strings.Contains(err.Error(), "max number of clients reached") {
		return ports.RemoteQuotaExceeded
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return ports.RemoteTimeout
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, redis.ErrClosed):
		return ports.RemoteNetwork
	}
	if redis.HasErrorPrefix(err, "LOADING") || redis.HasErrorPrefix(err, "MASTERDOWN") {
		return ports.RemoteNetwork
	}
	return ports.RemoteUnknown
}
