package cache

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	redis "github.com/redis/go-redis/v9"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

// Reply prefixes Redis uses for conditions that clear up on their own.
var transientReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN"}

// IsTransient reports whether err is a connectivity fault worth retrying on a
// fresh connection. Cancellation by the caller is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	if stdErrors.Is(err, coorderrors.ErrConnectionClosed) ||
		stdErrors.Is(err, coorderrors.ErrTimeout) ||
		stdErrors.Is(err, redis.ErrClosed) ||
		stdErrors.Is(err, io.EOF) ||
		stdErrors.Is(err, io.ErrUnexpectedEOF) ||
		stdErrors.Is(err, syscall.ECONNRESET) ||
		stdErrors.Is(err, syscall.ECONNREFUSED) ||
		stdErrors.Is(err, syscall.EPIPE) {
		return true
	}
	for _, prefix := range transientReplies {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	var netErr net.Error
	return stdErrors.As(err, &netErr)
}

// mapRedisErr translates a go-redis error into the go-coord taxonomy. parent is
// the caller's context: a deadline hit by the per-call timeout is a transient
// ErrTimeout, while the caller's own cancellation is returned as is.
func mapRedisErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", coorderrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", coorderrors.ErrConnectionClosed, err)
	case isWrongType(err):
		return fmt.Errorf("%w: %w", coorderrors.ErrTypeMismatch, err)
	}
	return err
}

// isWrongType matches WRONGTYPE replies, including those raised from inside a
// script where the server prefixes its own context.
func isWrongType(err error) bool {
	var rerr redis.Error
	return stdErrors.As(err, &rerr) && strings.Contains(rerr.Error(), "WRONGTYPE")
}

// generationError records the connection generation a transient fault was
// raised on.
type generationError struct {
	gen uint64
	err error
}

func (e *generationError) Error() string { return e.err.Error() }
func (e *generationError) Unwrap() error { return e.err }

// FailedGeneration returns the connection generation err was raised on, or
// zero when err does not carry one.
func FailedGeneration(err error) uint64 {
	var ge *generationError
	if stdErrors.As(err, &ge) {
		return ge.gen
	}
	return 0
}
