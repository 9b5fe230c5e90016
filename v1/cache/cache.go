package cache

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/cache")

// Cache is the key-value abstraction locks and semaphores are built on.
//
// Plain values carry an optional TTL. Counters track a set of live holder ids,
// each with its own expiration. Every operation that touches a counter purges
// holders whose expiration is at or before now before acting; there is no
// background sweeper.
type Cache interface {
	// SetValue stores value under key. A non-positive ttl means no expiry;
	// a positive ttl under one millisecond fails with ErrInvalidTTL.
	// With onlyIfNew the write is skipped, and false returned, when key
	// already holds a live value.
	SetValue(ctx context.Context, key string, value any, ttl time.Duration, onlyIfNew bool) (bool, error)
	// GetValue decodes the live value under key into out. It fails with
	// ErrNotFound on a miss and ErrTypeMismatch when decoding fails.
	GetValue(ctx context.Context, key string, out any) error
	// DeleteValue removes key and reports whether anything was removed.
	DeleteValue(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected any) (bool, error)
	// IncrementCounter adds holderID to the counter under key when fewer
	// than maxValue holders are live. A holder that is already live is
	// accepted without change.
	IncrementCounter(ctx context.Context, key, holderID string, ttl time.Duration, maxValue int) (bool, error)
	// DecrementCounter removes holderID. It returns the live count left and
	// whether holderID was present.
	DecrementCounter(ctx context.Context, key, holderID string) (int, bool, error)
	// GetCounter returns the number of live holders; zero for a missing key.
	GetCounter(ctx context.Context, key string) (int, error)
}

// Provider hands out a Cache per coordination attempt.
type Provider interface {
	GetCache() Cache
}

// Get reads key from c and decodes it as T.
func Get[T any](ctx context.Context, c Cache, key string) (T, error) {
	var v T
	if err := c.GetValue(ctx, key, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func decode(codec Codec, key string, data []byte, out any) error {
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: key %q: %w", coorderrors.ErrTypeMismatch, key, err)
	}
	return nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: key %q", coorderrors.ErrNotFound, key)
}

// Expirations are kept in milliseconds; anything finer would round to an
// entry that is born expired.
func validateValueTTL(ttl time.Duration) error {
	if ttl > 0 && ttl < time.Millisecond {
		return fmt.Errorf("%w: ttl below 1ms, got %s", coorderrors.ErrInvalidTTL, ttl)
	}
	return nil
}

func validateCounter(ttl time.Duration, maxValue int) error {
	if ttl < time.Millisecond {
		return fmt.Errorf("%w: counter ttl must be at least 1ms, got %s", coorderrors.ErrInvalidTTL, ttl)
	}
	if maxValue < 1 {
		return fmt.Errorf("%w: %d", coorderrors.ErrInvalidCapacity, maxValue)
	}
	return nil
}
