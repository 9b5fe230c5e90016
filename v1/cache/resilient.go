package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
)

// Recoverer re-establishes the connection to the backing store. failed is
// the connection generation the fault was seen on, zero when unknown.
type Recoverer interface {
	Recover(ctx context.Context, failed uint64) error
}

// Resilient wraps a Cache and retries operations that fail with a transient
// fault. Before each retry it asks the Recoverer for a fresh connection and
// waits base*2^(attempt-1). Permanent faults and exhausted retries are
// returned to the caller; nothing is suppressed.
type Resilient struct {
	inner      Cache
	recoverer  Recoverer
	maxRetries int
	baseDelay  time.Duration
	log        *slog.Logger
}

var _ Cache = (*Resilient)(nil)

// ResilientOption configures a Resilient cache.
type ResilientOption func(*Resilient)

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) ResilientOption {
	return func(r *Resilient) { r.maxRetries = n }
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.baseDelay = d }
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.log = l }
}

// NewResilient creates a new Resilient wrapper. recoverer may be nil.
func NewResilient(inner Cache, recoverer Recoverer, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		inner:      inner,
		recoverer:  recoverer,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resilient) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt > r.maxRetries {
			break
		}
		delay := r.baseDelay << (attempt - 1)
		metrics.StoreRetryCounter.WithLabelValues(op).Inc()
		r.log.Warn("coord: store operation failed, retrying",
			"op", op, "key", key, "attempt", attempt, "delay", delay, "error", err)
		if r.recoverer != nil {
			if rerr := r.recoverer.Recover(ctx, FailedGeneration(err)); rerr != nil {
				r.log.Warn("coord: connection recovery failed", "op", op, "error", rerr)
			}
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w: %s %q failed after %d retries: %w",
		coorderrors.ErrStoreUnavailable, op, key, r.maxRetries, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetValue implements Cache.SetValue.
func (r *Resilient) SetValue(ctx context.Context, key string, value any, ttl time.Duration, onlyIfNew bool) (bool, error) {
	var ok bool
	err := r.do(ctx, "set", key, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.SetValue(ctx, key, value, ttl, onlyIfNew)
		return err
	})
	return ok, err
}

// GetValue implements Cache.GetValue.
func (r *Resilient) GetValue(ctx context.Context, key string, out any) error {
	return r.do(ctx, "get", key, func(ctx context.Context) error {
		return r.inner.GetValue(ctx, key, out)
	})
}

// DeleteValue implements Cache.DeleteValue.
func (r *Resilient) DeleteValue(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.do(ctx, "delete", key, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.DeleteValue(ctx, key)
		return err
	})
	return ok, err
}

// CompareAndDelete implements Cache.CompareAndDelete.
func (r *Resilient) CompareAndDelete(ctx context.Context, key string, expected any) (bool, error) {
	var ok bool
	err := r.do(ctx, "compare_and_delete", key, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.CompareAndDelete(ctx, key, expected)
		return err
	})
	return ok, err
}

// IncrementCounter implements Cache.IncrementCounter.
func (r *Resilient) IncrementCounter(ctx context.Context, key, holderID string, ttl time.Duration, maxValue int) (bool, error) {
	var ok bool
	err := r.do(ctx, "increment", key, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.IncrementCounter(ctx, key, holderID, ttl, maxValue)
		return err
	})
	return ok, err
}

// DecrementCounter implements Cache.DecrementCounter.
func (r *Resilient) DecrementCounter(ctx context.Context, key, holderID string) (int, bool, error) {
	var (
		n       int
		removed bool
	)
	err := r.do(ctx, "decrement", key, func(ctx context.Context) error {
		var err error
		n, removed, err = r.inner.DecrementCounter(ctx, key, holderID)
		return err
	})
	return n, removed, err
}

// GetCounter implements Cache.GetCounter.
func (r *Resilient) GetCounter(ctx context.Context, key string) (int, error) {
	var n int
	err := r.do(ctx, "get_counter", key, func(ctx context.Context) error {
		var err error
		n, err = r.inner.GetCounter(ctx, key)
		return err
	})
	return n, err
}
