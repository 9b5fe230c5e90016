package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-coord/v1/cache"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const keyPrefix = "lock:"

// Key returns the cache key used for the lock called name.
func Key(name string) string { return keyPrefix + name }

// Provider acquires named locks.
type Provider struct {
	caches   cache.Provider
	log      *slog.Logger
	newToken func() string
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for acquire and release events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithTokenSource overrides how lock tokens are generated.
func WithTokenSource(fn func() string) Option {
	return func(p *Provider) { p.newToken = fn }
}

// NewProvider returns a lock provider backed by caches.
func NewProvider(caches cache.Provider, opts ...Option) *Provider {
	p := &Provider{
		caches:   caches,
		log:      slog.Default(),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire tries once to take the lock called name for ttl. A zero ttl holds
// the lock until it is released; otherwise ttl must be at least 1ms. If the
// lock is held the error wraps errors.ErrResourceUnavailable.
func (p *Provider) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	if ttl < 0 || (ttl > 0 && ttl < time.Millisecond) {
		return nil, fmt.Errorf("%w: lock %q: %s", coorderrors.ErrInvalidTTL, name, ttl)
	}
	c := p.caches.GetCache()
	key := Key(name)
	token := p.newToken()

	ok, err := c.SetValue(ctx, key, token, ttl, true)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultError).Inc()
		return nil, fmt.Errorf("lock %q: %w", name, err)
	}
	if !ok {
		// A retried write whose first reply was lost may have stored our
		// own token.
		cur, gerr := cache.Get[string](ctx, c, key)
		if gerr != nil && !stdErrors.Is(gerr, coorderrors.ErrNotFound) && !stdErrors.Is(gerr, coorderrors.ErrTypeMismatch) {
			metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultError).Inc()
			return nil, fmt.Errorf("lock %q: %w", name, gerr)
		}
		if gerr != nil || cur != token {
			metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultBusy).Inc()
			return nil, fmt.Errorf("%w: lock %q is held", coorderrors.ErrResourceUnavailable, name)
		}
	}

	metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultAcquired).Inc()
	p.log.Debug("coord: lock acquired", "name", name, "ttl", ttl)
	return &Handle{name: name, token: token, cache: c, log: p.log}, nil
}

// IsAcquired reports whether the lock called name is currently held by
// anyone. The answer may be stale by the time the caller acts on it.
func (p *Provider) IsAcquired(ctx context.Context, name string) (bool, error) {
	var token string
	err := p.caches.GetCache().GetValue(ctx, Key(name), &token)
	switch {
	case err == nil:
		return true, nil
	case stdErrors.Is(err, coorderrors.ErrNotFound):
		return false, nil
	case stdErrors.Is(err, coorderrors.ErrTypeMismatch):
		// Something foreign occupies the key; nobody can take the lock.
		return true, nil
	}
	return false, fmt.Errorf("lock %q: %w", name, err)
}

// Do acquires the lock, runs fn and releases the lock. Release runs even
// when ctx is cancelled while fn executes.
func (p *Provider) Do(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (err error) {
	h, err := p.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = stdErrors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

// Handle is a held lock. It is safe for concurrent use.
type Handle struct {
	name  string
	token string
	cache cache.Cache
	log   *slog.Logger

	mu       sync.Mutex
	released bool
}

// Name returns the lock name.
func (h *Handle) Name() string { return h.name }

// Token returns the value stored while the lock is held.
func (h *Handle) Token() string { return h.token }

// Release frees the lock if this handle still owns it. Releasing after the
// lease expired, or releasing twice, is a no-op. A failed release may be
// retried.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultNoop).Inc()
		return nil
	}
	ok, err := h.cache.CompareAndDelete(ctx, Key(h.name), h.token)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultError).Inc()
		return fmt.Errorf("lock %q: release: %w", h.name, err)
	}
	h.released = true
	if !ok {
		metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultNoop).Inc()
		h.log.Debug("coord: lock already expired or taken over", "name", h.name)
		return nil
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveLock, metrics.ResultReleased).Inc()
	h.log.Debug("coord: lock released", "name", h.name)
	return nil
}

// Close releases the lock with a background context.
func (h *Handle) Close() error {
	return h.Release(context.Background())
}

// IsStillValid reports whether the lock is still held by this handle.
func (h *Handle) IsStillValid(ctx context.Context) (bool, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return false, nil
	}
	cur, err := cache.Get[string](ctx, h.cache, Key(h.name))
	if err != nil {
		if stdErrors.Is(err, coorderrors.ErrNotFound) || stdErrors.Is(err, coorderrors.ErrTypeMismatch) {
			return false, nil
		}
		return false, fmt.Errorf("lock %q: %w", h.name, err)
	}
	return cur == h.token, nil
}
