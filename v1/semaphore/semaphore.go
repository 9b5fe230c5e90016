package semaphore

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-coord/v1/cache"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const keyPrefix = "semaphore:"

// Key returns the cache key used for the semaphore called name.
func Key(name string) string { return keyPrefix + name }

// NewHolderID returns a random holder id.
func NewHolderID() (string, error) {
	return uuid.GenerateUUID()
}

// Provider acquires slots on named semaphores.
type Provider struct {
	caches cache.Provider
	log    *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for acquire and release events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// NewProvider returns a semaphore provider backed by caches.
func NewProvider(caches cache.Provider, opts ...Option) *Provider {
	p := &Provider{caches: caches, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire tries once to take a slot on the semaphore called name for
// holderID. At most maxValue holders are live at a time. Acquiring again with
// a live holderID succeeds without taking another slot. A full semaphore
// yields an error wrapping errors.ErrResourceUnavailable.
func (p *Provider) Acquire(ctx context.Context, name, holderID string, ttl time.Duration, maxValue int) (*Handle, error) {
	if holderID == "" {
		return nil, fmt.Errorf("semaphore %q: empty holder id", name)
	}
	c := p.caches.GetCache()
	ok, err := c.IncrementCounter(ctx, Key(name), holderID, ttl, maxValue)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultError).Inc()
		return nil, fmt.Errorf("semaphore %q: %w", name, err)
	}
	if !ok {
		metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultBusy).Inc()
		return nil, fmt.Errorf("%w: semaphore %q is full (%d)", coorderrors.ErrResourceUnavailable, name, maxValue)
	}
	metrics.AcquireCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultAcquired).Inc()
	p.log.Debug("coord: semaphore slot acquired", "name", name, "holder", holderID, "ttl", ttl, "max", maxValue)
	return &Handle{name: name, holderID: holderID, cache: c, log: p.log}, nil
}

// GetCount returns the number of live holders on the semaphore called name.
func (p *Provider) GetCount(ctx context.Context, name string) (int, error) {
	n, err := p.caches.GetCache().GetCounter(ctx, Key(name))
	if err != nil {
		return 0, fmt.Errorf("semaphore %q: %w", name, err)
	}
	return n, nil
}

// Do acquires a slot under a fresh holder id, runs fn and releases the slot.
func (p *Provider) Do(ctx context.Context, name string, ttl time.Duration, maxValue int, fn func(context.Context) error) (err error) {
	id, err := NewHolderID()
	if err != nil {
		return fmt.Errorf("semaphore %q: holder id: %w", name, err)
	}
	h, err := p.Acquire(ctx, name, id, ttl, maxValue)
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

// Handle is a held semaphore slot. It is safe for concurrent use.
type Handle struct {
	name     string
	holderID string
	cache    cache.Cache
	log      *slog.Logger

	mu       sync.Mutex
	released bool
}

// Name returns the semaphore name.
func (h *Handle) Name() string { return h.name }

// HolderID returns the id this slot is held under.
func (h *Handle) HolderID() string { return h.holderID }

// Release gives the slot back. Releasing twice, or after the lease expired,
// is a no-op. A failed release may be retried.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultNoop).Inc()
		return nil
	}
	remaining, removed, err := h.cache.DecrementCounter(ctx, Key(h.name), h.holderID)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultError).Inc()
		return fmt.Errorf("semaphore %q: release: %w", h.name, err)
	}
	h.released = true
	if !removed {
		metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultNoop).Inc()
		h.log.Debug("coord: semaphore slot already reclaimed", "name", h.name, "holder", h.holderID)
		return nil
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.PrimitiveSemaphore, metrics.ResultReleased).Inc()
	h.log.Debug("coord: semaphore slot released", "name", h.name, "holder", h.holderID, "remaining", remaining)
	return nil
}

// Close releases the slot with a background context.
func (h *Handle) Close() error {
	return h.Release(context.Background())
}
