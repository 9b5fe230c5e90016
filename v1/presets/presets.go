// Package presets wires caches, locks and semaphores into ready-made
// configurations.
package presets

import (
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/cache"
	"github.com/mirkobrombin/go-coord/v1/lock"
	"github.com/mirkobrombin/go-coord/v1/semaphore"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// URL, when set, is parsed with redis.ParseURL and takes precedence over
	// Addr, Password and DB.
	URL string

	// OpTimeout bounds each Redis round trip. Defaults to 5s.
	OpTimeout time.Duration
	// MaxRetries bounds retries of transient faults. Zero means the default
	// of 3; a negative value disables retries.
	MaxRetries int
	// BaseDelay is the backoff before the first retry. Defaults to 100ms.
	BaseDelay time.Duration
	// Atomicity is "script" (default) or "cas".
	Atomicity cache.Atomicity
	// Codec is "json" (default), "gob", "msgpack" or "cbor".
	Codec string
	// Tracing enables OpenTelemetry spans around Redis operations.
	Tracing bool

	Logger *slog.Logger
}

// Coordinator bundles the lock and semaphore providers sharing one cache
// provider.
type Coordinator struct {
	Caches     cache.Provider
	Locks      *lock.Provider
	Semaphores *semaphore.Provider

	close func() error
}

// Close releases the underlying connection, if any.
func (c *Coordinator) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func newCoordinator(caches cache.Provider, log *slog.Logger, closeFn func() error) *Coordinator {
	return &Coordinator{
		Caches:     caches,
		Locks:      lock.NewProvider(caches, lock.WithLogger(log)),
		Semaphores: semaphore.NewProvider(caches, semaphore.WithLogger(log)),
		close:      closeFn,
	}
}

// NewRedis returns a Coordinator backed by Redis. The connection is dialed
// lazily on first use.
func NewRedis(opts RedisOptions) (*Coordinator, error) {
	uopts, err := universalOptions(opts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	prims, err := cache.NewPrimitives(opts.Atomicity)
	if err != nil {
		return nil, err
	}
	codec, err := cache.NewCodec(opts.Codec)
	if err != nil {
		return nil, err
	}

	cacheOpts := []cache.RedisOption{cache.WithPrimitives(prims), cache.WithCodec(codec)}
	if opts.OpTimeout > 0 {
		cacheOpts = append(cacheOpts, cache.WithTimeout(opts.OpTimeout))
	}
	if opts.Tracing {
		cacheOpts = append(cacheOpts, cache.WithTracing())
	}
	resOpts := []cache.ResilientOption{cache.WithLogger(log)}
	switch {
	case opts.MaxRetries < 0:
		resOpts = append(resOpts, cache.WithMaxRetries(0))
	case opts.MaxRetries > 0:
		resOpts = append(resOpts, cache.WithMaxRetries(opts.MaxRetries))
	}
	if opts.BaseDelay > 0 {
		resOpts = append(resOpts, cache.WithBaseDelay(opts.BaseDelay))
	}

	conn := cache.NewConnFromOptions(uopts, cache.WithConnLogger(log))
	caches := cache.NewRedisProvider(conn,
		cache.WithCacheOptions(cacheOpts...),
		cache.WithResilience(resOpts...),
	)
	return newCoordinator(caches, log, caches.Close), nil
}

func universalOptions(opts RedisOptions) (*redis.UniversalOptions, error) {
	if opts.URL == "" {
		return &redis.UniversalOptions{
			Addrs:    []string{opts.Addr},
			Password: opts.Password,
			DB:       opts.DB,
		}, nil
	}
	o, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("presets: redis url: %w", err)
	}
	return &redis.UniversalOptions{
		Addrs:     []string{o.Addr},
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}, nil
}

// NewInMemoryStandalone returns a Coordinator that runs entirely in-process
// with no external dependencies. Locks and semaphores only coordinate
// goroutines of this process.
func NewInMemoryStandalone(opts ...cache.MemoryOption) *Coordinator {
	caches := cache.NewMemoryProvider(cache.NewMemory(opts...))
	return newCoordinator(caches, slog.Default(), nil)
}
