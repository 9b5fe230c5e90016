package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-coord/v1/clock"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisCache implements Cache on a Redis backend. It reads the client from a
// Conn on every call, so a connection recreated by Recover is picked up
// without rebuilding the cache.
type RedisCache struct {
	conn         *Conn
	clock        clock.TimestampProvider
	codec        Codec
	prims        Primitives
	timeout      time.Duration
	traceEnabled bool
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithClock sets the timestamp provider used for counter expirations.
func WithClock(c clock.TimestampProvider) RedisOption {
	return func(r *RedisCache) { r.clock = c }
}

// WithCodec sets the value codec. Defaults to JSONCodec.
func WithCodec(c Codec) RedisOption {
	return func(r *RedisCache) { r.codec = c }
}

// WithPrimitives selects how compound operations are made atomic. Defaults
// to ScriptPrimitives.
func WithPrimitives(p Primitives) RedisOption {
	return func(r *RedisCache) { r.prims = p }
}

// WithTimeout sets the per-call timeout for Redis round trips.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisCache) { r.timeout = d }
}

// WithTracing enables OpenTelemetry spans for cache operations.
func WithTracing() RedisOption {
	return func(r *RedisCache) { r.traceEnabled = true }
}

// NewRedis returns a RedisCache on conn.
func NewRedis(conn *Conn, opts ...RedisOption) *RedisCache {
	r := &RedisCache{
		conn:    conn,
		clock:   clock.Unix{},
		codec:   JSONCodec{},
		prims:   ScriptPrimitives{},
		timeout: defaultRedisOpTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// call runs fn against the current client with the per-call timeout and maps
// the outcome into the go-coord error taxonomy.
func (r *RedisCache) call(ctx context.Context, op, key string, fn func(context.Context, redis.UniversalClient) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	var span trace.Span
	if r.traceEnabled {
		ctx, span = tracer.Start(ctx, "RedisCache."+op)
		span.SetAttributes(attribute.String("coord.cache.key", key))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	st := r.conn.state()
	err = fn(cctx, st.client)
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	err = mapRedisErr(ctx, err)
	if IsTransient(err) {
		err = &generationError{gen: st.gen, err: err}
	}
	return err
}

// SetValue implements Cache.SetValue.
func (r *RedisCache) SetValue(ctx context.Context, key string, value any, ttl time.Duration, onlyIfNew bool) (bool, error) {
	if err := validateValueTTL(ttl); err != nil {
		return false, err
	}
	data, err := r.codec.Marshal(value)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.call(ctx, "set", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		ok, err = r.prims.ConditionalSet(ctx, rdb, key, data, ttl, onlyIfNew)
		return err
	})
	return ok, err
}

// GetValue implements Cache.GetValue.
func (r *RedisCache) GetValue(ctx context.Context, key string, out any) error {
	var data []byte
	err := r.call(ctx, "get", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		data, err = rdb.Get(ctx, key).Bytes()
		return err
	})
	if err == redis.Nil {
		return notFound(key)
	}
	if err != nil {
		return err
	}
	return decode(r.codec, key, data, out)
}

// DeleteValue implements Cache.DeleteValue.
func (r *RedisCache) DeleteValue(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.call(ctx, "delete", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, err = rdb.Del(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// CompareAndDelete implements Cache.CompareAndDelete.
func (r *RedisCache) CompareAndDelete(ctx context.Context, key string, expected any) (bool, error) {
	want, err := r.codec.Marshal(expected)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.call(ctx, "compare_and_delete", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		ok, err = r.prims.CompareAndDelete(ctx, rdb, key, want)
		return err
	})
	return ok, err
}

// IncrementCounter implements Cache.IncrementCounter.
func (r *RedisCache) IncrementCounter(ctx context.Context, key, holderID string, ttl time.Duration, maxValue int) (bool, error) {
	if err := validateCounter(ttl, maxValue); err != nil {
		return false, err
	}
	var ok bool
	err := r.call(ctx, "increment", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		ok, err = r.prims.IncrementCounter(ctx, rdb, key, holderID, r.clock.Now(), ttl.Milliseconds(), maxValue)
		return err
	})
	return ok, err
}

// DecrementCounter implements Cache.DecrementCounter.
func (r *RedisCache) DecrementCounter(ctx context.Context, key, holderID string) (int, bool, error) {
	var (
		n       int
		removed bool
	)
	err := r.call(ctx, "decrement", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, removed, err = r.prims.DecrementCounter(ctx, rdb, key, holderID, r.clock.Now())
		return err
	})
	return n, removed, err
}

// GetCounter implements Cache.GetCounter.
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int, error) {
	var n int
	err := r.call(ctx, "get_counter", key, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, err = r.prims.GetCounter(ctx, rdb, key, r.clock.Now())
		return err
	})
	return n, err
}
