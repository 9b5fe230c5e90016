package cache

import (
	"context"
	stdErrors "errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/clock"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

// harness is one backend under test. advance moves the logical clock and,
// for Redis, the server's TTL clock together.
type harness struct {
	cache   Cache
	clock   *clock.Manual
	advance func(time.Duration)
}

type backend struct {
	name string
	new  func(t *testing.T) harness
}

func newMemoryHarness(t *testing.T) harness {
	t.Helper()
	clk := clock.NewManual(0)
	return harness{
		cache:   NewMemory(WithMemoryClock(clk)),
		clock:   clk,
		advance: clk.Advance,
	}
}

func newRedisHarness(p Primitives) func(t *testing.T) harness {
	return func(t *testing.T) harness {
		t.Helper()
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		conn := NewConn(func() redis.UniversalClient {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()})
		})
		t.Cleanup(func() {
			_ = conn.Close()
			mr.Close()
		})
		clk := clock.NewManual(0)
		return harness{
			cache: NewRedis(conn, WithClock(clk), WithPrimitives(p)),
			clock: clk,
			advance: func(d time.Duration) {
				clk.Advance(d)
				mr.FastForward(d)
			},
		}
	}
}

var backends = []backend{
	{name: "memory", new: newMemoryHarness},
	{name: "redis-script", new: newRedisHarness(ScriptPrimitives{})},
	{name: "redis-cas", new: newRedisHarness(CASPrimitives{})},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h harness)) {
	t.Helper()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.new(t))
		})
	}
}

type user struct {
	Name string
	Age  int
	Tags []string
}

func TestCacheRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		if ok, err := h.cache.SetValue(ctx, "s", "hello", 0, false); err != nil || !ok {
			t.Fatalf("set string: ok %v err %v", ok, err)
		}
		if got, err := Get[string](ctx, h.cache, "s"); err != nil || got != "hello" {
			t.Fatalf("get string: %q err %v", got, err)
		}

		if _, err := h.cache.SetValue(ctx, "i", 42, time.Minute, false); err != nil {
			t.Fatalf("set int: %v", err)
		}
		if got, err := Get[int](ctx, h.cache, "i"); err != nil || got != 42 {
			t.Fatalf("get int: %d err %v", got, err)
		}

		expected := user{Name: "Alice", Age: 30, Tags: []string{"go", "redis"}}
		if _, err := h.cache.SetValue(ctx, "u", expected, time.Minute, false); err != nil {
			t.Fatalf("set struct: %v", err)
		}
		got, err := Get[user](ctx, h.cache, "u")
		if err != nil {
			t.Fatalf("get struct: %v", err)
		}
		if !reflect.DeepEqual(got, expected) {
			t.Fatalf("expected %+v, got %+v", expected, got)
		}
	})
}

func TestCacheGetMissAndMismatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		if _, err := Get[string](ctx, h.cache, "missing"); !stdErrors.Is(err, coorderrors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := h.cache.SetValue(ctx, "k", "not a number", 0, false); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := Get[int](ctx, h.cache, "k"); !stdErrors.Is(err, coorderrors.ErrTypeMismatch) {
			t.Fatalf("expected ErrTypeMismatch, got %v", err)
		}
	})
}

func TestCacheSetOnlyIfNew(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		if ok, err := h.cache.SetValue(ctx, "k", "first", time.Second, true); err != nil || !ok {
			t.Fatalf("first set: ok %v err %v", ok, err)
		}
		if ok, err := h.cache.SetValue(ctx, "k", "second", time.Second, true); err != nil || ok {
			t.Fatalf("second set should be rejected: ok %v err %v", ok, err)
		}
		if got, _ := Get[string](ctx, h.cache, "k"); got != "first" {
			t.Fatalf("value mutated by rejected set: %q", got)
		}
		if ok, err := h.cache.SetValue(ctx, "k", "third", time.Second, false); err != nil || !ok {
			t.Fatalf("overwrite: ok %v err %v", ok, err)
		}
		if got, _ := Get[string](ctx, h.cache, "k"); got != "third" {
			t.Fatalf("expected overwrite, got %q", got)
		}
	})
}

func TestCacheValueExpires(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		if _, err := h.cache.SetValue(ctx, "k", "v", 10*time.Millisecond, true); err != nil {
			t.Fatalf("set: %v", err)
		}
		h.advance(5 * time.Millisecond)
		if _, err := Get[string](ctx, h.cache, "k"); err != nil {
			t.Fatalf("value expired early: %v", err)
		}
		h.advance(20 * time.Millisecond)
		if _, err := Get[string](ctx, h.cache, "k"); !stdErrors.Is(err, coorderrors.ErrNotFound) {
			t.Fatalf("expected expired value to be absent, got %v", err)
		}
		if ok, err := h.cache.SetValue(ctx, "k", "again", 10*time.Millisecond, true); err != nil || !ok {
			t.Fatalf("set over expired value: ok %v err %v", ok, err)
		}
	})
}

func TestCacheDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		_, _ = h.cache.SetValue(ctx, "k", "v", 0, false)
		if ok, err := h.cache.DeleteValue(ctx, "k"); err != nil || !ok {
			t.Fatalf("delete: ok %v err %v", ok, err)
		}
		if ok, err := h.cache.DeleteValue(ctx, "k"); err != nil || ok {
			t.Fatalf("second delete: ok %v err %v", ok, err)
		}
	})
}

func TestCacheCompareAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		if ok, err := h.cache.CompareAndDelete(ctx, "k", "token-a"); err != nil || ok {
			t.Fatalf("delete of missing key: ok %v err %v", ok, err)
		}
		_, _ = h.cache.SetValue(ctx, "k", "token-a", time.Minute, true)
		if ok, err := h.cache.CompareAndDelete(ctx, "k", "token-b"); err != nil || ok {
			t.Fatalf("mismatched delete: ok %v err %v", ok, err)
		}
		if got, err := Get[string](ctx, h.cache, "k"); err != nil || got != "token-a" {
			t.Fatalf("mismatched delete removed value: %q err %v", got, err)
		}
		if ok, err := h.cache.CompareAndDelete(ctx, "k", "token-a"); err != nil || !ok {
			t.Fatalf("matching delete: ok %v err %v", ok, err)
		}
		if _, err := Get[string](ctx, h.cache, "k"); !stdErrors.Is(err, coorderrors.ErrNotFound) {
			t.Fatalf("expected value gone, got %v", err)
		}
	})
}

func TestCacheCounterBoundAndIdempotence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ttl := time.Minute
		if n, err := h.cache.GetCounter(ctx, "c"); err != nil || n != 0 {
			t.Fatalf("fresh counter: %d err %v", n, err)
		}
		for _, id := range []string{"1", "2"} {
			if ok, err := h.cache.IncrementCounter(ctx, "c", id, ttl, 2); err != nil || !ok {
				t.Fatalf("increment %s: ok %v err %v", id, ok, err)
			}
		}
		if ok, err := h.cache.IncrementCounter(ctx, "c", "1", ttl, 2); err != nil || !ok {
			t.Fatalf("re-increment of live holder: ok %v err %v", ok, err)
		}
		if ok, err := h.cache.IncrementCounter(ctx, "c", "3", ttl, 2); err != nil || ok {
			t.Fatalf("increment past max: ok %v err %v", ok, err)
		}
		if n, _ := h.cache.GetCounter(ctx, "c"); n != 2 {
			t.Fatalf("expected count 2, got %d", n)
		}

		n, removed, err := h.cache.DecrementCounter(ctx, "c", "2")
		if err != nil || !removed || n != 1 {
			t.Fatalf("decrement: n %d removed %v err %v", n, removed, err)
		}
		n, removed, err = h.cache.DecrementCounter(ctx, "c", "2")
		if err != nil || removed || n != 1 {
			t.Fatalf("second decrement: n %d removed %v err %v", n, removed, err)
		}
		if ok, err := h.cache.IncrementCounter(ctx, "c", "3", ttl, 2); err != nil || !ok {
			t.Fatalf("increment after release: ok %v err %v", ok, err)
		}
		if n, _, _ := h.cache.DecrementCounter(ctx, "missing", "x"); n != 0 {
			t.Fatalf("decrement of missing counter: %d", n)
		}
	})
}

func TestCacheCounterExpirations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		ttl := 10 * time.Millisecond
		count := func() int {
			t.Helper()
			n, err := h.cache.GetCounter(ctx, "c")
			if err != nil {
				t.Fatalf("get counter: %v", err)
			}
			return n
		}

		if ok, _ := h.cache.IncrementCounter(ctx, "c", "1", ttl, 2); !ok {
			t.Fatal("holder 1 rejected")
		}
		h.advance(5 * time.Millisecond)
		if ok, _ := h.cache.IncrementCounter(ctx, "c", "2", ttl, 2); !ok {
			t.Fatal("holder 2 rejected")
		}
		if ok, _ := h.cache.IncrementCounter(ctx, "c", "3", ttl, 2); ok {
			t.Fatal("holder 3 admitted past max")
		}
		if n := count(); n != 2 {
			t.Fatalf("t=5: expected 2, got %d", n)
		}

		h.advance(5 * time.Millisecond)
		if n := count(); n != 1 {
			t.Fatalf("t=10: expected 1, got %d", n)
		}
		if _, removed, _ := h.cache.DecrementCounter(ctx, "c", "1"); removed {
			t.Fatal("expired holder reported as removed")
		}
		if ok, _ := h.cache.IncrementCounter(ctx, "c", "3", ttl, 2); !ok {
			t.Fatal("holder 3 rejected after expiry freed a slot")
		}
		if n := count(); n != 2 {
			t.Fatalf("t=10: expected 2 after re-acquire, got %d", n)
		}

		h.advance(5 * time.Millisecond)
		if n := count(); n != 1 {
			t.Fatalf("t=15: expected 1, got %d", n)
		}
		h.advance(5 * time.Millisecond)
		if n := count(); n != 0 {
			t.Fatalf("t=20: expected 0, got %d", n)
		}
	})
}

func TestCacheCounterSameInstantExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if ok, err := h.cache.IncrementCounter(ctx, "c", id, 10*time.Millisecond, 3); err != nil || !ok {
				t.Fatalf("increment %s: ok %v err %v", id, ok, err)
			}
		}
		h.advance(9 * time.Millisecond)
		if n, _ := h.cache.GetCounter(ctx, "c"); n != 3 {
			t.Fatalf("expected 3 live holders, got %d", n)
		}
		h.advance(time.Millisecond)
		if n, _ := h.cache.GetCounter(ctx, "c"); n != 0 {
			t.Fatalf("expected all holders purged together, got %d", n)
		}
	})
}

func TestCacheCounterRejectsBadArguments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		if _, err := h.cache.IncrementCounter(ctx, "c", "1", 0, 1); !stdErrors.Is(err, coorderrors.ErrInvalidTTL) {
			t.Fatalf("expected ErrInvalidTTL, got %v", err)
		}
		if _, err := h.cache.IncrementCounter(ctx, "c", "1", time.Second, 0); !stdErrors.Is(err, coorderrors.ErrInvalidCapacity) {
			t.Fatalf("expected ErrInvalidCapacity, got %v", err)
		}
		if _, err := h.cache.IncrementCounter(ctx, "c", "1", 500*time.Microsecond, 1); !stdErrors.Is(err, coorderrors.ErrInvalidTTL) {
			t.Fatalf("sub-millisecond counter ttl: expected ErrInvalidTTL, got %v", err)
		}
		if n, _ := h.cache.GetCounter(ctx, "c"); n != 0 {
			t.Fatalf("rejected increment left %d holders", n)
		}
		if _, err := h.cache.SetValue(ctx, "v", "x", 500*time.Microsecond, false); !stdErrors.Is(err, coorderrors.ErrInvalidTTL) {
			t.Fatalf("sub-millisecond value ttl: expected ErrInvalidTTL, got %v", err)
		}
		if ok, err := h.cache.SetValue(ctx, "v", "x", time.Millisecond, false); err != nil || !ok {
			t.Fatalf("1ms value ttl: ok %v err %v", ok, err)
		}
		if got, err := Get[string](ctx, h.cache, "v"); err != nil || got != "x" {
			t.Fatalf("1ms value should be live until the clock moves: %q err %v", got, err)
		}
	})
}

func TestCacheCounterConcurrentBound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		const (
			workers  = 32
			maxValue = 5
		)
		var (
			wg       sync.WaitGroup
			admitted atomic.Int32
			errs     = make(chan error, workers)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := h.cache.IncrementCounter(ctx, "c", fmt.Sprintf("holder-%d", i), time.Minute, maxValue)
				if err != nil {
					errs <- err
					return
				}
				if ok {
					admitted.Add(1)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("increment: %v", err)
		}
		if got := admitted.Load(); got != maxValue {
			t.Fatalf("expected exactly %d admissions, got %d", maxValue, got)
		}
		if n, _ := h.cache.GetCounter(ctx, "c"); n != maxValue {
			t.Fatalf("expected count %d, got %d", maxValue, n)
		}
	})
}

func TestCacheHonoursCancelledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := h.cache.SetValue(ctx, "k", "v", 0, false); !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if _, err := h.cache.GetCounter(ctx, "c"); !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
