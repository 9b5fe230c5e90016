package presets

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

func exercise(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := context.Background()

	h, err := c.Locks.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("lock acquire: %v", err)
	}
	if _, err := c.Locks.Acquire(ctx, "job", time.Minute); !stdErrors.Is(err, coorderrors.ErrResourceUnavailable) {
		t.Fatalf("expected lock held, got %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("lock release: %v", err)
	}

	s, err := c.Semaphores.Acquire(ctx, "pool", "w1", time.Minute, 1)
	if err != nil {
		t.Fatalf("semaphore acquire: %v", err)
	}
	if n, err := c.Semaphores.GetCount(ctx, "pool"); err != nil || n != 1 {
		t.Fatalf("expected count 1, got %d err %v", n, err)
	}
	if err := s.Release(ctx); err != nil {
		t.Fatalf("semaphore release: %v", err)
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	c := NewInMemoryStandalone()
	defer c.Close()
	exercise(t, c)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, opts := range []RedisOptions{
		{Addr: mr.Addr()},
		{URL: "redis://" + mr.Addr() + "/0", Atomicity: "cas", Codec: "msgpack", Tracing: true},
		{Addr: mr.Addr(), Codec: "cbor", OpTimeout: time.Second, MaxRetries: -1},
	} {
		c, err := NewRedis(opts)
		if err != nil {
			t.Fatalf("new redis %+v: %v", opts, err)
		}
		exercise(t, c)
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestNewRedisRejectsBadOptions(t *testing.T) {
	for _, opts := range []RedisOptions{
		{URL: "http://nope"},
		{Addr: "localhost:6379", Atomicity: "paxos"},
		{Addr: "localhost:6379", Codec: "xml"},
	} {
		if _, err := NewRedis(opts); err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
	}
}
