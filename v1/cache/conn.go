package cache

import (
	"context"
	"log/slog"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-coord/v1/metrics"
)

// Conn is the process-wide handle to the backing Redis store. The client is
// dialed lazily on first use and replaced wholesale by Recover; it is never
// repaired in place.
type Conn struct {
	dial  func() redis.UniversalClient
	cur   atomic.Pointer[connState]
	gens  atomic.Uint64
	group singleflight.Group
	log   *slog.Logger
}

type connState struct {
	client redis.UniversalClient
	gen    uint64
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnLogger sets the logger used to report reconnects.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.log = l }
}

// NewConn returns a Conn that uses dial to create clients.
func NewConn(dial func() redis.UniversalClient, opts ...ConnOption) *Conn {
	c := &Conn{dial: dial, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewConnFromOptions returns a Conn dialing redis.NewUniversalClient(o).
func NewConnFromOptions(o *redis.UniversalOptions, opts ...ConnOption) *Conn {
	return NewConn(func() redis.UniversalClient { return redis.NewUniversalClient(o) }, opts...)
}

// Client returns the current client, dialing it on first use.
func (c *Conn) Client() redis.UniversalClient {
	return c.state().client
}

// state returns the current client with its generation, dialing on first use.
func (c *Conn) state() *connState {
	if st := c.cur.Load(); st != nil {
		return st
	}
	v, _, _ := c.group.Do("dial", func() (any, error) {
		if st := c.cur.Load(); st != nil {
			return st, nil
		}
		st := &connState{client: c.dial(), gen: c.gens.Add(1)}
		c.cur.Store(st)
		return st, nil
	})
	return v.(*connState)
}

// Generation reports the generation of the current client; zero before the
// first dial or after Close. Generations only grow.
func (c *Conn) Generation() uint64 {
	if st := c.cur.Load(); st != nil {
		return st.gen
	}
	return 0
}

// Recover swaps in a freshly dialed client and closes the previous one.
// failed is the generation the faulting call ran on; when the connection
// has already moved past it the call is a no-op, so a late report never
// tears down a client other callers are using. Zero means unknown and always
// recreates. Concurrent calls share a single recreation.
func (c *Conn) Recover(ctx context.Context, failed uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.stale(failed) {
		return nil
	}
	_, err, _ := c.group.Do("recover", func() (any, error) {
		if c.stale(failed) {
			return nil, nil
		}
		old := c.cur.Load()
		next := &connState{client: c.dial(), gen: c.gens.Add(1)}
		if !c.cur.CompareAndSwap(old, next) {
			// Lost to a concurrent dial; keep the winner.
			_ = next.client.Close()
			return nil, nil
		}
		if old != nil {
			_ = old.client.Close()
		}
		metrics.ReconnectCounter.Inc()
		c.log.Info("coord: redis connection recreated", "generation", next.gen)
		return nil, nil
	})
	return err
}

func (c *Conn) stale(failed uint64) bool {
	if failed == 0 {
		return false
	}
	st := c.cur.Load()
	if st != nil && st.gen > failed {
		c.log.Debug("coord: ignoring recovery for a replaced connection", "failed", failed, "generation", st.gen)
		return true
	}
	return false
}

// Close closes the current client. A later call to Client dials again.
func (c *Conn) Close() error {
	st := c.cur.Swap(nil)
	if st == nil {
		return nil
	}
	return st.client.Close()
}
