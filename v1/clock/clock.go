// Package clock supplies the "now" used for every TTL computation in go-coord.
//
// Timestamps are milliseconds since the Unix epoch. Production code uses Unix;
// tests use Manual and advance it explicitly so expiration is deterministic.
package clock

import (
	"sync/atomic"
	"time"
)

// TimestampProvider returns the current time in milliseconds.
type TimestampProvider interface {
	Now() int64
}

// Unix reads the wall clock.
type Unix struct{}

// Now implements TimestampProvider.
func (Unix) Now() int64 { return time.Now().UnixMilli() }

// Manual is a clock that only moves when told to. The zero value starts at 0
// and is ready to use.
type Manual struct {
	v atomic.Int64
}

// NewManual returns a Manual clock set to start.
func NewManual(start int64) *Manual {
	m := &Manual{}
	m.v.Store(start)
	return m
}

// Now implements TimestampProvider.
func (m *Manual) Now() int64 { return m.v.Load() }

// Set moves the clock to ms.
func (m *Manual) Set(ms int64) { m.v.Store(ms) }

// Advance moves the clock forward by d, truncated to milliseconds.
func (m *Manual) Advance(d time.Duration) { m.v.Add(d.Milliseconds()) }

// Increment moves the clock forward by one millisecond.
func (m *Manual) Increment() { m.v.Add(1) }
