package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mirkobrombin/go-coord/v1/clock"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

const memoryShards = 64

type valueEntry struct {
	data      []byte
	expiresAt int64 // 0 means no expiry
}

func (e valueEntry) live(now int64) bool {
	return e.expiresAt == 0 || e.expiresAt > now
}

// counterEntry maps an expiration instant to the holders recorded at it.
type counterEntry map[int64][]string

func (e counterEntry) purge(now int64) {
	for exp := range e {
		if exp <= now {
			delete(e, exp)
		}
	}
}

func (e counterEntry) count() int {
	n := 0
	for _, ids := range e {
		n += len(ids)
	}
	return n
}

func (e counterEntry) has(id string) bool {
	for _, ids := range e {
		for _, v := range ids {
			if v == id {
				return true
			}
		}
	}
	return false
}

func (e counterEntry) remove(id string) bool {
	for exp, ids := range e {
		for i, v := range ids {
			if v != id {
				continue
			}
			ids = append(ids[:i], ids[i+1:]...)
			if len(ids) == 0 {
				delete(e, exp)
			} else {
				e[exp] = ids
			}
			return true
		}
	}
	return false
}

type shard struct {
	mu       sync.Mutex
	values   map[string]valueEntry
	counters map[string]counterEntry
}

// value returns the live value under key, dropping a stale one. Callers hold mu.
func (s *shard) value(key string, now int64) (valueEntry, bool) {
	e, ok := s.values[key]
	if ok && !e.live(now) {
		delete(s.values, key)
		return valueEntry{}, false
	}
	return e, ok
}

// counter returns the purged counter under key, dropping it when no holder is
// live. Callers hold mu.
func (s *shard) counter(key string, now int64) (counterEntry, bool) {
	e, ok := s.counters[key]
	if !ok {
		return nil, false
	}
	e.purge(now)
	if len(e) == 0 {
		delete(s.counters, key)
		return nil, false
	}
	return e, true
}

// MemoryCache is the in-process reference Cache. Keys are spread over a fixed
// set of striped locks; each operation runs under its key's lock, which gives
// it the same all-or-nothing behaviour the Redis scripts have.
type MemoryCache struct {
	shards [memoryShards]shard
	clock  clock.TimestampProvider
	codec  Codec
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMemoryClock sets the timestamp provider. Defaults to clock.Unix.
func WithMemoryClock(c clock.TimestampProvider) MemoryOption {
	return func(m *MemoryCache) { m.clock = c }
}

// WithMemoryCodec sets the value codec. Defaults to JSONCodec.
func WithMemoryCodec(c Codec) MemoryOption {
	return func(m *MemoryCache) { m.codec = c }
}

// NewMemory returns an empty MemoryCache.
func NewMemory(opts ...MemoryOption) *MemoryCache {
	m := &MemoryCache{clock: clock.Unix{}, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i].values = make(map[string]valueEntry)
		m.shards[i].counters = make(map[string]counterEntry)
	}
	return m
}

func (m *MemoryCache) shardFor(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%memoryShards]
}

func wrongKind(key, want string) error {
	return fmt.Errorf("%w: key %q does not hold a %s", coorderrors.ErrTypeMismatch, key, want)
}

// SetValue implements Cache.SetValue.
func (m *MemoryCache) SetValue(ctx context.Context, key string, value any, ttl time.Duration, onlyIfNew bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateValueTTL(ttl); err != nil {
		return false, err
	}
	data, err := m.codec.Marshal(value)
	if err != nil {
		return false, err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()
	if _, ok := s.counter(key, now); ok {
		if onlyIfNew {
			return false, nil
		}
		delete(s.counters, key)
	}
	if _, ok := s.value(key, now); ok && onlyIfNew {
		return false, nil
	}
	e := valueEntry{data: data}
	if ttl > 0 {
		e.expiresAt = now + ttl.Milliseconds()
	}
	s.values[key] = e
	return true, nil
}

// GetValue implements Cache.GetValue.
func (m *MemoryCache) GetValue(ctx context.Context, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	now := m.clock.Now()
	if _, ok := s.counter(key, now); ok {
		s.mu.Unlock()
		return wrongKind(key, "value")
	}
	e, ok := s.value(key, now)
	s.mu.Unlock()
	if !ok {
		return notFound(key)
	}
	return decode(m.codec, key, e.data, out)
}

// DeleteValue implements Cache.DeleteValue.
func (m *MemoryCache) DeleteValue(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()
	if _, ok := s.value(key, now); ok {
		delete(s.values, key)
		return true, nil
	}
	if _, ok := s.counter(key, now); ok {
		delete(s.counters, key)
		return true, nil
	}
	return false, nil
}

// CompareAndDelete implements Cache.CompareAndDelete.
func (m *MemoryCache) CompareAndDelete(ctx context.Context, key string, expected any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	want, err := m.codec.Marshal(expected)
	if err != nil {
		return false, err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.value(key, m.clock.Now())
	if !ok || !bytes.Equal(e.data, want) {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// IncrementCounter implements Cache.IncrementCounter.
func (m *MemoryCache) IncrementCounter(ctx context.Context, key, holderID string, ttl time.Duration, maxValue int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateCounter(ttl, maxValue); err != nil {
		return false, err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()
	if _, ok := s.value(key, now); ok {
		return false, wrongKind(key, "counter")
	}
	entry, ok := s.counter(key, now)
	if !ok {
		entry = make(counterEntry)
	}
	if entry.has(holderID) {
		return true, nil
	}
	if entry.count() >= maxValue {
		return false, nil
	}
	exp := now + ttl.Milliseconds()
	entry[exp] = append(entry[exp], holderID)
	s.counters[key] = entry
	return true, nil
}

// DecrementCounter implements Cache.DecrementCounter.
func (m *MemoryCache) DecrementCounter(ctx context.Context, key, holderID string) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()
	if _, ok := s.value(key, now); ok {
		return 0, false, wrongKind(key, "counter")
	}
	entry, ok := s.counter(key, now)
	if !ok {
		return 0, false, nil
	}
	removed := entry.remove(holderID)
	n := entry.count()
	if n == 0 {
		delete(s.counters, key)
	}
	return n, removed, nil
}

// GetCounter implements Cache.GetCounter.
func (m *MemoryCache) GetCounter(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()
	if _, ok := s.value(key, now); ok {
		return 0, wrongKind(key, "counter")
	}
	entry, ok := s.counter(key, now)
	if !ok {
		return 0, nil
	}
	return entry.count(), nil
}

// Len reports the number of keys currently stored, live or not yet purged.
func (m *MemoryCache) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.values) + len(s.counters)
		s.mu.Unlock()
	}
	return n
}
