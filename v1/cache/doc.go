// Package cache provides the key-value layer go-coord's locks and semaphores
// are built on.
//
// Two backends implement Cache: MemoryCache, an in-process reference that
// serializes each operation under a striped per-key lock, and RedisCache,
// which relies on Redis for atomicity through either Lua scripts
// (ScriptPrimitives) or WATCH/MULTI transactions (CASPrimitives).
//
// Resilient retries transient store faults with exponential backoff and asks
// a Recoverer (normally the shared Conn) for a fresh connection between
// attempts. RedisProvider wires the three together and hands out a new Cache
// per coordination attempt.
//
// Expiration is lazy. Counter operations purge expired holders as a side
// effect; nothing sweeps in the background.
package cache
