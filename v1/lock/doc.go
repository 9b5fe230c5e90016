// Package lock provides a distributed mutual-exclusion lock on top of a
// cache.Provider. A lock is a single value under "lock:<name>" holding a
// random token; it is taken with a set-if-absent write and released with a
// compare-and-delete, so a holder whose lease expired can never remove a
// successor's lock.
//
// Acquire is try-once: a held lock yields errors.ErrResourceUnavailable and
// callers decide whether to wait and retry.
package lock
