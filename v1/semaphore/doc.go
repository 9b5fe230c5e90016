// Package semaphore provides a distributed counting semaphore on top of a
// cache.Provider. Each slot is tagged by a holder id with its own lease, so
// holders expire independently and an abandoned slot is reclaimed once its
// lease ends.
package semaphore
