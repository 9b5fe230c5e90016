package cache

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

// Primitives is the set of atomic operations a remote Redis backend needs.
// now and ttl are milliseconds; expirations are stored as now+ttl.
type Primitives interface {
	ConditionalSet(ctx context.Context, rdb redis.UniversalClient, key string, payload []byte, ttl time.Duration, onlyIfNew bool) (bool, error)
	CompareAndDelete(ctx context.Context, rdb redis.UniversalClient, key string, expected []byte) (bool, error)
	IncrementCounter(ctx context.Context, rdb redis.UniversalClient, key, holderID string, now, ttl int64, maxValue int) (bool, error)
	DecrementCounter(ctx context.Context, rdb redis.UniversalClient, key, holderID string, now int64) (int, bool, error)
	GetCounter(ctx context.Context, rdb redis.UniversalClient, key string, now int64) (int, error)
}

var (
	_ Primitives = ScriptPrimitives{}
	_ Primitives = CASPrimitives{}
)

func conditionalSet(ctx context.Context, rdb redis.UniversalClient, key string, payload []byte, ttl time.Duration, onlyIfNew bool) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if onlyIfNew {
		return rdb.SetNX(ctx, key, payload, ttl).Result()
	}
	if err := rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// KEYS[1] counter, ARGV[1] holder, ARGV[2] now, ARGV[3] expiration, ARGV[4] ttl, ARGV[5] max
var incrScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
    return 1
end
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[5]) then
    return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
if redis.call("PTTL", KEYS[1]) < tonumber(ARGV[4]) then
    redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

// KEYS[1] counter, ARGV[1] holder, ARGV[2] now
var decrScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
return {redis.call("ZCARD", KEYS[1]), removed}
`)

// KEYS[1] counter, ARGV[1] now
var countScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

// ScriptPrimitives runs every compound operation as a single Lua script, so
// Redis executes it without interleaving.
type ScriptPrimitives struct{}

// ConditionalSet implements Primitives.
func (ScriptPrimitives) ConditionalSet(ctx context.Context, rdb redis.UniversalClient, key string, payload []byte, ttl time.Duration, onlyIfNew bool) (bool, error) {
	return conditionalSet(ctx, rdb, key, payload, ttl, onlyIfNew)
}

// CompareAndDelete implements Primitives.
func (ScriptPrimitives) CompareAndDelete(ctx context.Context, rdb redis.UniversalClient, key string, expected []byte) (bool, error) {
	n, err := delScript.Run(ctx, rdb, []string{key}, expected).Int64()
	if err == redis.Nil {
		err = nil
	}
	return n == 1, err
}

// IncrementCounter implements Primitives.
func (ScriptPrimitives) IncrementCounter(ctx context.Context, rdb redis.UniversalClient, key, holderID string, now, ttl int64, maxValue int) (bool, error) {
	n, err := incrScript.Run(ctx, rdb, []string{key},
		holderID,
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now+ttl, 10),
		strconv.FormatInt(ttl, 10),
		strconv.Itoa(maxValue),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DecrementCounter implements Primitives.
func (ScriptPrimitives) DecrementCounter(ctx context.Context, rdb redis.UniversalClient, key, holderID string, now int64) (int, bool, error) {
	res, err := decrScript.Run(ctx, rdb, []string{key}, holderID, strconv.FormatInt(now, 10)).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("coord: unexpected decrement reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// GetCounter implements Primitives.
func (ScriptPrimitives) GetCounter(ctx context.Context, rdb redis.UniversalClient, key string, now int64) (int, error) {
	n, err := countScript.Run(ctx, rdb, []string{key}, strconv.FormatInt(now, 10)).Int64()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

const defaultCASAttempts = 16

// CASPrimitives implements the compound operations as optimistic
// WATCH/MULTI/EXEC transactions, retried when another writer touched the key.
// It suits deployments where server-side scripting is disabled.
type CASPrimitives struct {
	// MaxAttempts bounds the optimistic retries. Zero means 16.
	MaxAttempts int
}

func (p CASPrimitives) watch(ctx context.Context, rdb redis.UniversalClient, key string, fn func(*redis.Tx) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = defaultCASAttempts
	}
	for i := 0; i < attempts; i++ {
		err := rdb.Watch(ctx, fn, key)
		if !stdErrors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: key %q after %d attempts", coorderrors.ErrConflict, key, attempts)
}

func liveHolders(ctx context.Context, tx *redis.Tx, key, now string) ([]string, error) {
	return tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
}

// ConditionalSet implements Primitives. SET NX is a single command and needs
// no transaction.
func (CASPrimitives) ConditionalSet(ctx context.Context, rdb redis.UniversalClient, key string, payload []byte, ttl time.Duration, onlyIfNew bool) (bool, error) {
	return conditionalSet(ctx, rdb, key, payload, ttl, onlyIfNew)
}

// CompareAndDelete implements Primitives.
func (p CASPrimitives) CompareAndDelete(ctx context.Context, rdb redis.UniversalClient, key string, expected []byte) (bool, error) {
	var deleted bool
	err := p.watch(ctx, rdb, key, func(tx *redis.Tx) error {
		deleted = false
		cur, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, expected) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	})
	return deleted, err
}

// IncrementCounter implements Primitives.
func (p CASPrimitives) IncrementCounter(ctx context.Context, rdb redis.UniversalClient, key, holderID string, now, ttl int64, maxValue int) (bool, error) {
	nowArg := strconv.FormatInt(now, 10)
	gc := time.Duration(ttl) * time.Millisecond
	var ok bool
	err := p.watch(ctx, rdb, key, func(tx *redis.Tx) error {
		ok = false
		live, err := liveHolders(ctx, tx, key, nowArg)
		if err != nil {
			return err
		}
		if slices.Contains(live, holderID) {
			ok = true
			return nil
		}
		if len(live) >= maxValue {
			return nil
		}
		pttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", nowArg)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(now + ttl), Member: holderID})
			if pttl < gc {
				pipe.PExpire(ctx, key, gc)
			}
			return nil
		})
		if err == nil {
			ok = true
		}
		return err
	})
	return ok, err
}

// DecrementCounter implements Primitives.
func (p CASPrimitives) DecrementCounter(ctx context.Context, rdb redis.UniversalClient, key, holderID string, now int64) (int, bool, error) {
	nowArg := strconv.FormatInt(now, 10)
	var (
		count   int
		removed bool
	)
	err := p.watch(ctx, rdb, key, func(tx *redis.Tx) error {
		live, err := liveHolders(ctx, tx, key, nowArg)
		if err != nil {
			return err
		}
		removed = slices.Contains(live, holderID)
		count = len(live)
		if removed {
			count--
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", nowArg)
			if removed {
				pipe.ZRem(ctx, key, holderID)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return count, removed, nil
}

// GetCounter implements Primitives. Purge and count run in one MULTI block.
func (CASPrimitives) GetCounter(ctx context.Context, rdb redis.UniversalClient, key string, now int64) (int, error) {
	var card *redis.IntCmd
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now, 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}
