package cache

import (
	"fmt"
	"strings"
)

// Atomicity selects how RedisCache makes compound operations atomic.
type Atomicity string

const (
	// AtomicityScript runs each compound operation as a server-side Lua
	// script.
	AtomicityScript Atomicity = "script"
	// AtomicityCAS runs each compound operation as an optimistic
	// WATCH/MULTI/EXEC transaction, for stores that disallow scripting.
	AtomicityCAS Atomicity = "cas"
)

// NewPrimitives returns the Primitives for a. The default is
// AtomicityScript.
func NewPrimitives(a Atomicity) (Primitives, error) {
	switch Atomicity(strings.ToLower(string(a))) {
	case "", AtomicityScript:
		return ScriptPrimitives{}, nil
	case AtomicityCAS:
		return CASPrimitives{}, nil
	}
	return nil, fmt.Errorf("cache: unknown atomicity %q", a)
}

// NewCodec returns the codec registered under name: json, gob, msgpack, cbor
// or byte. The default is json.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "gob":
		return GobCodec{}, nil
	case "byte":
		return ByteCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		c, err := NewCBORCodec()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("cache: unknown codec %q", name)
}
