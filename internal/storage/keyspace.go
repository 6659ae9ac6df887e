// Package storage implements the shared keyspace: a concurrent map from
// binary key to a tagged value (string, stream, or integer counter), with
// lazy TTL expiry and the write-then-publish locking discipline that
// couples mutations to replication order.
package storage

import (
	"strconv"
	"sync"
	"time"
)

// Kind tags the value stored under a key.
type Kind int

const (
	KindNone Kind = iota
	KindString
	KindStream
	KindInteger
)

// StreamEntry is one appended record: an opaque id plus field/value pairs.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Value is the tagged union stored per key.
type Value struct {
	Kind      Kind
	Bytes     string        // KindString
	ExpiresAt *time.Time    // KindString, optional
	Integer   int64         // KindInteger
	Entries   []StreamEntry // KindStream
}

// Keyspace is the single reader-writer-locked map backing the server.
// All mutation is serialised through one sync.RWMutex; see WriteGuard for
// how callers compose a mutation with a replication publish before the
// lock is released.
type Keyspace struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// New returns an empty keyspace.
func New() *Keyspace {
	return &Keyspace{data: make(map[string]*Value)}
}

// WriteGuard is returned, still held, by the mutating operations below.
// The caller MUST call the bus publish while the guard is held, then call
// Release — this is what binds mutation order to replication order (see
// SPEC_FULL §5).
type WriteGuard struct {
	ks *Keyspace
}

// Release unlocks the keyspace writer lock. Safe to call exactly once.
func (g *WriteGuard) Release() {
	g.ks.mu.Unlock()
}

// GetString returns the string bytes for key, or ok=false if the key is
// absent, expired (and is removed as a side effect), or not a string.
// Integer-kind values are rendered as their decimal form, matching how a
// GET of an INCR-created key behaves.
func (ks *Keyspace) GetString(key string) (string, bool) {
	ks.mu.RLock()
	v, found := ks.data[key]
	if !found {
		ks.mu.RUnlock()
		return "", false
	}
	if v.Kind == KindString && expired(v) {
		ks.mu.RUnlock()
		ks.deleteExpired(key)
		return "", false
	}
	defer ks.mu.RUnlock()
	switch v.Kind {
	case KindString:
		return v.Bytes, true
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10), true
	default:
		return "", false
	}
}

// GetValueKind reports the public type name for key: "none", "string", or
// "stream". Expired strings report "none".
func (ks *Keyspace) GetValueKind(key string) string {
	ks.mu.RLock()
	v, found := ks.data[key]
	if !found {
		ks.mu.RUnlock()
		return "none"
	}
	if v.Kind == KindString && expired(v) {
		ks.mu.RUnlock()
		ks.deleteExpired(key)
		return "none"
	}
	defer ks.mu.RUnlock()
	switch v.Kind {
	case KindStream:
		return "stream"
	default:
		return "string"
	}
}

// Keys returns a snapshot of all stored keys (expired strings are not
// filtered out proactively; a subsequent read removes them lazily).
func (ks *Keyspace) Keys() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]string, 0, len(ks.data))
	for k := range ks.data {
		out = append(out, k)
	}
	return out
}

// SetString stores bytes under key with an optional expiry, returning the
// still-held writer guard. The caller publishes the replication command
// while holding the guard, then releases it.
func (ks *Keyspace) SetString(key, bytes string, expiresAt *time.Time) *WriteGuard {
	ks.mu.Lock()
	ks.data[key] = &Value{Kind: KindString, Bytes: bytes, ExpiresAt: expiresAt}
	return &WriteGuard{ks: ks}
}

// Increment adds 1 to the integer value at key, creating it as Integer{0}
// first if absent, or promoting a decimal-parsable string. It returns the
// held writer guard and the new value, or ErrMismatch for a stream or a
// non-numeric string (in which case no guard is held).
func (ks *Keyspace) Increment(key string) (*WriteGuard, int64, error) {
	ks.mu.Lock()
	v, found := ks.data[key]
	if !found {
		nv := &Value{Kind: KindInteger, Integer: 1}
		ks.data[key] = nv
		return &WriteGuard{ks: ks}, nv.Integer, nil
	}
	switch v.Kind {
	case KindInteger:
		v.Integer++
		return &WriteGuard{ks: ks}, v.Integer, nil
	case KindString:
		n, err := strconv.ParseInt(v.Bytes, 10, 64)
		if err != nil {
			ks.mu.Unlock()
			return nil, 0, ErrMismatch
		}
		n++
		ks.data[key] = &Value{Kind: KindInteger, Integer: n}
		return &WriteGuard{ks: ks}, n, nil
	default:
		ks.mu.Unlock()
		return nil, 0, ErrMismatch
	}
}

// AppendToStream appends entry to the stream at key, creating an empty
// stream first if absent. Non-stream keys return ErrWrongType and no
// guard is held.
func (ks *Keyspace) AppendToStream(key string, entry StreamEntry) (*WriteGuard, error) {
	ks.mu.Lock()
	v, found := ks.data[key]
	if !found {
		v = &Value{Kind: KindStream}
		ks.data[key] = v
	} else if v.Kind != KindStream {
		ks.mu.Unlock()
		return nil, ErrWrongType
	}
	v.Entries = append(v.Entries, entry)
	return &WriteGuard{ks: ks}, nil
}

// DeleteExpired sweeps the keyspace removing any expired string key. Used
// by the periodic cron-scheduled active-expiration sweep.
func (ks *Keyspace) DeleteExpired() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	removed := 0
	now := time.Now()
	for k, v := range ks.data {
		if v.Kind == KindString && v.ExpiresAt != nil && !now.Before(*v.ExpiresAt) {
			delete(ks.data, k)
			removed++
		}
	}
	return removed
}

// LoadString seeds key with bytes and an optional expiry without taking
// part in replication; used only by the snapshot loader at startup.
func (ks *Keyspace) LoadString(key, bytes string, expiresAt *time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.data[key] = &Value{Kind: KindString, Bytes: bytes, ExpiresAt: expiresAt}
}

func expired(v *Value) bool {
	return v.ExpiresAt != nil && !time.Now().Before(*v.ExpiresAt)
}

func (ks *Keyspace) deleteExpired(key string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if v, ok := ks.data[key]; ok && v.Kind == KindString && expired(v) {
		delete(ks.data, key)
	}
}
