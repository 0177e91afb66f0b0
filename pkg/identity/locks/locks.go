// Package locks provides per-identity mutual exclusion for graph mutations.
package locks

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Locker acquires exclusive access to a set of keys. Keys are acquired in
// sorted order so overlapping requests cannot deadlock. The returned function
// releases every key and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// IdentityKey returns the lock key of an identity.
func IdentityKey(id int64) string {
	return "identity:" + strconv.FormatInt(id, 10)
}

// IdentityKeys returns the lock keys of ids.
func IdentityKeys(ids ...int64) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, IdentityKey(id))
	}
	return keys
}

func normalizeKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	uniq := out[:0]
	for i, k := range out {
		if i == 0 || k != out[i-1] {
			uniq = append(uniq, k)
		}
	}
	return uniq
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
		held = held[:0]
	}

	for _, key := range keys {
		if err := k.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return onceFunc(release), nil
}

func (k *KeyedMutex) lock(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.dropRef(key, e)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *KeyedMutex) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return
	}
	<-e.ch
	k.dropRef(key, e)
}

func (k *KeyedMutex) dropRef(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of live entries.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func onceFunc(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
