package syncer

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// KeyedLocks serializes work per key. Waiters queue until the holder
// releases or their context ends.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocks creates an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*keyedLock)}
}

// SyncKey is the lock key of one (repository, branch) pair.
func SyncKey(repo, branch string) string {
	return repo + "\x00" + branch
}

func (k *KeyedLocks) acquireRef(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedLocks) releaseRef(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned func releases the lock.
func (k *KeyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	l := k.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.releaseRef(key, l)
		return nil, types.ContextError(ctx)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.releaseRef(key, l)
		})
	}, nil
}

// LockAll takes every key in sorted order, so two LockAll callers never
// deadlock. On failure the keys already taken are released.
func (k *KeyedLocks) LockAll(ctx context.Context, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range sorted {
		unlock, err := k.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// TryLock takes key only if it is free.
func (k *KeyedLocks) TryLock(key string) (func(), bool) {
	l := k.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
	default:
		k.releaseRef(key, l)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.releaseRef(key, l)
		})
	}, true
}

// Held reports whether key is currently locked.
func (k *KeyedLocks) Held(key string) bool {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()
	return ok && len(l.sem) > 0
}
