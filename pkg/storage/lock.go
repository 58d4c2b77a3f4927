package storage

import (
	"context"
	"sync"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Lock keys used by the workspace writers.
const (
	LockKindInit    = "init"
	LockKindGraph   = "graph"
	LockKindJournal = "journal"
)

// LockKey builds the canonical per-workspace lock key, e.g. "graph:/path/ws".
func LockKey(kind, workspace string) string {
	return kind + ":" + workspace
}

// KeyLock serializes writers per string key with strict FIFO ordering:
// while a holder runs, later acquirers of the same key queue in arrival
// order; different keys proceed independently. The lock is in-process only;
// cross-process coordination is out of scope.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	held    bool
	waiters []chan struct{}
}

// NewKeyLock returns an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*lockState)}
}

// Acquire blocks until the key is free (or ctx ends) and returns a release
// function. Release must be called exactly once. Waiters are granted the
// lock in the order they called Acquire.
func (k *KeyLock) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(ctx)
	}

	k.mu.Lock()
	st, ok := k.locks[key]
	if !ok {
		st = &lockState{}
		k.locks[key] = st
	}
	if !st.held {
		st.held = true
		k.mu.Unlock()
		return func() { k.release(key) }, nil
	}

	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	k.mu.Unlock()

	select {
	case <-ch:
		return func() { k.release(key) }, nil
	case <-ctx.Done():
		k.mu.Lock()
		for i, w := range st.waiters {
			if w == ch {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				k.mu.Unlock()
				return nil, errs.FromContext(ctx)
			}
		}
		k.mu.Unlock()
		// The grant raced the cancellation and won; we own the lock and
		// must hand it on before reporting the context error.
		k.release(key)
		return nil, errs.FromContext(ctx)
	}
}

// release hands the key to the oldest waiter, or frees it.
func (k *KeyLock) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := k.locks[key]
	if st == nil {
		return
	}
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(next)
		return
	}
	st.held = false
	delete(k.locks, key)
}

// WithLock runs fn while holding the key.
func (k *KeyLock) WithLock(ctx context.Context, key string, fn func() error) error {
	release, err := k.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
