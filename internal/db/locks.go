package db

import (
	"github.com/txnkv/core"
)

// TryLock attempts to acquire the named in-process lock for owner,
// returning false without blocking if another owner already holds it.
func (h *Handle) TryLock(name, owner string) bool {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	e, ok := h.locks[name]
	if !ok {
		h.locks[name] = &lockEntry{owner: owner}
		return true
	}
	return e.owner == owner
}

// HasLock reports whether name is currently held by anyone.
func (h *Handle) HasLock(name string) bool {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	_, ok := h.locks[name]
	return ok
}

// Unlock releases name, previously acquired by owner, running every
// waiter's release callback registered via OnRelease.
// Fails with INVALID_ARGUMENT if owner does not hold name.
func (h *Handle) Unlock(name, owner string) error {
	h.locksMu.Lock()
	e, ok := h.locks[name]
	if !ok || e.owner != owner {
		h.locksMu.Unlock()
		return core.New(core.KindInvalidArgument, "lock %q not held by %q", name, owner)
	}
	delete(h.locks, name)
	waiters := e.waiters
	h.locksMu.Unlock()

	for _, cb := range waiters {
		cb()
	}
	return nil
}

// WithLock runs fn while holding name under owner, acquiring it first if
// free and releasing it (running any registered release callbacks)
// afterward. Returns core.KindBusy if name is held by a different owner.
func (h *Handle) WithLock(name, owner string, fn func() error) error {
	if !h.TryLock(name, owner) {
		return core.New(core.KindBusy, "lock %q held by another owner", name)
	}
	defer h.Unlock(name, owner)
	return fn()
}

// OnRelease registers a callback to run the next time name is unlocked,
// regardless of who releases it. Used by callers that want to be woken
// rather than poll has_lock.
func (h *Handle) OnRelease(name string, cb func()) {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	e, ok := h.locks[name]
	if !ok {
		cb()
		return
	}
	e.waiters = append(e.waiters, cb)
}
