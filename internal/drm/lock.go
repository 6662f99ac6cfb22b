package drm

import (
	"context"
	"maps"
	"sync"

	"tessera/internal/keys"
)

// identityLocks serializes work per content identity. Distinct identities
// never wait on each other.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	sem  chan struct{}
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[string]*identityLock)}
}

// acquire blocks until identity is free or ctx is done.
func (l *identityLocks) acquire(ctx context.Context, identity string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[identity]
	if !ok {
		lock = &identityLock{sem: make(chan struct{}, 1)}
		l.locks[identity] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			l.unref(identity, lock)
		}, nil
	case <-ctx.Done():
		l.unref(identity, lock)
		return nil, ctx.Err()
	}
}

func (l *identityLocks) unref(identity string, lock *identityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, identity)
	}
}

// resolvedCache remembers the reconciled keys of each identity for the run,
// so a second track sharing an identity reuses the first exchange. Each key
// keeps the source it was first resolved from.
type resolvedCache struct {
	mu   sync.Mutex
	sets map[string]map[keys.KID]sourcedKey
}

func newResolvedCache() *resolvedCache {
	return &resolvedCache{sets: make(map[string]map[keys.KID]sourcedKey)}
}

func (c *resolvedCache) get(identity string) map[keys.KID]sourcedKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.sets[identity])
}

func (c *resolvedCache) merge(identity string, entries map[keys.KID]sourcedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.sets[identity]
	if !ok {
		existing = make(map[keys.KID]sourcedKey, len(entries))
		c.sets[identity] = existing
	}
	for kid, entry := range entries {
		if entry.key.IsBlank() {
			continue
		}
		existing[kid] = entry
	}
}

// sortedKIDs returns the KIDs of entries in byte order.
func sortedKIDs(entries map[keys.KID]sourcedKey) []keys.KID {
	out := make([]keys.KID, 0, len(entries))
	for kid := range entries {
		out = append(out, kid)
	}
	keys.SortKIDs(out)
	return out
}
