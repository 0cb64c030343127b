// Package lock provides scope locks so that two pipeline runs touching the
// same group never execute at the same time.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker claims a set of keys all-or-nothing for a holder token.
type Locker interface {
	// Claim takes every key for token, or none of them. It reports false
	// when any key is already held.
	Claim(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error)
	// Release drops the keys still held by token.
	Release(ctx context.Context, keys []string, token string) error
}

// MemoryLocker is the in-process Locker used when Redis is not configured.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryClaim
	clock func() time.Time
}

type memoryClaim struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryClaim), clock: time.Now}
}

// Claim implements Locker.
func (m *MemoryLocker) Claim(_ context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for _, k := range keys {
		if c, ok := m.held[k]; ok && now.Before(c.expires) {
			return false, nil
		}
	}
	for _, k := range keys {
		m.held[k] = memoryClaim{token: token, expires: now.Add(ttl)}
	}
	return true, nil
}

// Release implements Locker.
func (m *MemoryLocker) Release(_ context.Context, keys []string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		if c, ok := m.held[k]; ok && c.token == token {
			delete(m.held, k)
		}
	}
	return nil
}
