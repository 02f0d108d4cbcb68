// Package lock provides short-lived, best-effort mutual exclusion keyed by
// string. The Redis implementation works across processes; the local one
// only within a process.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrHeld is returned by TryLock when another holder owns the key
	ErrHeld = errors.New("lock is held")
	// ErrLost is returned by Lease.Extend once the key expired and was
	// taken by someone else
	ErrLost = errors.New("lock lost")
)

// Lease is a held lock. Releasing twice, or after expiry, is a no-op.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker is an in-process Locker
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
	seq  uint64
}

type localEntry struct {
	id        uint64
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]localEntry),
		now:  time.Now,
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		return nil, ErrHeld
	}

	l.seq++
	l.held[key] = localEntry{id: l.seq, expiresAt: now.Add(ttl)}

	return &localLease{locker: l, key: key, id: l.seq}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	id     uint64
}

// Extend succeeds while nobody else has taken the key, even past expiry
func (le *localLease) Extend(_ context.Context, ttl time.Duration) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.held[le.key]
	if !ok || entry.id != le.id {
		return ErrLost
	}
	entry.expiresAt = l.now().Add(ttl)
	l.held[le.key] = entry
	return nil
}

func (le *localLease) Release(context.Context) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.held[le.key]; ok && entry.id == le.id {
		delete(l.held, le.key)
	}
	return nil
}
