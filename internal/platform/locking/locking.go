// Package locking provides short-lived named leases used to make sure a
// scheduled job runs in at most one place at a time.
package locking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseLost is returned by Release when the lease expired and was taken
// over before it was released.
var ErrLeaseLost = errors.New("lease no longer held")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases. TryLock never blocks waiting for a holder: ok is
// false when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// LocalLocker serializes holders within a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal creates an in-process locker.
func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

// WithClock replaces the time source used for lease expiry.
func (l *LocalLocker) WithClock(now func() time.Time) *LocalLocker {
	if now != nil {
		l.mu.Lock()
		l.now = now
		l.mu.Unlock()
	}
	return l
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, true, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
	once   sync.Once
	err    error
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		entry, ok := l.locker.held[l.key]
		if !ok || entry.token != l.token {
			l.err = ErrLeaseLost
			return
		}
		delete(l.locker.held, l.key)
	})
	return l.err
}
