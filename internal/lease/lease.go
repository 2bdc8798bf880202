// Package lease grants exclusive ownership of a capture context, either
// in-process or across nodes through Redis.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/errkind"
)

// ErrHeld is returned when another owner holds the key.
var ErrHeld = errkind.Sentinel(errkind.SessionAlreadyActive)

type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
	Close() error
}

type Lease interface {
	Key() string
	// Renew extends the lease by ttl. It fails with ErrHeld once the lease
	// was released or another owner took the key.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release is a no-op if the lease expired and someone else took it.
	Release(ctx context.Context) error
}

// New builds the locker selected by cfg.Mode.
func New(ctx context.Context, cfg config.LeaseConfig, log *slog.Logger) (Locker, error) {
	if cfg.Mode == "redis" {
		return NewRedis(ctx, cfg, log)
	}
	return NewLocal(), nil
}

func held(key string) error {
	return errkind.New(errkind.SessionAlreadyActive, "capture context %s already has an active session", key)
}

type LocalLocker struct {
	mu     sync.Mutex
	owners map[string]localEntry
	clock  func() time.Time
}

type localEntry struct {
	owner   string
	expires time.Time
}

func NewLocal() *LocalLocker {
	return &LocalLocker{owners: make(map[string]localEntry), clock: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.owners[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, held(key)
	}
	e := localEntry{owner: owner}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.owners[key] = e
	return &localLease{locker: l, key: key, owner: owner}, nil
}

func (l *LocalLocker) Close() error { return nil }

type localLease struct {
	locker *LocalLocker
	key    string
	owner  string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Renew(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	e, ok := l.locker.owners[l.key]
	if !ok || e.owner != l.owner {
		return held(l.key)
	}
	e.expires = time.Time{}
	if ttl > 0 {
		e.expires = l.locker.clock().Add(ttl)
	}
	l.locker.owners[l.key] = e
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.owners[l.key]; ok && e.owner == l.owner {
		delete(l.locker.owners, l.key)
	}
	return nil
}
