package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker for tests and single-process runs.
type MemoryLocker struct {
	mu        sync.Mutex
	held      map[string]memoryEntry
	now       func() time.Time
	onContend ContentionObserver
}

func NewMemoryLocker(onContend ContentionObserver) *MemoryLocker {
	return &MemoryLocker{
		held:      make(map[string]memoryEntry),
		now:       time.Now,
		onContend: onContend,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		if l.onContend != nil {
			l.onContend(key)
		}
		return nil, false, nil
	}

	token := newToken()
	l.held[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if entry, ok := l.held[key]; ok && entry.token == token {
			delete(l.held, key)
		}
		return nil
	}
	return release, true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.held[key]
	return ok && l.now().Before(entry.expiresAt)
}
