package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	holder    string
	expiresAt time.Time
}

// MemoryLocker is a single-process Locker used in tests and local runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// WithClock overrides the time source.
func (m *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *MemoryLocker) Acquire(_ context.Context, key, holder string, ttl time.Duration) (Result, error) {
	if err := validate(key, holder, ttl); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[key]
	if ok && now.Before(cur.expiresAt) && cur.holder != holder {
		return Result{Acquired: false, CurrentHolder: cur.holder, ExpiresAt: cur.expiresAt}, nil
	}

	entry := memoryEntry{holder: holder, expiresAt: now.Add(ttl)}
	m.locks[key] = entry
	return Result{Acquired: true, CurrentHolder: holder, ExpiresAt: entry.expiresAt}, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, holder string) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok {
		return ReleaseResult{Released: true, Reason: ReasonNotHeld}, nil
	}
	if !m.now().Before(cur.expiresAt) {
		delete(m.locks, key)
		return ReleaseResult{Released: true, Reason: ReasonNotHeld}, nil
	}
	if cur.holder != holder {
		return ReleaseResult{Released: false, Reason: ReasonNotHolder}, nil
	}
	delete(m.locks, key)
	return ReleaseResult{Released: true, Reason: ReasonReleased}, nil
}
