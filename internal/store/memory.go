package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Memory is a process-local SuppressionStore and AttemptStore. State does not
// survive a restart.
type Memory struct {
	mu           sync.RWMutex
	suppressions map[string]SuppressionEntry
	attempts     map[string]int
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		suppressions: make(map[string]SuppressionEntry),
		attempts:     make(map[string]int),
	}
}

func (m *Memory) Get(_ context.Context, recipient string) (*SuppressionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.suppressions[recipient]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) Put(_ context.Context, entry SuppressionEntry) error {
	if entry.Recipient == "" {
		return Wrap("put", ErrInvalidKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suppressions[entry.Recipient] = entry
	return nil
}

func (m *Memory) RemoveExpired(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.suppressions {
		if e.SuppressedUntil.Before(before) {
			delete(m.suppressions, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Delete(_ context.Context, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.suppressions, recipient)
	return nil
}

// List returns a copy of all suppression entries
func (m *Memory) List() []SuppressionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SuppressionEntry, 0, len(m.suppressions))
	for _, e := range m.suppressions {
		out = append(out, e)
	}
	return out
}

// AttemptCount returns the number of tracked attempt counters
func (m *Memory) AttemptCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attempts)
}

// Attempts is the AttemptStore view of m.
func (m *Memory) Attempts() AttemptStore {
	return memoryAttempts{m}
}

type memoryAttempts struct{ m *Memory }

func (a memoryAttempts) Get(_ context.Context, messageID, recipient string) (int, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()
	return a.m.attempts[AttemptKey(messageID, recipient)], nil
}

func (a memoryAttempts) Increment(_ context.Context, messageID, recipient string) (int, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	k := AttemptKey(messageID, recipient)
	a.m.attempts[k]++
	return a.m.attempts[k], nil
}

func (a memoryAttempts) CompareAndIncrement(_ context.Context, messageID, recipient string, expected int) (int, bool, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()

	k := AttemptKey(messageID, recipient)
	cur := a.m.attempts[k]
	if cur != expected {
		return cur, false, nil
	}
	a.m.attempts[k] = cur + 1
	return cur + 1, true, nil
}

// LocalLocker serializes keys within one process using a fixed set of
// striped slots. Distinct keys may share a slot.
type LocalLocker struct {
	slots []chan struct{}
}

// NewLocalLocker creates a locker with n slots (256 when n <= 0)
func NewLocalLocker(n int) *LocalLocker {
	if n <= 0 {
		n = 256
	}
	l := &LocalLocker{slots: make([]chan struct{}, n)}
	for i := range l.slots {
		l.slots[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	h := fnv.New32a()
	h.Write([]byte(key))
	slot := l.slots[h.Sum32()%uint32(len(l.slots))]

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
