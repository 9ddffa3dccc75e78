package otp

import (
	"context"
	"sync"
	"time"
)

// Ledger bounds passcode issuance per identifier over a fixed window,
// independent of any HTTP-layer rate limiting (which throttles by network
// address, not identity).
//
// Count also returns the time remaining in the identifier's current window,
// used as the retry-after hint when the threshold is exceeded. Decrement is
// the rollback primitive for a failed delivery; it must never take a counter
// below zero.
type Ledger interface {
	Increment(ctx context.Context, identifier string) (int, error)
	Decrement(ctx context.Context, identifier string) error
	Count(ctx context.Context, identifier string) (int, time.Duration, error)
	Reset(ctx context.Context, identifier string) error
}

type throttleEntry struct {
	count       int
	windowStart time.Time
}

// MemoryLedger is a fixed-window counter per identifier backed by a
// mutex-guarded map.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	window  time.Duration
	clock   Clocker
}

func NewMemoryLedger(window time.Duration, clock Clocker) *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*throttleEntry),
		window:  window,
		clock:   clock,
	}
}

func (l *MemoryLedger) Increment(_ context.Context, identifier string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, ok := l.entries[identifier]
	if !ok || now.Sub(entry.windowStart) >= l.window {
		entry = &throttleEntry{windowStart: now}
		l.entries[identifier] = entry
	}

	entry.count++
	return entry.count, nil
}

func (l *MemoryLedger) Decrement(_ context.Context, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[identifier]
	if !ok {
		return nil
	}

	entry.count--
	if entry.count <= 0 {
		delete(l.entries, identifier)
	}
	return nil
}

func (l *MemoryLedger) Count(_ context.Context, identifier string) (int, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[identifier]
	if !ok {
		return 0, 0, nil
	}

	elapsed := l.clock.Now().Sub(entry.windowStart)
	if elapsed >= l.window {
		delete(l.entries, identifier)
		return 0, 0, nil
	}

	return entry.count, l.window - elapsed, nil
}

func (l *MemoryLedger) Reset(_ context.Context, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, identifier)
	return nil
}
