package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSweepRemovesExpiredSessionsAndThrottles(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ledger := NewMemoryLedger(time.Hour, clock)
	ctx := context.Background()

	now := clock.Now()
	expired := testSession("expired", "a@example.com", now.Add(-time.Minute))
	live := testSession("live", "b@example.com", now.Add(time.Hour))

	for _, s := range []*Session{expired, live} {
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := ledger.Increment(ctx, s.Identifier); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	sweeper := NewSweeper(store, ledger, clock, nil, time.Minute, zap.NewNop())

	if swept := sweeper.Sweep(ctx); swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	if _, err := store.Get(ctx, "expired"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session survived: %v", err)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Fatalf("live session swept: %v", err)
	}

	// The swept session's throttle entry is retired with it.
	count, _, err := ledger.Count(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected throttle reset for swept identifier, got %d", count)
	}
	count, _, err = ledger.Count(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("live identifier's throttle touched, got %d", count)
	}

	// A second pass finds nothing.
	if swept := sweeper.Sweep(ctx); swept != 0 {
		t.Fatalf("second sweep removed %d", swept)
	}
}

func TestSweepPicksUpNewlyExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ledger := NewMemoryLedger(time.Hour, clock)
	ctx := context.Background()

	session := testSession("s1", "a@example.com", clock.Now().Add(5*time.Minute))
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sweeper := NewSweeper(store, ledger, clock, nil, time.Minute, zap.NewNop())

	if swept := sweeper.Sweep(ctx); swept != 0 {
		t.Fatalf("live session swept: %d", swept)
	}

	clock.Advance(6 * time.Minute)
	if swept := sweeper.Sweep(ctx); swept != 1 {
		t.Fatalf("expected 1 swept after expiry, got %d", swept)
	}
}

func TestSweeperStartStop(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	ledger := NewMemoryLedger(time.Hour, clock)

	sweeper := NewSweeper(store, ledger, clock, nil, 10*time.Millisecond, zap.NewNop())
	sweeper.Start()
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()

	// Stop is idempotent.
	sweeper.Stop()
}

func TestSweeperStopWithoutStart(t *testing.T) {
	clock := newFakeClock()
	sweeper := NewSweeper(NewMemoryStore(), NewMemoryLedger(time.Hour, clock), clock, nil, time.Minute, zap.NewNop())

	// Must not block when the loop never ran.
	sweeper.Stop()
}
