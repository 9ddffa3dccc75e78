package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeNotifier records the last delivered code so tests can verify it.
type fakeNotifier struct {
	mu       sync.Mutex
	lastCode string
	lastTo   string
	sends    int
	fail     bool
}

func (n *fakeNotifier) Send(_ context.Context, identifier, code string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends++
	if n.fail {
		return errors.New("smtp connection refused")
	}
	n.lastCode = code
	n.lastTo = identifier
	return nil
}

func (n *fakeNotifier) LastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastCode
}

func testConfig() Config {
	return Config{
		CodeLength:     6,
		Expiry:         5 * time.Minute,
		MaxAttempts:    3,
		ResendCooldown: time.Minute,
		ThrottleMax:    3,
		SendTimeout:    time.Second,
	}
}

type testEnv struct {
	manager  *Manager
	store    *MemoryStore
	ledger   *MemoryLedger
	clock    *fakeClock
	email    *fakeNotifier
	notFound Channel
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	clock := newFakeClock()
	store := NewMemoryStore()
	ledger := NewMemoryLedger(5*time.Minute, clock)
	email := &fakeNotifier{}

	manager, err := NewManager(
		cfg,
		store,
		ledger,
		NewHasher(4),
		map[Channel]Notifier{ChannelEmail: email},
		clock,
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return &testEnv{
		manager:  manager,
		store:    store,
		ledger:   ledger,
		clock:    clock,
		email:    email,
		notFound: ChannelSMS,
	}
}

func TestRequestAndVerify(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if challenge.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if got := env.email.LastCode(); len(got) != 6 {
		t.Fatalf("expected 6-digit code, got %q", got)
	}
	if !challenge.ExpiresAt.Equal(env.clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", challenge.ExpiresAt)
	}

	result, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Identifier != "user@example.com" || result.Channel != ChannelEmail {
		t.Fatalf("unexpected result %+v", result)
	}

	// Session is consumed.
	if _, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after consume, got %v", err)
	}

	// Verification clears the issuance throttle.
	count, _, err := env.ledger.Count(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected throttle reset, got count %d", count)
	}
}

func TestVerifyUnknownSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.manager.Verify(context.Background(), "no-such-session", "user@example.com", "123456")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestVerifyWrongCodeBurnsAttempts(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	wrong := "000000"
	if wrong == env.email.LastCode() {
		wrong = "000001"
	}

	// First two failures report remaining attempts.
	for want := 2; want >= 1; want-- {
		_, err = env.manager.Verify(ctx, challenge.SessionID, "user@example.com", wrong)
		var invalid *InvalidCodeError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidCodeError, got %v", err)
		}
		if invalid.RemainingAttempts != want {
			t.Fatalf("expected %d remaining, got %d", want, invalid.RemainingAttempts)
		}
	}

	// Final failure exhausts the session.
	_, err = env.manager.Verify(ctx, challenge.SessionID, "user@example.com", wrong)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}

	// The correct code is now useless even though it was never tried.
	_, err = env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after exhaustion, got %v", err)
	}
}

func TestVerifyIdentifierMismatchDoesNotBurnAttempt(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	_, err = env.manager.Verify(ctx, challenge.SessionID, "other@example.com", env.email.LastCode())
	if !errors.Is(err, ErrIdentifierMismatch) {
		t.Fatalf("expected ErrIdentifierMismatch, got %v", err)
	}

	session, err := env.store.Get(ctx, challenge.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if session.AttemptCount != 0 {
		t.Fatalf("mismatch burned an attempt: count %d", session.AttemptCount)
	}

	// The rightful owner can still verify.
	if _, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode()); err != nil {
		t.Fatalf("Verify after mismatch: %v", err)
	}
}

func TestVerifyExpiredSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	env.clock.Advance(5*time.Minute + time.Second)

	_, err = env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// Expiry retires the session, so a retry sees not-found.
	_, err = env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after expiry, got %v", err)
	}
}

func TestRequestThrottled(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.manager.Request(ctx, "user@example.com", ChannelEmail); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}

	_, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rateLimited.RetryAfter <= 0 || rateLimited.RetryAfter > 5*time.Minute {
		t.Fatalf("unreasonable retry-after %v", rateLimited.RetryAfter)
	}

	// A different identifier is unaffected.
	if _, err := env.manager.Request(ctx, "other@example.com", ChannelEmail); err != nil {
		t.Fatalf("Request other identifier: %v", err)
	}

	// The window rolling over clears the throttle.
	env.clock.Advance(5*time.Minute + time.Second)
	if _, err := env.manager.Request(ctx, "user@example.com", ChannelEmail); err != nil {
		t.Fatalf("Request after window: %v", err)
	}
}

func TestRequestChannelUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.manager.Request(context.Background(), "+919876543210", ChannelSMS)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
}

func TestRequestDeliveryFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	env.email.fail = true

	_, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	// No session survives the failed delivery.
	if env.store.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", env.store.Len())
	}

	// The failed issuance does not count against the identifier.
	count, _, err := env.ledger.Count(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected throttle count 0 after rollback, got %d", count)
	}

	// The identifier can request again immediately once delivery recovers.
	env.email.fail = false
	if _, err := env.manager.Request(ctx, "user@example.com", ChannelEmail); err != nil {
		t.Fatalf("Request after recovery: %v", err)
	}
}

func TestResendReplacesCode(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	firstCode := env.email.LastCode()

	// Burn an attempt so we can observe the reset.
	wrong := "000000"
	if wrong == firstCode {
		wrong = "000001"
	}
	if _, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", wrong); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}

	env.clock.Advance(time.Minute)

	resent, err := env.manager.Resend(ctx, challenge.SessionID)
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if resent.SessionID != challenge.SessionID {
		t.Fatalf("resend changed session id: %s != %s", resent.SessionID, challenge.SessionID)
	}
	secondCode := env.email.LastCode()

	// Attempts were reset, so the full budget is available again.
	session, err := env.store.Get(ctx, challenge.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if session.AttemptCount != 0 {
		t.Fatalf("expected attempt count reset, got %d", session.AttemptCount)
	}

	// The replaced code no longer verifies.
	if firstCode != secondCode {
		if _, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", firstCode); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("expected old code rejected, got %v", err)
		}
	}

	if _, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", secondCode); err != nil {
		t.Fatalf("Verify with new code: %v", err)
	}
}

func TestResendCooldown(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	env.clock.Advance(30 * time.Second)

	_, err = env.manager.Resend(ctx, challenge.SessionID)
	var tooSoon *TooSoonError
	if !errors.As(err, &tooSoon) {
		t.Fatalf("expected TooSoonError, got %v", err)
	}
	if tooSoon.Wait != 30*time.Second {
		t.Fatalf("expected 30s wait, got %v", tooSoon.Wait)
	}

	env.clock.Advance(30 * time.Second)
	if _, err := env.manager.Resend(ctx, challenge.SessionID); err != nil {
		t.Fatalf("Resend after cooldown: %v", err)
	}
}

func TestResendExpiredSession(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	env.clock.Advance(6 * time.Minute)

	if _, err := env.manager.Resend(ctx, challenge.SessionID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestResendExtendsExpiry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Resend near the end of the lifetime restarts the expiry window.
	env.clock.Advance(4 * time.Minute)
	resent, err := env.manager.Resend(ctx, challenge.SessionID)
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if !resent.ExpiresAt.Equal(env.clock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", resent.ExpiresAt)
	}

	// Two more minutes in, the original window would have lapsed but the
	// replacement code still verifies.
	env.clock.Advance(2 * time.Minute)
	if _, err := env.manager.Verify(ctx, challenge.SessionID, "user@example.com", env.email.LastCode()); err != nil {
		t.Fatalf("Verify after resend: %v", err)
	}
}

func TestConcurrentVerifyBoundedByAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	challenge, err := env.manager.Request(ctx, "user@example.com", ChannelEmail)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	wrong := "000000"
	if wrong == env.email.LastCode() {
		wrong = "000001"
	}

	const callers = 8
	results := make([]error, callers)

	g := new(errgroup.Group)
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			_, results[i] = env.manager.Verify(ctx, challenge.SessionID, "user@example.com", wrong)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}

	var invalid, exhausted, notFound int
	for _, err := range results {
		switch {
		case errors.Is(err, ErrInvalidCode):
			invalid++
		case errors.Is(err, ErrAttemptsExhausted):
			exhausted++
		case errors.Is(err, ErrSessionNotFound):
			notFound++
		default:
			t.Fatalf("unexpected error under contention: %v", err)
		}
	}

	// Fewer than MaxAttempts callers were told to retry; everyone else saw
	// the session exhausted or already gone.
	if invalid >= cfg.MaxAttempts {
		t.Fatalf("attempt limit breached: %d callers told to retry", invalid)
	}
	if exhausted == 0 {
		t.Fatal("no caller observed exhaustion")
	}
	if invalid+exhausted+notFound != callers {
		t.Fatalf("lost callers: %d+%d+%d != %d", invalid, exhausted, notFound, callers)
	}

	if env.store.Len() != 0 {
		t.Fatalf("exhausted session not removed, %d sessions left", env.store.Len())
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero code length", func(c *Config) { c.CodeLength = 0 }},
		{"zero expiry", func(c *Config) { c.Expiry = 0 }},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"zero throttle max", func(c *Config) { c.ThrottleMax = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)

			clock := newFakeClock()
			_, err := NewManager(cfg, NewMemoryStore(), NewMemoryLedger(time.Minute, clock), NewHasher(4), nil, clock, nil, zap.NewNop())
			if err == nil {
				t.Fatal("expected config validation error")
			}
		})
	}
}

func TestChannelAvailable(t *testing.T) {
	env := newTestEnv(t, testConfig())

	if !env.manager.ChannelAvailable(ChannelEmail) {
		t.Fatal("email channel should be available")
	}
	if env.manager.ChannelAvailable(ChannelSMS) {
		t.Fatal("sms channel should not be available")
	}
}
