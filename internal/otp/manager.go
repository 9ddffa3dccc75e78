package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/util"
)

// Notifier delivers a plaintext passcode to an identifier. Implementations
// must not log or persist the code beyond the call.
type Notifier interface {
	Send(ctx context.Context, identifier, code string, expiry time.Duration) error
}

// Config carries the passcode policy. MaxAttempts is snapshotted onto each
// session at creation, so sessions keep their limit even if the config is
// reloaded later.
type Config struct {
	CodeLength     int
	Expiry         time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	ThrottleMax    int
	SendTimeout    time.Duration
}

// Validate catches misconfiguration at startup.
func (c Config) Validate() error {
	if c.CodeLength <= 0 {
		return fmt.Errorf("code length must be positive, got %d", c.CodeLength)
	}
	if c.Expiry <= 0 {
		return fmt.Errorf("expiry must be positive, got %s", c.Expiry)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.ThrottleMax <= 0 {
		return fmt.Errorf("throttle max must be positive, got %d", c.ThrottleMax)
	}
	return nil
}

// Manager orchestrates the passcode lifecycle. It is the sole mutator of the
// session store and the throttle ledger; notifier calls happen outside any
// store critical section.
type Manager struct {
	store     Store
	ledger    Ledger
	generator Generator
	hasher    *Hasher
	notifiers map[Channel]Notifier
	clock     Clocker
	sink      audit.Sink
	logger    *zap.Logger
	cfg       Config
}

// NewManager wires the manager. notifiers holds one entry per configured
// delivery channel; a missing channel yields ErrChannelUnavailable at
// request time.
func NewManager(
	cfg Config,
	store Store,
	ledger Ledger,
	hasher *Hasher,
	notifiers map[Channel]Notifier,
	clock Clocker,
	sink audit.Sink,
	logger *zap.Logger,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid passcode config: %w", err)
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	return &Manager{
		store:     store,
		ledger:    ledger,
		hasher:    hasher,
		notifiers: notifiers,
		clock:     clock,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// ChannelAvailable reports whether a delivery channel is configured.
func (m *Manager) ChannelAvailable(ch Channel) bool {
	_, ok := m.notifiers[ch]
	return ok
}

// Request issues a fresh passcode session for an already-normalized
// identifier and delivers the code over the given channel.
//
// If delivery fails, the session and the throttle increment are both rolled
// back so a half-created session is never reachable for verification.
func (m *Manager) Request(ctx context.Context, identifier string, ch Channel) (*Challenge, error) {
	notifier, ok := m.notifiers[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnavailable, ch)
	}

	count, retryAfter, err := m.ledger.Count(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to read throttle ledger: %w", err)
	}
	if count >= m.cfg.ThrottleMax {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	code, err := m.generator.Generate(m.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate passcode: %w", err)
	}

	hash, err := m.hasher.Hash(code)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	session := &Session{
		ID:             uuid.NewString(),
		Identifier:     identifier,
		Channel:        ch,
		CredentialHash: hash,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.Expiry),
		AttemptCount:   0,
		MaxAttempts:    m.cfg.MaxAttempts,
	}

	if err := m.store.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	if _, err := m.ledger.Increment(ctx, identifier); err != nil {
		_ = m.store.Delete(ctx, session.ID)
		return nil, fmt.Errorf("failed to increment throttle ledger: %w", err)
	}

	if err := m.deliver(ctx, notifier, identifier, code); err != nil {
		// Full rollback: the session must not remain verifiable and the
		// failed issuance must not count against the identifier.
		_ = m.store.Delete(ctx, session.ID)
		_ = m.ledger.Decrement(ctx, identifier)
		m.logger.Warn("passcode delivery failed",
			util.String("session_id", session.ID),
			util.String("identifier", util.MaskIdentifier(identifier)),
			util.String("channel", string(ch)),
			util.ErrorField(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	m.sink.Emit(ctx, audit.Event{
		Type:             audit.EventRequested,
		SessionID:        session.ID,
		MaskedIdentifier: util.MaskIdentifier(identifier),
		Channel:          string(ch),
		At:               now,
	})

	m.logger.Info("passcode issued",
		util.String("session_id", session.ID),
		util.String("identifier", util.MaskIdentifier(identifier)),
		util.String("channel", string(ch)),
	)

	return &Challenge{
		SessionID:       session.ID,
		ExpiresAt:       session.ExpiresAt,
		ResendAllowedAt: now.Add(m.cfg.ResendCooldown),
	}, nil
}

// Verify checks a candidate code against the session. The identifier check
// runs before the attempt increment: it guards against cross-identifier
// session guessing, not code guessing, and must not burn an attempt.
func (m *Manager) Verify(ctx context.Context, sessionID, identifier, code string) (*VerifyResult, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if session.Expired(now) {
		m.retire(ctx, session, audit.EventExpired)
		return nil, ErrExpired
	}

	if session.AttemptCount >= session.MaxAttempts {
		m.retire(ctx, session, audit.EventExhausted)
		return nil, ErrAttemptsExhausted
	}

	if session.Identifier != identifier {
		return nil, ErrIdentifierMismatch
	}

	updated, err := m.store.Update(ctx, sessionID, func(s *Session) error {
		s.AttemptCount++
		return nil
	})
	if err != nil {
		// Deleted concurrently (verified or exhausted by another caller).
		return nil, err
	}

	if !m.hasher.Verify(code, updated.CredentialHash) {
		if updated.AttemptCount >= updated.MaxAttempts {
			m.retire(ctx, updated, audit.EventExhausted)
			return nil, ErrAttemptsExhausted
		}
		m.logger.Warn("invalid passcode attempt",
			util.String("session_id", sessionID),
			util.Int("attempt", updated.AttemptCount),
		)
		return nil, &InvalidCodeError{RemainingAttempts: updated.MaxAttempts - updated.AttemptCount}
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to delete verified session: %w", err)
	}
	if err := m.ledger.Reset(ctx, identifier); err != nil {
		return nil, fmt.Errorf("failed to reset throttle ledger: %w", err)
	}

	m.sink.Emit(ctx, audit.Event{
		Type:             audit.EventVerified,
		SessionID:        sessionID,
		MaskedIdentifier: util.MaskIdentifier(identifier),
		Channel:          string(updated.Channel),
		At:               now,
	})

	m.logger.Info("passcode verified",
		util.String("session_id", sessionID),
		util.String("identifier", util.MaskIdentifier(identifier)),
	)

	return &VerifyResult{
		Channel:    updated.Channel,
		Identifier: updated.Identifier,
		VerifiedAt: now,
	}, nil
}

// Resend invalidates the session's current code and issues a fresh one over
// the session's original channel, keeping the same session ID. The previous
// code stops verifying the moment the record is replaced, so a delivery
// failure here is reported but not rolled back; the caller retries Resend.
func (m *Manager) Resend(ctx context.Context, sessionID string) (*Challenge, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if session.Expired(now) {
		m.retire(ctx, session, audit.EventExpired)
		return nil, ErrExpired
	}

	if elapsed := now.Sub(session.CreatedAt); elapsed < m.cfg.ResendCooldown {
		return nil, &TooSoonError{Wait: m.cfg.ResendCooldown - elapsed}
	}

	notifier, ok := m.notifiers[session.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnavailable, session.Channel)
	}

	code, err := m.generator.Generate(m.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate passcode: %w", err)
	}

	hash, err := m.hasher.Hash(code)
	if err != nil {
		return nil, err
	}

	// Single atomic replacement: hash, timestamps, and attempt count change
	// together or not at all.
	updated, err := m.store.Update(ctx, sessionID, func(s *Session) error {
		s.CredentialHash = hash
		s.CreatedAt = now
		s.ExpiresAt = now.Add(m.cfg.Expiry)
		s.AttemptCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.deliver(ctx, notifier, updated.Identifier, code); err != nil {
		m.logger.Warn("passcode resend delivery failed",
			util.String("session_id", sessionID),
			util.String("identifier", util.MaskIdentifier(updated.Identifier)),
			util.ErrorField(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	m.sink.Emit(ctx, audit.Event{
		Type:             audit.EventResent,
		SessionID:        sessionID,
		MaskedIdentifier: util.MaskIdentifier(updated.Identifier),
		Channel:          string(updated.Channel),
		At:               now,
	})

	m.logger.Info("passcode resent",
		util.String("session_id", sessionID),
		util.String("identifier", util.MaskIdentifier(updated.Identifier)),
	)

	return &Challenge{
		SessionID:       sessionID,
		ExpiresAt:       updated.ExpiresAt,
		ResendAllowedAt: now.Add(m.cfg.ResendCooldown),
	}, nil
}

// deliver invokes the notifier under a bounded timeout. A timed-out send is
// treated identically to a delivery failure.
func (m *Manager) deliver(ctx context.Context, notifier Notifier, identifier, code string) error {
	if m.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
	}
	return notifier.Send(ctx, identifier, code, m.cfg.Expiry)
}

// retire removes a terminal session and its throttle entry.
func (m *Manager) retire(ctx context.Context, session *Session, eventType string) {
	if err := m.store.Delete(ctx, session.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.logger.Error("failed to delete terminal session",
			util.String("session_id", session.ID),
			util.ErrorField(err),
		)
	}
	if err := m.ledger.Reset(ctx, session.Identifier); err != nil {
		m.logger.Error("failed to reset throttle entry",
			util.String("identifier", util.MaskIdentifier(session.Identifier)),
			util.ErrorField(err),
		)
	}

	m.sink.Emit(ctx, audit.Event{
		Type:             eventType,
		SessionID:        session.ID,
		MaskedIdentifier: util.MaskIdentifier(session.Identifier),
		Channel:          string(session.Channel),
		At:               m.clock.Now(),
	})
}
