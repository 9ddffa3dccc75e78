package otp

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrChannelUnavailable = errors.New("delivery channel is not configured")
	ErrRateLimited        = errors.New("too many passcode requests for identifier")
	ErrDeliveryFailed     = errors.New("passcode delivery failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrExpired            = errors.New("passcode has expired")
	ErrAttemptsExhausted  = errors.New("maximum verification attempts exceeded")
	ErrIdentifierMismatch = errors.New("identifier does not match session")
	ErrInvalidCode        = errors.New("invalid passcode")
	ErrTooSoon            = errors.New("resend cooldown has not elapsed")
)

// RateLimitedError carries the retry-after hint derived from the throttle
// window. errors.Is(err, ErrRateLimited) matches it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// InvalidCodeError reports a code mismatch along with the number of attempts
// the caller has left. errors.Is(err, ErrInvalidCode) matches it.
type InvalidCodeError struct {
	RemainingAttempts int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("%v: %d attempts remaining", ErrInvalidCode, e.RemainingAttempts)
}

func (e *InvalidCodeError) Is(target error) bool { return target == ErrInvalidCode }

// TooSoonError reports how long the caller must wait before the next resend.
// errors.Is(err, ErrTooSoon) matches it.
type TooSoonError struct {
	Wait time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("%v: wait %s", ErrTooSoon, e.Wait.Round(time.Second))
}

func (e *TooSoonError) Is(target error) bool { return target == ErrTooSoon }
