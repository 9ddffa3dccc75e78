// Package audit publishes security-relevant OTP lifecycle events to an
// external sink. Events carry the masked identifier only; neither the
// plaintext code nor its hash ever enters an event.
package audit

import (
	"context"
	"time"
)

// Event types emitted by the OTP manager.
const (
	EventRequested = "otp.requested"
	EventResent    = "otp.resent"
	EventVerified  = "otp.verified"
	EventExhausted = "otp.exhausted"
	EventExpired   = "otp.expired"
	EventSwept     = "otp.swept"
)

// Event is a single audit record.
type Event struct {
	Type             string    `json:"type"`
	SessionID        string    `json:"session_id,omitempty"`
	MaskedIdentifier string    `json:"identifier,omitempty"`
	Channel          string    `json:"channel,omitempty"`
	At               time.Time `json:"at"`
}

// Sink receives audit events. Implementations must not block the caller
// beyond the context deadline and must tolerate bursts.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards every event. Used when no audit backend is configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}
