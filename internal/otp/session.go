package otp

import "time"

// Channel identifies the transport used to deliver a passcode.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether the channel is one the service knows about.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Session is the server-side record binding an issued passcode to an
// identifier and its verification state. The plaintext code is never stored;
// only CredentialHash is kept.
type Session struct {
	ID             string
	Identifier     string
	Channel        Channel
	CredentialHash []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AttemptCount   int
	MaxAttempts    int
}

// Expired reports whether the session is past its expiry at the given time.
// An expired session is logically dead even before the sweeper removes it.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Challenge is returned to the caller after a successful Request or Resend.
type Challenge struct {
	SessionID       string
	ExpiresAt       time.Time
	ResendAllowedAt time.Time
}

// VerifyResult is returned when a passcode is verified successfully.
type VerifyResult struct {
	Channel    Channel
	Identifier string
	VerifiedAt time.Time
}
