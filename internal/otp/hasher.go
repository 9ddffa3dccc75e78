package otp

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns a plaintext passcode into a one-way verifiable hash using
// bcrypt. The work factor is configurable; comparison is constant-time via
// the primitive itself.
type Hasher struct {
	cost int
}

// NewHasher returns a bcrypt-based hasher. Costs outside bcrypt's supported
// range fall back to the library default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash hashes a plaintext passcode.
func (h *Hasher) Hash(code string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash passcode: %w", err)
	}
	return hashed, nil
}

// Verify reports whether the candidate matches the stored hash.
func (h *Hasher) Verify(code string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil
}
