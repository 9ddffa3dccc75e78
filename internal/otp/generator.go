package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Generator produces numeric passcodes from a cryptographically secure
// random source. Each digit is drawn uniformly and independently, so no
// digit of a code is predictable from previous outputs.
type Generator struct{}

var ten = big.NewInt(10)

// Generate returns a string of exactly length decimal digits.
func (Generator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid passcode length: %d", length)
	}

	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to draw random digit: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}

	return string(code), nil
}
