package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PairingCodeLength is the number of ASCII digits in a pairing code.
	PairingCodeLength = 6
	// SessionKeySize is the derived AES-256 key size in bytes.
	SessionKeySize = 32

	keyDerivationIterations = 100_000
)

// keyDerivationSalt is a fixed application-wide salt. The pairing code has
// roughly 20 bits of entropy, so the derived key resists only casual offline
// brute force of captured traffic; it is not a substitute for an out-of-band
// secret.
var keyDerivationSalt = []byte("lanbeam-pairing-v1")

// ValidatePairingCode checks that a pairing code is exactly six ASCII digits.
func ValidatePairingCode(code string) error {
	if len(code) != PairingCodeLength {
		return fmt.Errorf("pairing code must be %d digits, got %d characters", PairingCodeLength, len(code))
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return fmt.Errorf("pairing code must contain only digits")
		}
	}
	return nil
}

// GeneratePairingCode returns a random six-digit pairing code, zero-padded.
func GeneratePairingCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < PairingCodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", PairingCodeLength, n), nil
}

// DeriveKey derives the session's AES-256 key from a pairing code using
// PBKDF2-SHA256 with a fixed salt.
func DeriveKey(code string) ([]byte, error) {
	if err := ValidatePairingCode(code); err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(code), keyDerivationSalt, keyDerivationIterations, SessionKeySize, sha256.New), nil
}
