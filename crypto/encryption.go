package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceSize is the GCM nonce length prepended to sealed payloads.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// ErrDecryptionFailed indicates the authentication tag did not verify.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// Encrypt seals plaintext with AES-256-GCM and returns iv ‖ tag ‖ ciphertext.
func Encrypt(sessionKey, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the wire layout carries it
	// up front, between the IV and the ciphertext.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens an iv ‖ tag ‖ ciphertext payload. It fails closed: any
// tampering or wrong key yields ErrDecryptionFailed, never partial plaintext.
func Decrypt(sessionKey, payload []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(payload) < NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}

	iv := payload[:NonceSize]
	tag := payload[NonceSize : NonceSize+TagSize]
	ciphertext := payload[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
