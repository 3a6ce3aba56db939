package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// NonceSize is the AES-GCM nonce length.
const NonceSize = 12

// TagSize is the AES-GCM authentication tag length.
const TagSize = 16

// ErrDecryptFailed indicates authentication or decryption failure.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Seal encrypts plaintext with AES-256-GCM, authenticating additionalData,
// and returns nonce||ciphertext||tag.
func Seal(sessionKey, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoInit, err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts nonce||ciphertext||tag produced by Seal. The authentication
// tag and additionalData are verified before any plaintext is returned.
func Open(sessionKey, sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrDecryptFailed
	}

	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additionalData)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != KeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), KeySize)
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
