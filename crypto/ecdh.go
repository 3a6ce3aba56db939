package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a one-shot X25519 keypair for pairing.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, []byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoInit, err)
	}
	return privateKey, privateKey.PublicKey().Bytes(), nil
}

// ParseX25519PublicKey validates raw public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeSharedSecret performs the X25519 Diffie-Hellman operation.
func ComputeSharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	shared, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return shared, nil
}
