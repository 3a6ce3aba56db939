package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const identityPEMType = "ED25519 PRIVATE KEY"

// identityEntry is the KeyStore entry name for the device identity key.
const identityEntry = "identity.pem"

var (
	// ErrCryptoInit indicates the platform RNG failed during key generation.
	ErrCryptoInit = errors.New("crypto: secure random source unavailable")
	// ErrInvalidIdentity indicates stored identity material is corrupt.
	ErrInvalidIdentity = errors.New("crypto: invalid identity key material")
)

// Identity is the long-lived device keypair. The hex-encoded public key is
// the device's durable identifier; the private key never leaves the device.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewIdentity generates a fresh identity from secure randomness.
func NewIdentity() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoInit, err)
	}
	return &Identity{private: private, public: public}, nil
}

// EnsureIdentity loads the identity from the keystore, generating and
// persisting it exactly once on first run.
func EnsureIdentity(ks KeyStore) (*Identity, error) {
	raw, err := ks.Retrieve(identityEntry)
	if err == nil {
		return parseIdentityPEM(raw)
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: identityPEMType, Bytes: id.private.Seed()}
	if err := ks.Store(identityEntry, pem.EncodeToMemory(block)); err != nil {
		return nil, err
	}
	return id, nil
}

// DestroyIdentity removes the persisted identity. Used only on full reset.
func DestroyIdentity(ks KeyStore) error {
	return ks.Delete(identityEntry)
}

func parseIdentityPEM(raw []byte) (*Identity, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != identityPEMType {
		return nil, ErrInvalidIdentity
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, ErrInvalidIdentity
	}

	private := ed25519.NewKeyFromSeed(block.Bytes)
	return &Identity{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

// DeviceID returns the lowercase hex encoding of the public key.
func (id *Identity) DeviceID() string {
	return hex.EncodeToString(id.public)
}

// PublicKey returns the raw 32-byte public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.public...)
}

// Sign signs data with the identity private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.private, data)
}

// VerifyFrom verifies a signature against a peer device ID (hex public key).
func VerifyFrom(deviceID string, data, signature []byte) bool {
	public, err := PublicKeyFromDeviceID(deviceID)
	if err != nil {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, data, signature)
}

// PublicKeyFromDeviceID decodes a device ID back into its public key.
func PublicKeyFromDeviceID(deviceID string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.ToLower(deviceID))
	if err != nil {
		return nil, fmt.Errorf("decode device ID: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid device ID length: got %d want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
