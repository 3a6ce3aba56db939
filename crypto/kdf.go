package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the symmetric session key size (AES-256).
const KeySize = 32

const (
	infoSessionKey = "clipsync-session-encryption-v1"
	infoRatchet    = "clipsync-session-ratchet-v1"
	infoConfirmMAC = "clipsync-pairing-confirm-v1"
)

// DeriveSessionKey derives the initial session key from an X25519 shared
// secret, binding it to the pairing transcript. Both sides of a handshake
// derive the same key from the same transcript.
func DeriveSessionKey(sharedSecret, transcript []byte) ([]byte, error) {
	return expand(sharedSecret, transcript, infoSessionKey)
}

// DeriveConfirmationKey derives the key-confirmation MAC key from the same
// inputs. It is distinct from the session key so confirmation messages never
// reuse encryption key material.
func DeriveConfirmationKey(sharedSecret, transcript []byte) ([]byte, error) {
	return expand(sharedSecret, transcript, infoConfirmMAC)
}

// RatchetNext advances a ratchet chain one step, returning the next chain
// state and the session key for the new epoch. The previous chain state is
// not recoverable from the outputs, so compromise of a current key does not
// expose prior traffic.
func RatchetNext(chain []byte) (nextChain, sessionKey []byte, err error) {
	nextChain, err = expand(chain, nil, infoRatchet)
	if err != nil {
		return nil, nil, err
	}
	sessionKey, err = expand(nextChain, nil, infoSessionKey)
	if err != nil {
		return nil, nil, err
	}
	return nextChain, sessionKey, nil
}

func expand(secret, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}
