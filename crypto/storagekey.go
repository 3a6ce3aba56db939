package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// storageKeyEntry is the keystore entry holding the at-rest encryption key.
const storageKeyEntry = "storage.key"

// EnsureStorageKey loads the key used to encrypt clipboard history at
// rest, generating and persisting a fresh one on first run.
func EnsureStorageKey(ks KeyStore) ([]byte, error) {
	key, err := ks.Retrieve(storageKeyEntry)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: storage key has length %d", ErrCryptoInit, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("load storage key: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate storage key: %v", ErrCryptoInit, err)
	}
	if err := ks.Store(storageKeyEntry, key); err != nil {
		return nil, fmt.Errorf("persist storage key: %w", err)
	}
	return key, nil
}
