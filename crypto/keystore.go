package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyNotFound indicates the requested entry does not exist in the store.
var ErrKeyNotFound = errors.New("crypto: key not found")

// KeyStore is an opaque durable key-value backend for long-lived key material.
// Platform secure stores (Keychain, Credential Manager, Keystore) implement
// this interface outside the core; FileKeyStore is the portable fallback.
type KeyStore interface {
	Store(name string, data []byte) error
	Retrieve(name string) ([]byte, error)
	Delete(name string) error
}

// FileKeyStore persists entries as files under a private directory.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates the backing directory with 0700 permissions.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

// Store writes an entry with 0600 permissions.
func (ks *FileKeyStore) Store(name string, data []byte) error {
	path, err := ks.entryPath(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keystore entry %q: %w", name, err)
	}
	return nil
}

// Retrieve reads an entry, returning ErrKeyNotFound when absent.
func (ks *FileKeyStore) Retrieve(name string) ([]byte, error) {
	path, err := ks.entryPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("read keystore entry %q: %w", name, err)
	}
	return data, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (ks *FileKeyStore) Delete(name string) error {
	path, err := ks.entryPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete keystore entry %q: %w", name, err)
	}
	return nil
}

func (ks *FileKeyStore) entryPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid keystore entry name %q", name)
	}
	return filepath.Join(ks.dir, name), nil
}
