package cache

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "toolkit-auth"
	keyringUser    = "cache-encryption-key"
)

// KeyStore holds the cache encryption key.
type KeyStore interface {
	LoadOrCreateKey() ([]byte, error)
}

// SystemKeyStore keeps the key in the OS keyring (Keychain, Secret
// Service, Windows Credential Manager).
type SystemKeyStore struct{}

func (SystemKeyStore) LoadOrCreateKey() ([]byte, error) {
	encoded, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding key from system keyring: %w", err)
		}

		return key, nil
	}

	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("reading system keyring: %w", err)
	}

	key, err := newKey()
	if err != nil {
		return nil, err
	}

	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("writing system keyring: %w", err)
	}

	return key, nil
}
