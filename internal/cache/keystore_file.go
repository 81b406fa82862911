package cache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/99designs/keyring"
)

// FileKeyStore keeps the key in a password-protected file keyring. Used
// on hosts without an OS keyring, such as headless Linux.
type FileKeyStore struct {
	Dir      string
	Password string
}

func (s FileKeyStore) LoadOrCreateKey() ([]byte, error) {
	if s.Password == "" {
		return nil, fmt.Errorf("file keyring requires a password")
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:      keyringService,
		FileDir:          s.Dir,
		FilePasswordFunc: keyring.FixedStringPrompt(s.Password),
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
	})
	if err != nil {
		return nil, fmt.Errorf("opening file keyring: %w", err)
	}

	item, err := ring.Get(keyringUser)
	if err == nil {
		return item.Data, nil
	}

	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("reading file keyring: %w", err)
	}

	key, err := newKey()
	if err != nil {
		return nil, err
	}

	err = ring.Set(keyring.Item{
		Key:         keyringUser,
		Data:        key,
		Label:       "toolkit-auth cache encryption key",
		Description: "Encrypts cached SSO tokens and client registrations",
	})
	if err != nil {
		return nil, fmt.Errorf("writing file keyring: %w", err)
	}

	return key, nil
}

// NewKeyringSealer loads (or creates) the cache key from the system
// keyring, falling back to a file keyring in fileDir when the system
// keyring is unavailable and a password is configured.
func NewKeyringSealer(fileDir, password string, logger *slog.Logger) (Sealer, error) {
	return newSealerFrom([]KeyStore{SystemKeyStore{}, FileKeyStore{Dir: fileDir, Password: password}}, logger)
}

func newSealerFrom(stores []KeyStore, logger *slog.Logger) (Sealer, error) {
	var errs []error

	for _, store := range stores {
		key, err := store.LoadOrCreateKey()
		if err != nil {
			logger.Debug("cache key store unavailable",
				slog.String("store", fmt.Sprintf("%T", store)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)

			continue
		}

		return NewSealer(key)
	}

	return nil, fmt.Errorf("no usable key store for cache encryption: %w", errors.Join(errs...))
}
