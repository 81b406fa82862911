// Package cache persists SSO access tokens and OIDC client registrations
// in a directory shared with the AWS CLI and SDKs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/gofrs/flock"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	lockRetryDelay = 50 * time.Millisecond
	lockTimeout    = 10 * time.Second
)

// Option configures a DiskCache.
type Option func(*DiskCache)

// WithClock overrides the time source used for registration expiry.
func WithClock(now func() time.Time) Option {
	return func(c *DiskCache) { c.now = now }
}

// WithSealer encrypts entries on write and decrypts them on read.
func WithSealer(s Sealer) Option {
	return func(c *DiskCache) { c.sealer = s }
}

// WithLogger sets the logger used for cache misses and write failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *DiskCache) { c.logger = l }
}

// DiskCache stores one JSON file per key. Writers are serialised in
// process by a mutex and across processes by a flock on <file>.lock.
type DiskCache struct {
	dir    string
	now    func() time.Time
	sealer Sealer
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a DiskCache rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*DiskCache, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	c := &DiskCache{
		dir:    dir,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Dir returns the cache directory.
func (c *DiskCache) Dir() string {
	return c.dir
}

// --- Client registrations ---

// LoadClientRegistration returns the registration stored under key, or
// nil if it is absent, unreadable or expired.
func (c *DiskCache) LoadClientRegistration(key Key) *models.ClientRegistration {
	data := c.read(key)
	if data == nil {
		return nil
	}

	reg, err := decodeRegistration(data)
	if err != nil {
		c.miss(key, "malformed registration", err)
		return nil
	}

	if reg.Expired(c.now()) {
		c.logger.Debug("cached registration expired",
			slog.String("key", key.String()),
			slog.Time("expires_at", reg.ExpiresAt),
		)

		return nil
	}

	return &reg
}

// SaveClientRegistration writes reg under key.
func (c *DiskCache) SaveClientRegistration(ctx context.Context, key Key, reg models.ClientRegistration) error {
	data, err := encodeRegistration(reg)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}

	return c.write(ctx, key, data)
}

// InvalidateClientRegistration removes the registration stored under key.
func (c *DiskCache) InvalidateClientRegistration(ctx context.Context, key Key) error {
	return c.remove(ctx, key)
}

// --- Access tokens ---

// LoadAccessToken returns the token stored under key, or nil if it is
// absent or unreadable. Expired tokens are returned so callers can
// decide whether to refresh them.
func (c *DiskCache) LoadAccessToken(key Key) *models.AccessToken {
	data := c.read(key)
	if data == nil {
		return nil
	}

	tok, err := decodeToken(data)
	if err != nil {
		c.miss(key, "malformed access token", err)
		return nil
	}

	return &tok
}

// SaveAccessToken writes tok under key.
func (c *DiskCache) SaveAccessToken(ctx context.Context, key Key, tok models.AccessToken) error {
	data, err := encodeToken(tok)
	if err != nil {
		return fmt.Errorf("encoding access token: %w", err)
	}

	return c.write(ctx, key, data)
}

// InvalidateAccessToken removes the token stored under key.
func (c *DiskCache) InvalidateAccessToken(ctx context.Context, key Key) error {
	return c.remove(ctx, key)
}

// --- File handling ---

func (c *DiskCache) path(key Key) string {
	return filepath.Join(c.dir, key.FileName())
}

func (c *DiskCache) read(key Key) []byte {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.miss(key, "unreadable entry", err)
		}

		return nil
	}

	if isSealed(data) {
		if c.sealer == nil {
			c.miss(key, "encrypted entry without key", nil)
			return nil
		}

		data, err = c.sealer.Open(data)
		if err != nil {
			c.miss(key, "undecryptable entry", err)
			return nil
		}
	}

	return data
}

func (c *DiskCache) write(ctx context.Context, key Key, data []byte) error {
	if c.sealer != nil {
		sealed, err := c.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("sealing %s: %w", key, err)
		}

		data = sealed
	}

	unlock, err := c.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := writeFileAtomic(c.path(key), data, filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (c *DiskCache) remove(ctx context.Context, key Key) error {
	unlock, err := c.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}

// lock takes the in-process mutex and then the file lock for key. The
// lock file is left behind; deleting it would race with other holders.
func (c *DiskCache) lock(ctx context.Context, key Key) (func(), error) {
	c.mu.Lock()

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	fl := flock.New(c.path(key) + ".lock")

	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		c.mu.Unlock()

		if err == nil {
			err = ctx.Err()
		}

		return nil, fmt.Errorf("locking %s: %w", key, err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			c.logger.Warn("releasing cache lock",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}

		c.mu.Unlock()
	}, nil
}

func (c *DiskCache) miss(key Key, reason string, err error) {
	attrs := []any{
		slog.String("key", key.String()),
		slog.String("file", key.FileName()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	c.logger.Debug("cache miss: "+reason, attrs...)
}
