// Package registration obtains OIDC client registrations, reusing a
// cached registration until it expires.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
)

// RedirectURI is registered for PKCE clients. The loopback listener may
// bind any port; the identity provider ignores the port for 127.0.0.1.
const RedirectURI = "http://127.0.0.1/oauth/callback"

// Store persists registrations between runs. *cache.DiskCache
// satisfies it.
type Store interface {
	LoadClientRegistration(key cache.Key) *models.ClientRegistration
	SaveClientRegistration(ctx context.Context, key cache.Key, reg models.ClientRegistration) error
	InvalidateClientRegistration(ctx context.Context, key cache.Key) error
}

// Request identifies the registration a flow needs. Issuer is the start
// URL for device registrations and the issuer URL for PKCE ones.
type Request struct {
	Issuer string
	Region string
	Scopes []string
	Flavor models.Flavor
}

func (r Request) key() cache.Key {
	return cache.RegistrationKey(r.Flavor, r.Issuer, r.Region, r.Scopes)
}

func (r Request) flavor() models.Flavor {
	if r.Flavor == models.FlavorPKCE {
		return models.FlavorPKCE
	}

	return models.FlavorDevice
}

// Manager hands out client registrations. Lookups go to an in-memory
// layer, then the store, then RegisterClient.
type Manager struct {
	clients oidc.ClientProvider
	store   Store
	memo    *ttlcache.Cache[string, models.ClientRegistration]
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
	stop    sync.Once
}

// NewManager creates a Manager and starts the goroutine that evicts
// expired registrations from memory. Call Close to stop it.
func NewManager(clients oidc.ClientProvider, store Store, logger *slog.Logger) *Manager {
	m := &Manager{
		clients: clients,
		store:   store,
		memo: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, models.ClientRegistration](),
		),
		now:    time.Now,
		logger: logger,
	}

	go m.memo.Start()

	return m
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (m *Manager) Close() {
	m.stop.Do(m.memo.Stop)
}

// usable reports whether a cached registration can serve req.
func (m *Manager) usable(reg models.ClientRegistration, req Request) bool {
	return !reg.Expired(m.now()) && reg.Flavor() == req.flavor()
}

// GetOrRegister returns a registration valid for req, registering a new
// client when no unexpired one is cached. Concurrent callers for the
// same request share one RegisterClient call.
func (m *Manager) GetOrRegister(ctx context.Context, req Request) (models.ClientRegistration, error) {
	key := req.key()
	name := key.FileName()

	if item := m.memo.Get(name); item != nil && m.usable(item.Value(), req) {
		return item.Value(), nil
	}

	// A registration of the other flavor under this key is a miss: a
	// device client has no redirect URI and cannot run a PKCE flow.
	if reg := m.store.LoadClientRegistration(key); reg != nil && m.usable(*reg, req) {
		m.remember(name, *reg)
		return *reg, nil
	}

	v, err, _ := m.group.Do(name, func() (any, error) {
		reg, err := m.register(ctx, req)
		if err != nil {
			return nil, err
		}

		if err := m.store.SaveClientRegistration(ctx, key, reg); err != nil {
			m.logger.Warn("persisting client registration",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}

		m.remember(name, reg)

		return reg, nil
	})
	if err != nil {
		return models.ClientRegistration{}, err
	}

	return v.(models.ClientRegistration), nil
}

// Invalidate forgets the registration for req in memory and on disk.
// The next GetOrRegister registers a fresh client.
func (m *Manager) Invalidate(ctx context.Context, req Request) error {
	key := req.key()
	m.memo.Delete(key.FileName())

	if err := m.store.InvalidateClientRegistration(ctx, key); err != nil {
		return fmt.Errorf("invalidating client registration: %w", err)
	}

	m.logger.Info("client registration invalidated",
		slog.String("issuer", req.Issuer),
		slog.String("region", req.Region),
	)

	return nil
}

func (m *Manager) remember(name string, reg models.ClientRegistration) {
	ttl := reg.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return
	}

	m.memo.Set(name, reg, ttl)
}

func (m *Manager) register(ctx context.Context, req Request) (models.ClientRegistration, error) {
	scopes := cache.NormalizeScopes(req.Scopes)

	in := &ssooidc.RegisterClientInput{
		ClientName: aws.String(oidc.ClientName),
		ClientType: aws.String(oidc.ClientTypePublic),
		Scopes:     scopes,
	}

	if req.Flavor == models.FlavorPKCE {
		if !strings.Contains(req.Issuer, "identitycenter") {
			m.logger.Warn("PKCE issuer does not look like an IAM Identity Center URL",
				slog.String("issuer", req.Issuer),
			)
		}

		in.GrantTypes = []string{oidc.GrantAuthorizationCode, oidc.GrantRefreshToken}
		in.RedirectUris = []string{RedirectURI}
		in.IssuerUrl = aws.String(req.Issuer)
	}

	out, err := m.clients(req.Region).RegisterClient(ctx, in)
	if err != nil {
		return models.ClientRegistration{}, &autherrors.RegistrationFailedError{
			Issuer:    req.Issuer,
			Region:    req.Region,
			Transient: oidc.IsTransient(err),
			Err:       err,
		}
	}

	reg := models.ClientRegistration{
		ClientID:     aws.ToString(out.ClientId),
		ClientSecret: aws.ToString(out.ClientSecret),
		ExpiresAt:    time.Unix(out.ClientSecretExpiresAt, 0).UTC(),
		Scopes:       scopes,
		Region:       req.Region,
		ClientType:   oidc.ClientTypePublic,
	}

	if req.Flavor == models.FlavorPKCE {
		reg.IssuerURL = req.Issuer
		reg.GrantTypes = in.GrantTypes
		reg.RedirectURIs = in.RedirectUris
	}

	m.logger.Info("registered oidc client", slog.Any("registration", reg))

	return reg, nil
}
