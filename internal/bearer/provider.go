// Package bearer keeps a connection's SSO access token usable: it reads
// the shared cache, refreshes ahead of expiry and runs the interactive
// flow when the session is gone.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/flow"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
	"github.com/alexjbarnes/toolkit-auth/internal/registration"
)

const (
	// PrefetchWindow is how long before expiry a token is refreshed
	// eagerly.
	PrefetchWindow = 20 * time.Minute
)

// TokenCache is where tokens live between runs. *cache.DiskCache
// satisfies it.
type TokenCache interface {
	LoadAccessToken(key cache.Key) *models.AccessToken
	SaveAccessToken(ctx context.Context, key cache.Key, tok models.AccessToken) error
	InvalidateAccessToken(ctx context.Context, key cache.Key) error
}

// Config identifies the connection a provider serves.
type Config struct {
	ID       string
	StartURL string
	Region   string
	Scopes   []string
	Flavor   models.Flavor
}

// Deps are the provider's collaborators. Flow may be nil for a provider
// that only reads and refreshes tokens created elsewhere.
type Deps struct {
	Tokens        TokenCache
	Registrations flow.Registrar
	Clients       oidc.ClientProvider
	Flow          flow.Flow
	Logger        *slog.Logger
}

// EventKind says what happened to a provider's token.
type EventKind int

const (
	EventTokenChanged EventKind = iota
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventTokenChanged:
		return "token_changed"
	case EventInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	ProviderID string
	Kind       EventKind
}

// Listener receives provider events. Listeners are called synchronously
// in subscription order and must not block.
type Listener func(Event)

// Provider serves one connection's bearer token.
type Provider struct {
	cfg  Config
	key  cache.Key
	deps Deps
	now  func() time.Time

	// mu serialises refresh and reauthentication.
	mu    sync.Mutex
	group singleflight.Group

	pending atomic.Bool
	closed  atomic.Bool

	subsMu sync.Mutex
	subs   map[uint64]Listener
	nextID uint64
}

// NewProvider creates a provider for cfg.
func NewProvider(cfg Config, deps Deps) *Provider {
	cfg.Scopes = cache.NormalizeScopes(cfg.Scopes)
	if cfg.Flavor == "" {
		cfg.Flavor = models.FlavorDevice
	}

	return &Provider{
		cfg:  cfg,
		key:  cache.TokenKey(cfg.Region, cfg.StartURL, cfg.Scopes),
		deps: deps,
		now:  time.Now,
		subs: make(map[uint64]Listener),
	}
}

func (p *Provider) ID() string {
	return p.cfg.ID
}

func (p *Provider) Config() Config {
	return p.cfg
}

// StateOf classifies tok at now.
func StateOf(tok *models.AccessToken, now time.Time) models.AuthState {
	switch {
	case tok == nil:
		return models.StateNotAuthenticated
	case !tok.Expired(now):
		return models.StateAuthorized
	case tok.CanRefresh():
		return models.StateNeedsRefresh
	default:
		return models.StateNotAuthenticated
	}
}

// State reports the connection's sign-in state from the cached token.
func (p *Provider) State() models.AuthState {
	if p.pending.Load() {
		return models.StatePendingAuthorization
	}

	return StateOf(p.CurrentToken(), p.now())
}

// CurrentToken returns the cached token without refreshing it.
func (p *Provider) CurrentToken() *models.AccessToken {
	return p.deps.Tokens.LoadAccessToken(p.key)
}

// ResolveToken returns a usable token, refreshing it if it has expired
// or is about to. It never starts an interactive flow.
func (p *Provider) ResolveToken(ctx context.Context) (models.AccessToken, error) {
	tok := p.CurrentToken()
	now := p.now()

	switch StateOf(tok, now) {
	case models.StateNotAuthenticated:
		return models.AccessToken{}, autherrors.ErrNoTokenInitialized
	case models.StateNeedsRefresh:
		return p.refresh(ctx)
	}

	if tok.CanRefresh() && !now.Add(PrefetchWindow).Before(tok.ExpiresAt) {
		fresh, err := p.refresh(ctx)
		if err == nil {
			return fresh, nil
		}

		if errors.Is(err, autherrors.ErrInvalidGrant) {
			return models.AccessToken{}, err
		}

		p.deps.Logger.Warn("early token refresh failed, using current token",
			slog.String("connection", p.cfg.ID),
			slog.Time("expires_at", tok.ExpiresAt),
			slog.String("error", err.Error()),
		)
	}

	return *tok, nil
}

// refresh coalesces concurrent callers into one CreateToken call.
func (p *Provider) refresh(ctx context.Context) (models.AccessToken, error) {
	v, err, _ := p.group.Do("refresh", func() (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()

		return p.refreshLocked(ctx)
	})
	if err != nil {
		return models.AccessToken{}, err
	}

	return v.(models.AccessToken), nil
}

func (p *Provider) refreshLocked(ctx context.Context) (models.AccessToken, error) {
	tok := p.CurrentToken()
	if tok == nil {
		return models.AccessToken{}, autherrors.ErrNoTokenInitialized
	}

	// Another process may have refreshed while we waited for the lock.
	if !tok.Expired(p.now()) && p.now().Add(PrefetchWindow).Before(tok.ExpiresAt) {
		return *tok, nil
	}

	if !tok.CanRefresh() {
		return models.AccessToken{}, autherrors.ErrNoRefreshToken
	}

	// The refresh token belongs to the client that issued it, so the
	// registration follows the flow that signed in, not SSO_FLOW.
	flavor := tok.Flavor
	if flavor == "" {
		flavor = p.cfg.Flavor
	}

	reg, err := p.deps.Registrations.GetOrRegister(ctx, registration.Request{
		Issuer: p.cfg.StartURL,
		Region: p.cfg.Region,
		Scopes: p.cfg.Scopes,
		Flavor: flavor,
	})
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("refreshing token: %w", err)
	}

	out, err := p.deps.Clients(p.cfg.Region).CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(reg.ClientID),
		ClientSecret: aws.String(reg.ClientSecret),
		GrantType:    aws.String(oidc.GrantRefreshToken),
		RefreshToken: aws.String(tok.RefreshToken),
	})
	if err != nil {
		switch {
		case oidc.IsInvalidGrant(err):
			p.deps.Logger.Info("refresh token rejected, sign-in required", slog.String("connection", p.cfg.ID))

			if invErr := p.invalidateLocked(ctx); invErr != nil {
				p.deps.Logger.Warn("clearing rejected token", slog.String("error", invErr.Error()))
			}

			return models.AccessToken{}, fmt.Errorf("refreshing token: %w", errors.Join(autherrors.ErrInvalidGrant, err))
		case oidc.IsTransient(err):
			return models.AccessToken{}, fmt.Errorf("refreshing token: %w", errors.Join(autherrors.ErrTransient, err))
		default:
			return models.AccessToken{}, fmt.Errorf("refreshing token: %w", err)
		}
	}

	fresh := oidc.AccessToken(out, p.now())
	fresh.StartURL = tok.StartURL
	fresh.Region = tok.Region
	fresh.Flavor = tok.Flavor
	fresh.CreatedAt = tok.CreatedAt

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	if err := p.deps.Tokens.SaveAccessToken(ctx, p.key, fresh); err != nil {
		return models.AccessToken{}, fmt.Errorf("persisting refreshed token: %w", err)
	}

	p.deps.Logger.Debug("token refreshed",
		slog.String("connection", p.cfg.ID),
		slog.Time("expires_at", fresh.ExpiresAt),
	)
	p.notify(EventTokenChanged)

	return fresh, nil
}

// Reauthenticate discards the current token and runs the interactive
// flow. State reports PENDING_AUTHORIZATION until the flow returns.
// Callers arriving while a Reauthenticate flow runs wait for it and
// share its result.
func (p *Provider) Reauthenticate(ctx context.Context) (models.AccessToken, error) {
	return p.signIn(ctx, "reauth", true)
}

// SignIn returns the cached token if it is authorized and otherwise runs
// the interactive flow. Concurrent callers share one flow, and a caller
// that queued behind a finished flow gets that flow's token.
func (p *Provider) SignIn(ctx context.Context) (models.AccessToken, error) {
	return p.signIn(ctx, "signin", false)
}

// The shared flow runs under the first caller's ctx. Later callers stop
// waiting when their own ctx ends.
func (p *Provider) signIn(ctx context.Context, key string, force bool) (models.AccessToken, error) {
	if p.deps.Flow == nil {
		return models.AccessToken{}, autherrors.ErrNotInteractive
	}

	ch := p.group.DoChan(key, func() (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if tok := p.CurrentToken(); !force && StateOf(tok, p.now()) == models.StateAuthorized {
			return *tok, nil
		}

		return p.runFlowLocked(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.AccessToken{}, res.Err
		}

		return res.Val.(models.AccessToken), nil
	case <-ctx.Done():
		return models.AccessToken{}, ctx.Err()
	}
}

func (p *Provider) runFlowLocked(ctx context.Context) (models.AccessToken, error) {
	p.pending.Store(true)
	defer p.pending.Store(false)

	if err := p.deps.Tokens.InvalidateAccessToken(ctx, p.key); err != nil {
		return models.AccessToken{}, fmt.Errorf("clearing token before sign-in: %w", err)
	}

	tok, err := p.deps.Flow.Run(ctx)
	if err != nil {
		return models.AccessToken{}, err
	}

	p.notify(EventTokenChanged)

	return tok, nil
}

// Invalidate deletes the cached token and notifies subscribers.
func (p *Provider) Invalidate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.invalidateLocked(ctx)
}

func (p *Provider) invalidateLocked(ctx context.Context) error {
	if err := p.deps.Tokens.InvalidateAccessToken(ctx, p.key); err != nil {
		return fmt.Errorf("invalidating token: %w", err)
	}

	p.notify(EventInvalidated)

	return nil
}

// --- Subscriptions ---

// Subscription is returned by Subscribe.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close stops delivery to the listener. It is safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// Subscribe registers fn for token changes and invalidations.
func (p *Provider) Subscribe(fn Listener) *Subscription {
	p.subsMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.subsMu.Unlock()

	return &Subscription{close: func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}}
}

func (p *Provider) notify(kind EventKind) {
	if p.closed.Load() {
		return
	}

	p.subsMu.Lock()
	ids := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, p.subs[id])
	}
	p.subsMu.Unlock()

	ev := Event{ProviderID: p.cfg.ID, Kind: kind}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Close drops all subscribers. The provider stops sending events but
// keeps serving tokens.
func (p *Provider) Close() {
	p.closed.Store(true)

	p.subsMu.Lock()
	clear(p.subs)
	p.subsMu.Unlock()
}
