// Package flow runs the interactive OIDC authorization flows that turn a
// user's sign-in into an access token.
package flow

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=$GOFILE -destination=mock_$GOFILE -package=$GOPACKAGE

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
	"github.com/alexjbarnes/toolkit-auth/internal/registration"
)

// Flow obtains a fresh access token interactively.
type Flow interface {
	Run(ctx context.Context) (models.AccessToken, error)
}

// Registrar hands out client registrations. *registration.Manager
// satisfies it.
type Registrar interface {
	GetOrRegister(ctx context.Context, req registration.Request) (models.ClientRegistration, error)
	Invalidate(ctx context.Context, req registration.Request) error
}

// TokenStore persists issued tokens. *cache.DiskCache satisfies it.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, key cache.Key, tok models.AccessToken) error
}

// Connection names the identity provider and scopes a flow signs in to.
// StartURL is the issuer URL for PKCE connections.
type Connection struct {
	StartURL string
	Region   string
	Scopes   []string
}

// Deps are the collaborators shared by both flows.
type Deps struct {
	Registrations Registrar
	Clients       oidc.ClientProvider
	Tokens        TokenStore
	Prompter      Prompter
	Logger        *slog.Logger
}

func (d Deps) persist(ctx context.Context, conn Connection, tok models.AccessToken) error {
	return d.Tokens.SaveAccessToken(ctx, cache.TokenKey(conn.Region, conn.StartURL, conn.Scopes), tok)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
