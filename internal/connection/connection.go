// Package connection decides which signed-in identity each feature uses.
// It owns the set of known connections, the active one, and per-feature
// pins, and keeps them in the state database across runs.
package connection

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/alexjbarnes/toolkit-auth/internal/bearer"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

// Type distinguishes the two connection variants.
type Type string

const (
	TypeClassic Type = "classic"
	TypeBearer  Type = "bearer"
)

// Connection is either a *ClassicConnection or a *BearerConnection.
type Connection interface {
	ID() string
	Label() string
	Type() Type
}

// TokenProvider is the part of *bearer.Provider the manager drives.
type TokenProvider interface {
	State() models.AuthState
	ResolveToken(ctx context.Context) (models.AccessToken, error)
	Reauthenticate(ctx context.Context) (models.AccessToken, error)
	SignIn(ctx context.Context) (models.AccessToken, error)
	Invalidate(ctx context.Context) error
	Subscribe(fn bearer.Listener) *bearer.Subscription
	Close()
}

// ProviderFunc builds the token provider for a bearer connection.
type ProviderFunc func(cfg bearer.Config) TokenProvider

// ClassicConnection wraps a credential identifier discovered by the
// registry.
type ClassicConnection struct {
	Identifier models.CredentialIdentifier
}

func (c *ClassicConnection) ID() string { return c.Identifier.ID }

func (c *ClassicConnection) Label() string {
	if c.Identifier.DisplayName != "" {
		return c.Identifier.DisplayName
	}

	return c.Identifier.ID
}

func (c *ClassicConnection) Type() Type { return TypeClassic }

// BearerConnection is an SSO session for one start URL and region.
type BearerConnection struct {
	StartURL string
	Region   string
	Scopes   []string
	Provider TokenProvider

	label string
}

// BearerID is the connection id for a start URL in a region.
func BearerID(region, startURL string) string {
	return fmt.Sprintf("sso;%s;%s", region, startURL)
}

func (c *BearerConnection) ID() string { return BearerID(c.Region, c.StartURL) }

func (c *BearerConnection) Label() string {
	if c.label != "" {
		return c.label
	}

	return c.StartURL
}

func (c *BearerConnection) Type() Type { return TypeBearer }

// Grants reports whether the connection's scopes cover required.
func (c *BearerConnection) Grants(required []string) bool {
	return lo.Every(c.Scopes, required)
}
