// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"log/slog"
	"time"
)

const redacted = "<redacted>"

// Flavor distinguishes the two OIDC client registration variants.
type Flavor string

const (
	FlavorDevice Flavor = "device"
	FlavorPKCE   Flavor = "pkce"
)

// AuthState is the sign-in state of a bearer connection.
type AuthState string

const (
	StateNotAuthenticated     AuthState = "NOT_AUTHENTICATED"
	StateNeedsRefresh         AuthState = "NEEDS_REFRESH"
	StateAuthorized           AuthState = "AUTHORIZED"
	StatePendingAuthorization AuthState = "PENDING_AUTHORIZATION"
)

// ClientRegistration holds the credentials this application uses to
// talk to the identity provider's token endpoints. Device registrations
// only populate the first four fields; PKCE registrations carry the
// issuer, grant types, and redirect URIs they were registered with.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
	Scopes       []string

	IssuerURL    string
	Region       string
	ClientType   string
	GrantTypes   []string
	RedirectURIs []string
}

// Flavor reports which flow the registration was created for.
func (r ClientRegistration) Flavor() Flavor {
	if r.IssuerURL != "" || len(r.RedirectURIs) > 0 {
		return FlavorPKCE
	}

	return FlavorDevice
}

// Expired reports whether the registration may no longer be used at now.
func (r ClientRegistration) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r ClientRegistration) String() string {
	return fmt.Sprintf("ClientRegistration{clientId=%s, clientSecret=%s, expiresAt=%s, scopes=%v, flavor=%s}",
		r.ClientID, redactValue(r.ClientSecret), r.ExpiresAt.UTC().Format(time.RFC3339), r.Scopes, r.Flavor())
}

func (r ClientRegistration) GoString() string {
	return r.String()
}

// LogValue implements slog.LogValuer so registrations can be logged
// directly without leaking the client secret.
func (r ClientRegistration) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", r.ClientID),
		slog.String("client_secret", redactValue(r.ClientSecret)),
		slog.Time("expires_at", r.ExpiresAt),
		slog.Any("scopes", r.Scopes),
		slog.String("flavor", string(r.Flavor())),
	)
}

// AccessToken is the user's bearer credential for one connection.
// StartURL holds the issuer URL for PKCE tokens.
type AccessToken struct {
	StartURL     string
	Region       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Flavor       Flavor
}

// Expired reports whether the token's expiry is strictly before now.
func (t AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// CanRefresh reports whether a refresh token is present.
func (t AccessToken) CanRefresh() bool {
	return t.RefreshToken != ""
}

func (t AccessToken) String() string {
	return fmt.Sprintf("AccessToken{startUrl=%s, region=%s, accessToken=%s, refreshToken=%s, expiresAt=%s, createdAt=%s}",
		t.StartURL, t.Region, redactValue(t.AccessToken), redactValue(t.RefreshToken),
		t.ExpiresAt.UTC().Format(time.RFC3339), t.CreatedAt.UTC().Format(time.RFC3339))
}

func (t AccessToken) GoString() string {
	return t.String()
}

func (t AccessToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("start_url", t.StartURL),
		slog.String("region", t.Region),
		slog.String("access_token", redactValue(t.AccessToken)),
		slog.String("refresh_token", redactValue(t.RefreshToken)),
		slog.Time("expires_at", t.ExpiresAt),
		slog.Time("created_at", t.CreatedAt),
	)
}

// DeviceAuthorization is the pending state of a device-authorization
// grant: what the user must enter and where, and how often to poll.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                time.Duration
	CreatedAt               time.Time
	ExpiresAt               time.Time
}

func (a DeviceAuthorization) String() string {
	return fmt.Sprintf("DeviceAuthorization{userCode=%s, verificationUri=%s, deviceCode=%s, interval=%s, expiresAt=%s}",
		a.UserCode, a.VerificationURI, redactValue(a.DeviceCode), a.Interval, a.ExpiresAt.UTC().Format(time.RFC3339))
}

func (a DeviceAuthorization) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_code", a.UserCode),
		slog.String("verification_uri", a.VerificationURI),
		slog.String("device_code", redactValue(a.DeviceCode)),
		slog.Duration("interval", a.Interval),
		slog.Time("expires_at", a.ExpiresAt),
	)
}

func redactValue(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}
