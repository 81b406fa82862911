package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/tidwall/gjson"
)

// cliTimeLayout is the expiry format written by older AWS CLI versions.
const cliTimeLayout = "2006-01-02T15:04:05UTC"

// registrationFile is the on-disk JSON layout of a client registration.
type registrationFile struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	ExpiresAt    string   `json:"expiresAt"`
	Scopes       []string `json:"scopes,omitempty"`
	IssuerURL    string   `json:"issuerUrl,omitempty"`
	Region       string   `json:"region,omitempty"`
	ClientType   string   `json:"clientType,omitempty"`
	GrantTypes   []string `json:"grantTypes,omitempty"`
	RedirectURIs []string `json:"redirectUris,omitempty"`
}

// tokenFile is the on-disk JSON layout of an access token. PKCE tokens
// record their issuer under issuerUrl instead of startUrl.
type tokenFile struct {
	StartURL     string `json:"startUrl,omitempty"`
	IssuerURL    string `json:"issuerUrl,omitempty"`
	Region       string `json:"region"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

func encodeRegistration(r models.ClientRegistration) ([]byte, error) {
	return json.MarshalIndent(registrationFile{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		ExpiresAt:    formatTime(r.ExpiresAt),
		Scopes:       r.Scopes,
		IssuerURL:    r.IssuerURL,
		Region:       r.Region,
		ClientType:   r.ClientType,
		GrantTypes:   r.GrantTypes,
		RedirectURIs: r.RedirectURIs,
	}, "", "  ")
}

func decodeRegistration(data []byte) (models.ClientRegistration, error) {
	if !gjson.ValidBytes(data) {
		return models.ClientRegistration{}, fmt.Errorf("invalid json")
	}

	if !gjson.GetBytes(data, "clientId").Exists() || !gjson.GetBytes(data, "clientSecret").Exists() {
		return models.ClientRegistration{}, fmt.Errorf("missing client credentials")
	}

	var f registrationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return models.ClientRegistration{}, err
	}

	expiresAt, err := parseTime(f.ExpiresAt)
	if err != nil {
		return models.ClientRegistration{}, fmt.Errorf("parsing expiresAt: %w", err)
	}

	return models.ClientRegistration{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		ExpiresAt:    expiresAt,
		Scopes:       f.Scopes,
		IssuerURL:    f.IssuerURL,
		Region:       f.Region,
		ClientType:   f.ClientType,
		GrantTypes:   f.GrantTypes,
		RedirectURIs: f.RedirectURIs,
	}, nil
}

func encodeToken(t models.AccessToken) ([]byte, error) {
	f := tokenFile{
		Region:       t.Region,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    formatTime(t.ExpiresAt),
	}

	if !t.CreatedAt.IsZero() {
		f.CreatedAt = formatTime(t.CreatedAt)
	}

	if t.Flavor == models.FlavorPKCE {
		f.IssuerURL = t.StartURL
	} else {
		f.StartURL = t.StartURL
	}

	return json.MarshalIndent(f, "", "  ")
}

func decodeToken(data []byte) (models.AccessToken, error) {
	if !gjson.ValidBytes(data) {
		return models.AccessToken{}, fmt.Errorf("invalid json")
	}

	if gjson.GetBytes(data, "accessToken").String() == "" {
		return models.AccessToken{}, fmt.Errorf("missing access token")
	}

	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return models.AccessToken{}, err
	}

	expiresAt, err := parseTime(f.ExpiresAt)
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("parsing expiresAt: %w", err)
	}

	createdAt, err := parseTime(f.CreatedAt)
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("parsing createdAt: %w", err)
	}

	t := models.AccessToken{
		StartURL:     f.StartURL,
		Region:       f.Region,
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		ExpiresAt:    expiresAt,
		CreatedAt:    createdAt,
		Flavor:       models.FlavorDevice,
	}

	if gjson.GetBytes(data, "issuerUrl").Exists() {
		t.StartURL = f.IssuerURL
		t.Flavor = models.FlavorPKCE
	}

	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime accepts RFC 3339 and the legacy CLI layout. Empty input
// yields the zero time; a missing expiresAt is rejected by the caller
// through the expiry check.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	if strings.HasSuffix(s, "UTC") {
		return time.Parse(cliTimeLayout, s)
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}
