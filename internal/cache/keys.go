package cache

import (
	"crypto/sha1" //nolint:gosec // file naming only, matches the layout other AWS tools use
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/samber/lo"
	"golang.org/x/text/unicode/norm"
)

// Key identifies one cache entry. Implementations are comparable value
// types; FileName is deterministic for equal keys.
type Key interface {
	FileName() string
	String() string
}

// DeviceRegistrationKey keys a device-grant client registration.
type DeviceRegistrationKey struct {
	StartURL string   `json:"startUrl"`
	Region   string   `json:"region"`
	Scopes   []string `json:"scopes"`
}

func (k DeviceRegistrationKey) FileName() string { return hashedName(k) }
func (k DeviceRegistrationKey) String() string {
	return "device-registration:" + k.Region + ":" + k.StartURL + ":" + strings.Join(k.Scopes, ",")
}

// PKCERegistrationKey keys a PKCE client registration.
type PKCERegistrationKey struct {
	IssuerURL string   `json:"issuerUrl"`
	Region    string   `json:"region"`
	Scopes    []string `json:"scopes"`
}

func (k PKCERegistrationKey) FileName() string { return hashedName(k) }
func (k PKCERegistrationKey) String() string {
	return "pkce-registration:" + k.Region + ":" + k.IssuerURL + ":" + strings.Join(k.Scopes, ",")
}

// AccessTokenKey keys the token for one connection. ConnectionID is the
// SSO region, kept under that name for on-disk compatibility.
type AccessTokenKey struct {
	ConnectionID string   `json:"connectionId"`
	StartURL     string   `json:"startUrl"`
	Scopes       []string `json:"scopes"`
}

func (k AccessTokenKey) FileName() string { return hashedName(k) }
func (k AccessTokenKey) String() string {
	return "token:" + k.ConnectionID + ":" + k.StartURL + ":" + strings.Join(k.Scopes, ",")
}

// legacyRegistrationKey is used for scope-less device registrations.
// Device clients are not bound to a start URL, so the region is enough.
type legacyRegistrationKey struct {
	Region string
}

func (k legacyRegistrationKey) FileName() string {
	return "aws-toolkit-jetbrains-client-id-" + k.Region + ".json"
}

func (k legacyRegistrationKey) String() string { return "registration:" + k.Region }

// RegistrationKey returns the cache key for a client registration.
// Scope-less device registrations use the region-only legacy layout; PKCE
// keys always carry the issuer.
func RegistrationKey(flavor models.Flavor, issuer, region string, scopes []string) Key {
	scopes = NormalizeScopes(scopes)
	issuer = normalize(issuer)

	if flavor == models.FlavorPKCE {
		return PKCERegistrationKey{IssuerURL: issuer, Region: region, Scopes: scopes}
	}

	if len(scopes) == 0 {
		return legacyRegistrationKey{Region: region}
	}

	return DeviceRegistrationKey{StartURL: issuer, Region: region, Scopes: scopes}
}

// TokenKey returns the cache key for a connection's access token.
func TokenKey(region, startURL string, scopes []string) Key {
	return AccessTokenKey{
		ConnectionID: region,
		StartURL:     normalize(startURL),
		Scopes:       NormalizeScopes(scopes),
	}
}

// NormalizeScopes returns scopes in canonical form: NFC normalized,
// trimmed, deduplicated, and sorted. Scope order never affects keys.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))

	for _, s := range scopes {
		s = normalize(s)
		if s != "" {
			out = append(out, s)
		}
	}

	out = lo.Uniq(out)
	sort.Strings(out)

	if len(out) == 0 {
		return nil
	}

	return out
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func hashedName(k any) string {
	// Struct field order is fixed and scopes are pre-sorted, so the
	// encoding is canonical.
	data, err := json.Marshal(k)
	if err != nil {
		// Only plain strings and string slices are marshalled.
		panic("cache: marshalling key: " + err.Error())
	}

	return sha1Hex(string(data)) + ".json"
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s)) //nolint:gosec // see import
	return hex.EncodeToString(h[:])
}
