package cache

import (
	"testing"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, nil},
		{"blank only", []string{" ", ""}, nil},
		{"sorted and deduplicated", []string{"b", "a", " b "}, []string{"a", "b"}},
		{"NFC", []string{"café"}, []string{"café"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeScopes(tt.in))
		})
	}
}

func TestTokenKey_ScopeOrderDoesNotMatter(t *testing.T) {
	a := TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"x", "y"})
	b := TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"y", "x", "x"})

	assert.Equal(t, a.FileName(), b.FileName())
}

func TestTokenKey_DistinguishesRegionAndScopes(t *testing.T) {
	base := TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"x"})

	assert.NotEqual(t, base.FileName(), TokenKey("eu-west-1", "https://view.awsapps.com/start", []string{"x"}).FileName())
	assert.NotEqual(t, base.FileName(), TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"y"}).FileName())
}

func TestTokenKey_ScopelessKeepsRegion(t *testing.T) {
	east := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	west := TokenKey("eu-west-1", "https://view.awsapps.com/start", nil)

	assert.IsType(t, AccessTokenKey{}, east)
	assert.NotEqual(t, east.FileName(), west.FileName())
	assert.NotEqual(t, east.FileName(), TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"x"}).FileName())
}

func TestRegistrationKey_LegacyLayout(t *testing.T) {
	key := RegistrationKey(models.FlavorDevice, "https://view.awsapps.com/start", "us-west-2", nil)

	assert.Equal(t, "aws-toolkit-jetbrains-client-id-us-west-2.json", key.FileName())
}

func TestRegistrationKey_FlavorsDiffer(t *testing.T) {
	device := RegistrationKey(models.FlavorDevice, "https://x", "us-east-1", []string{"a"})
	pkce := RegistrationKey(models.FlavorPKCE, "https://x", "us-east-1", []string{"a"})

	assert.IsType(t, DeviceRegistrationKey{}, device)
	assert.IsType(t, PKCERegistrationKey{}, pkce)
	assert.NotEqual(t, device.FileName(), pkce.FileName())
}

func TestRegistrationKey_ScopelessFlavorsDiffer(t *testing.T) {
	pkce := RegistrationKey(models.FlavorPKCE, "https://issuer-a.example/identitycenter", "us-east-1", nil)
	device := RegistrationKey(models.FlavorDevice, "https://b.awsapps.com/start", "us-east-1", nil)

	assert.IsType(t, PKCERegistrationKey{}, pkce)
	assert.NotEqual(t, pkce.FileName(), device.FileName())
}

func TestRegistrationKey_ScopelessPKCEKeepsIssuer(t *testing.T) {
	a := RegistrationKey(models.FlavorPKCE, "https://issuer-a.example", "us-east-1", nil)
	b := RegistrationKey(models.FlavorPKCE, "https://issuer-b.example", "us-east-1", nil)

	assert.NotEqual(t, a.FileName(), b.FileName())
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2999-06-10T00:50:40UTC")
	assert.NoError(t, err)
	assert.Equal(t, 2999, got.Year())

	got, err = parseTime("2025-01-02T03:04:05.5+02:00")
	assert.NoError(t, err)
	assert.Equal(t, 1, got.Hour())

	got, err = parseTime("")
	assert.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
