package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache(t *testing.T, opts ...Option) *DiskCache {
	t.Helper()

	opts = append([]Option{
		WithLogger(testLogger()),
		WithClock(func() time.Time { return testNow }),
	}, opts...)

	c, err := New(t.TempDir(), opts...)
	require.NoError(t, err)

	return c
}

func testRegistration() models.ClientRegistration {
	return models.ClientRegistration{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		ExpiresAt:    testNow.Add(90 * 24 * time.Hour),
		Scopes:       []string{"codewhisperer:completions", "sso:account:access"},
		Region:       "us-east-1",
		ClientType:   "public",
	}
}

func testToken() models.AccessToken {
	return models.AccessToken{
		StartURL:     "https://view.awsapps.com/start",
		Region:       "us-east-1",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    testNow.Add(time.Hour),
		CreatedAt:    testNow,
		Flavor:       models.FlavorDevice,
	}
}

func writeRaw(t *testing.T, c *DiskCache, key Key, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), key.FileName()), []byte(content), 0o600))
}

// --- New ---

func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sso", "cache")

	c, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(c.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// --- Registrations ---

func TestClientRegistration_RoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	key := RegistrationKey(models.FlavorDevice, "https://view.awsapps.com/start", "us-east-1", []string{"sso:account:access"})

	assert.Nil(t, c.LoadClientRegistration(key))

	require.NoError(t, c.SaveClientRegistration(ctx, key, testRegistration()))

	got := c.LoadClientRegistration(key)
	require.NotNil(t, got)
	assert.Equal(t, testRegistration(), *got)
}

func TestClientRegistration_ExpiredIsMiss(t *testing.T) {
	c := testCache(t)
	key := RegistrationKey(models.FlavorDevice, "https://view.awsapps.com/start", "us-east-1", []string{"a"})

	reg := testRegistration()
	reg.ExpiresAt = testNow.Add(-time.Second)
	require.NoError(t, c.SaveClientRegistration(context.Background(), key, reg))

	assert.Nil(t, c.LoadClientRegistration(key))
}

func TestClientRegistration_ExpiringNowIsMiss(t *testing.T) {
	c := testCache(t)
	key := RegistrationKey(models.FlavorDevice, "https://view.awsapps.com/start", "us-east-1", []string{"a"})

	reg := testRegistration()
	reg.ExpiresAt = testNow
	require.NoError(t, c.SaveClientRegistration(context.Background(), key, reg))

	assert.Nil(t, c.LoadClientRegistration(key))
}

func TestClientRegistration_PKCEFlavorSurvivesRoundTrip(t *testing.T) {
	c := testCache(t)
	key := RegistrationKey(models.FlavorPKCE, "https://idc.example.com", "eu-west-1", []string{"a"})

	reg := testRegistration()
	reg.IssuerURL = "https://identitycenter.amazonaws.com/ssoins-111"
	reg.GrantTypes = []string{"authorization_code", "refresh_token"}
	reg.RedirectURIs = []string{"http://127.0.0.1/oauth/callback"}
	require.NoError(t, c.SaveClientRegistration(context.Background(), key, reg))

	got := c.LoadClientRegistration(key)
	require.NotNil(t, got)
	assert.Equal(t, models.FlavorPKCE, got.Flavor())
	assert.Equal(t, reg.RedirectURIs, got.RedirectURIs)
}

func TestClientRegistration_MalformedIsMiss(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{{{"},
		{"empty", ""},
		{"missing secret", `{"clientId":"x","expiresAt":"2999-01-01T00:00:00Z"}`},
		{"bad expiry", `{"clientId":"x","clientSecret":"y","expiresAt":"tomorrow"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCache(t)
			key := RegistrationKey(models.FlavorDevice, "", "us-east-1", nil)
			writeRaw(t, c, key, tt.content)

			assert.Nil(t, c.LoadClientRegistration(key))
		})
	}
}

func TestClientRegistration_AcceptsCLITimeFormat(t *testing.T) {
	c := testCache(t)
	key := RegistrationKey(models.FlavorDevice, "", "us-east-1", nil)
	writeRaw(t, c, key, `{"clientId":"x","clientSecret":"y","expiresAt":"2999-06-10T00:50:40UTC"}`)

	got := c.LoadClientRegistration(key)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2999, 6, 10, 0, 50, 40, 0, time.UTC), got.ExpiresAt)
}

func TestClientRegistration_Invalidate(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	key := RegistrationKey(models.FlavorDevice, "https://view.awsapps.com/start", "us-east-1", []string{"a"})

	require.NoError(t, c.SaveClientRegistration(ctx, key, testRegistration()))
	require.NoError(t, c.InvalidateClientRegistration(ctx, key))
	assert.Nil(t, c.LoadClientRegistration(key))

	// Removing an absent entry is not an error.
	require.NoError(t, c.InvalidateClientRegistration(ctx, key))
}

// --- Access tokens ---

func TestAccessToken_RoundTrip(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"sso:account:access"})

	require.NoError(t, c.SaveAccessToken(context.Background(), key, testToken()))

	got := c.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.Equal(t, testToken(), *got)
}

func TestAccessToken_ExpiredIsReturned(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)

	tok := testToken()
	tok.ExpiresAt = testNow.Add(-time.Hour)
	require.NoError(t, c.SaveAccessToken(context.Background(), key, tok))

	got := c.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.True(t, got.Expired(testNow))
}

func TestAccessToken_PKCEUsesIssuerURL(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://idc.example.com", []string{"a"})

	tok := testToken()
	tok.StartURL = "https://idc.example.com"
	tok.Flavor = models.FlavorPKCE
	require.NoError(t, c.SaveAccessToken(context.Background(), key, tok))

	raw, err := os.ReadFile(filepath.Join(c.Dir(), key.FileName()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"issuerUrl"`)
	assert.NotContains(t, string(raw), `"startUrl"`)

	got := c.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.Equal(t, models.FlavorPKCE, got.Flavor)
	assert.Equal(t, tok.StartURL, got.StartURL)
}

func TestAccessToken_MissingAccessTokenIsMiss(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	writeRaw(t, c, key, `{"region":"us-east-1","expiresAt":"2999-01-01T00:00:00Z"}`)

	assert.Nil(t, c.LoadAccessToken(key))
}

func TestAccessToken_ReadsCLIWrittenFile(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	writeRaw(t, c, key, `{
  "startUrl": "https://view.awsapps.com/start",
  "region": "us-east-1",
  "accessToken": "cli-token",
  "expiresAt": "2999-06-10T00:50:40UTC",
  "clientId": "ignored",
  "clientSecret": "ignored"
}`)

	got := c.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.Equal(t, "cli-token", got.AccessToken)
	assert.False(t, got.CanRefresh())
}

func TestAccessToken_FilePermissions(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	require.NoError(t, c.SaveAccessToken(context.Background(), key, testToken()))

	info, err := os.Stat(filepath.Join(c.Dir(), key.FileName()))
	require.NoError(t, err)

	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

// --- Concurrency ---

func TestSaveAccessToken_ConcurrentWritersNeverTear(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", []string{"a"})

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tok := testToken()
			tok.AccessToken = "token-" + string(rune('a'+i))
			assert.NoError(t, c.SaveAccessToken(ctx, key, tok))
			assert.NotNil(t, c.LoadAccessToken(key))
		}()
	}

	wg.Wait()

	got := c.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.Contains(t, got.AccessToken, "token-")
}

func TestSave_CancelledContextWhileLocked(t *testing.T) {
	c := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)

	// Simulate another process holding the lock.
	other := testCache(t)
	other.dir = c.dir

	unlock, err := other.lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = c.SaveAccessToken(ctx, key, testToken())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- Encryption ---

func TestSealedCache_RoundTrip(t *testing.T) {
	sealer, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)

	c := testCache(t, WithSealer(sealer))
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	require.NoError(t, c.SaveAccessToken(context.Background(), key, testToken()))

	raw, err := os.ReadFile(filepath.Join(c.Dir(), key.FileName()))
	require.NoError(t, err)
	assert.True(t, isSealed(raw))
	assert.NotContains(t, string(raw), "refresh")

	got := c.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.Equal(t, "access", got.AccessToken)
}

func TestSealedCache_ReadsPlainEntries(t *testing.T) {
	sealer, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)

	plain := testCache(t)
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	require.NoError(t, plain.SaveAccessToken(context.Background(), key, testToken()))

	sealed, err := New(plain.Dir(), WithSealer(sealer), WithLogger(testLogger()))
	require.NoError(t, err)

	got := sealed.LoadAccessToken(key)
	require.NotNil(t, got)
	assert.Equal(t, "access", got.AccessToken)
}

func TestSealedCache_WrongKeyIsMiss(t *testing.T) {
	first, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)

	otherKey := make([]byte, 32)
	otherKey[0] = 1
	second, err := NewSealer(otherKey)
	require.NoError(t, err)

	c := testCache(t, WithSealer(first))
	key := TokenKey("us-east-1", "https://view.awsapps.com/start", nil)
	require.NoError(t, c.SaveAccessToken(context.Background(), key, testToken()))

	other, err := New(c.Dir(), WithSealer(second), WithLogger(testLogger()))
	require.NoError(t, err)
	assert.Nil(t, other.LoadAccessToken(key))

	unsealed, err := New(c.Dir(), WithLogger(testLogger()))
	require.NoError(t, err)
	assert.Nil(t, unsealed.LoadAccessToken(key))
}
