package registration

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *cache.DiskCache {
	t.Helper()

	c, err := cache.New(t.TempDir(), cache.WithLogger(testLogger()))
	require.NoError(t, err)

	return c
}

func testManager(t *testing.T, store Store) (*Manager, *oidc.MockClient) {
	t.Helper()

	ctrl := gomock.NewController(t)
	client := oidc.NewMockClient(ctrl)

	m := NewManager(oidc.StaticClientProvider(client), store, testLogger())
	t.Cleanup(m.Close)

	return m, client
}

func registerOutput(id string, expiresAt time.Time) *ssooidc.RegisterClientOutput {
	return &ssooidc.RegisterClientOutput{
		ClientId:              aws.String(id),
		ClientSecret:          aws.String(id + "-secret"),
		ClientSecretExpiresAt: expiresAt.Unix(),
	}
}

var deviceRequest = Request{
	Issuer: "https://view.awsapps.com/start",
	Region: "us-east-1",
	Scopes: []string{"sso:account:access", "codewhisperer:completions"},
	Flavor: models.FlavorDevice,
}

// --- GetOrRegister ---

func TestGetOrRegister_RegistersOnceThenReuses(t *testing.T) {
	m, client := testManager(t, testStore(t))
	ctx := context.Background()

	client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in *ssooidc.RegisterClientInput, _ ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
			assert.Equal(t, oidc.ClientTypePublic, aws.ToString(in.ClientType))
			assert.Equal(t, oidc.ClientName, aws.ToString(in.ClientName))
			assert.Equal(t, []string{"codewhisperer:completions", "sso:account:access"}, in.Scopes)
			assert.Nil(t, in.IssuerUrl)
			assert.Empty(t, in.GrantTypes)

			return registerOutput("client-1", time.Now().Add(90*24*time.Hour)), nil
		}).Times(1)

	first, err := m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, "client-1", first.ClientID)
	assert.Equal(t, models.FlavorDevice, first.Flavor())

	second, err := m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetOrRegister_UsesDiskAcrossManagers(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, client := testManager(t, store)
	client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
		Return(registerOutput("client-1", time.Now().Add(time.Hour)), nil)

	_, err := first.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)

	second, _ := testManager(t, store)
	reg, err := second.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, "client-1", reg.ClientID)
}

func TestGetOrRegister_ExpiredRegistrationIsReplaced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveClientRegistration(ctx, deviceRequest.key(), models.ClientRegistration{
		ClientID:     "stale",
		ClientSecret: "stale-secret",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	m, client := testManager(t, store)
	client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
		Return(registerOutput("fresh", time.Now().Add(time.Hour)), nil)

	reg, err := m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, "fresh", reg.ClientID)

	persisted := store.LoadClientRegistration(deviceRequest.key())
	require.NotNil(t, persisted)
	assert.Equal(t, "fresh", persisted.ClientID)
}

func TestGetOrRegister_OtherFlavorIsAMiss(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	pkceRequest := Request{
		Issuer: "https://view.awsapps.com/start",
		Region: "us-east-1",
		Flavor: models.FlavorPKCE,
	}

	// A device registration saved where the PKCE flow looks.
	require.NoError(t, store.SaveClientRegistration(ctx, pkceRequest.key(), models.ClientRegistration{
		ClientID:     "device-client",
		ClientSecret: "device-secret",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	m, client := testManager(t, store)
	client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in *ssooidc.RegisterClientInput, _ ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
			assert.Equal(t, []string{RedirectURI}, in.RedirectUris)
			return registerOutput("pkce-client", time.Now().Add(time.Hour)), nil
		})

	reg, err := m.GetOrRegister(ctx, pkceRequest)
	require.NoError(t, err)
	assert.Equal(t, "pkce-client", reg.ClientID)
	assert.Equal(t, models.FlavorPKCE, reg.Flavor())
}

func TestGetOrRegister_ScopelessFlavorsDoNotShare(t *testing.T) {
	m, client := testManager(t, testStore(t))
	ctx := context.Background()

	device := Request{Issuer: "https://a.awsapps.com/start", Region: "us-east-1", Flavor: models.FlavorDevice}
	pkce := Request{Issuer: "https://b.awsapps.com/start", Region: "us-east-1", Flavor: models.FlavorPKCE}

	gomock.InOrder(
		client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
			Return(registerOutput("device-client", time.Now().Add(time.Hour)), nil),
		client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
			Return(registerOutput("pkce-client", time.Now().Add(time.Hour)), nil),
	)

	first, err := m.GetOrRegister(ctx, device)
	require.NoError(t, err)

	second, err := m.GetOrRegister(ctx, pkce)
	require.NoError(t, err)

	assert.Equal(t, "device-client", first.ClientID)
	assert.Equal(t, "pkce-client", second.ClientID)
	assert.NotEqual(t, device.key().FileName(), pkce.key().FileName())
}

func TestGetOrRegister_MemoExpiresWithRegistration(t *testing.T) {
	m, client := testManager(t, testStore(t))
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	gomock.InOrder(
		client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
			Return(registerOutput("first", now.Add(time.Hour)), nil),
		client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
			Return(registerOutput("second", now.Add(3*time.Hour)), nil),
	)

	reg, err := m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, "first", reg.ClientID)

	now = now.Add(2 * time.Hour)

	reg, err = m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, "second", reg.ClientID)
}

func TestGetOrRegister_PKCE(t *testing.T) {
	var logs bytes.Buffer

	ctrl := gomock.NewController(t)
	client := oidc.NewMockClient(ctrl)
	m := NewManager(oidc.StaticClientProvider(client), testStore(t), slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(m.Close)

	req := Request{
		Issuer: "https://idc.example.com/ssoins-1",
		Region: "eu-west-1",
		Scopes: []string{"codewhisperer:completions"},
		Flavor: models.FlavorPKCE,
	}

	client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in *ssooidc.RegisterClientInput, _ ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
			assert.Equal(t, []string{oidc.GrantAuthorizationCode, oidc.GrantRefreshToken}, in.GrantTypes)
			assert.Equal(t, []string{RedirectURI}, in.RedirectUris)
			assert.Equal(t, req.Issuer, aws.ToString(in.IssuerUrl))

			return registerOutput("pkce-client", time.Now().Add(time.Hour)), nil
		})

	reg, err := m.GetOrRegister(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.FlavorPKCE, reg.Flavor())
	assert.Equal(t, req.Issuer, reg.IssuerURL)
	assert.Contains(t, logs.String(), "does not look like an IAM Identity Center URL")
	assert.NotContains(t, logs.String(), "pkce-client-secret")
}

func TestGetOrRegister_Failure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rejected", &types.InvalidClientMetadataException{}, false},
		{"server error", &types.InternalServerException{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, client := testManager(t, testStore(t))
			client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).Return(nil, tt.err)

			_, err := m.GetOrRegister(context.Background(), deviceRequest)
			require.Error(t, err)
			assert.ErrorIs(t, err, autherrors.ErrRegistrationFailed)
			assert.Equal(t, tt.transient, errors.Is(err, autherrors.ErrTransient))

			var regErr *autherrors.RegistrationFailedError
			require.ErrorAs(t, err, &regErr)
			assert.Equal(t, deviceRequest.Region, regErr.Region)
		})
	}
}

func TestGetOrRegister_ConcurrentCallersShareOneRegistration(t *testing.T) {
	m, client := testManager(t, testStore(t))
	release := make(chan struct{})

	client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *ssooidc.RegisterClientInput, ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
			<-release
			return registerOutput("shared", time.Now().Add(time.Hour)), nil
		}).Times(1)

	var wg sync.WaitGroup

	results := make([]string, 5)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			reg, err := m.GetOrRegister(context.Background(), deviceRequest)
			assert.NoError(t, err)
			results[i] = reg.ClientID
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, "shared", id)
	}
}

// --- Invalidate ---

func TestInvalidate_ForcesNewRegistration(t *testing.T) {
	store := testStore(t)
	m, client := testManager(t, store)
	ctx := context.Background()

	gomock.InOrder(
		client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
			Return(registerOutput("old", time.Now().Add(time.Hour)), nil),
		client.EXPECT().RegisterClient(gomock.Any(), gomock.Any()).
			Return(registerOutput("new", time.Now().Add(time.Hour)), nil),
	)

	_, err := m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, deviceRequest))
	assert.Nil(t, store.LoadClientRegistration(deviceRequest.key()))

	reg, err := m.GetOrRegister(ctx, deviceRequest)
	require.NoError(t, err)
	assert.Equal(t, "new", reg.ClientID)
}

// --- Close ---

func TestClose_IsIdempotent(t *testing.T) {
	m := NewManager(oidc.StaticClientProvider(nil), testStore(t), testLogger())

	m.Close()
	m.Close()
}
