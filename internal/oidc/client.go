// Package oidc wraps the AWS SSO-OIDC API used to register clients and
// mint tokens for IAM Identity Center and Builder ID connections.
package oidc

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=$GOFILE -destination=mock_$GOFILE -package=$GOPACKAGE

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
)

// Grant types accepted by CreateToken.
const (
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantRefreshToken      = "refresh_token"
	GrantAuthorizationCode = "authorization_code"
)

const (
	ClientTypePublic = "public"
	ClientName       = "AWS Toolkit for Go"
)

// Client is the subset of the SSO-OIDC API the toolkit needs.
// *ssooidc.Client satisfies it.
type Client interface {
	RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// NewClient builds an SSO-OIDC client for region. The API is called
// anonymously and the SDK retryer is disabled: callers decide what is
// worth retrying. A non-empty endpoint replaces the regional endpoint.
func NewClient(region, endpoint string, httpClient *http.Client) *ssooidc.Client {
	cfg := aws.Config{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
		Retryer:     func() aws.Retryer { return aws.NopRetryer{} },
	}

	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	return ssooidc.NewFromConfig(cfg, func(o *ssooidc.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Endpoint returns the SSO-OIDC base URL for region, or the override.
func Endpoint(region, override string) string {
	if override != "" {
		return override
	}

	return fmt.Sprintf("https://oidc.%s.amazonaws.com", region)
}

// AuthorizeURL returns the browser authorization endpoint for the PKCE
// flow under the given base endpoint.
func AuthorizeURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing oidc endpoint: %w", err)
	}

	return u.JoinPath("authorize").String(), nil
}
