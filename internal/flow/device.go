package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"

	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
	"github.com/alexjbarnes/toolkit-auth/internal/registration"
)

const (
	defaultPollInterval = 5 * time.Second
	slowDownIncrement   = 5 * time.Second
)

// DeviceFlow runs the OAuth device-authorization grant.
type DeviceFlow struct {
	conn Connection
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	pending *models.DeviceAuthorization
}

// NewDeviceFlow creates a device flow for conn.
func NewDeviceFlow(conn Connection, deps Deps) *DeviceFlow {
	return &DeviceFlow{conn: conn, deps: deps, now: nowUTC}
}

// Pending returns the authorization the user is currently being asked
// to approve, if the flow is polling.
func (f *DeviceFlow) Pending() (models.DeviceAuthorization, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending == nil {
		return models.DeviceAuthorization{}, false
	}

	return *f.pending, true
}

func (f *DeviceFlow) setPending(a *models.DeviceAuthorization) {
	f.mu.Lock()
	f.pending = a
	f.mu.Unlock()
}

// Run registers a client if needed, shows the user code, and polls until
// the user approves, declines, or the device code expires. The token is
// persisted before Run returns.
func (f *DeviceFlow) Run(ctx context.Context) (models.AccessToken, error) {
	req := registration.Request{
		Issuer: f.conn.StartURL,
		Region: f.conn.Region,
		Scopes: f.conn.Scopes,
		Flavor: models.FlavorDevice,
	}

	reg, err := f.deps.Registrations.GetOrRegister(ctx, req)
	if err != nil {
		return models.AccessToken{}, err
	}

	client := f.deps.Clients(f.conn.Region)

	auth, err := f.start(ctx, client, reg, req)
	if err != nil {
		return models.AccessToken{}, err
	}

	f.setPending(&auth)
	defer f.setPending(nil)

	f.deps.Prompter.DisplayUserCode(auth.UserCode, auth.VerificationURI)

	openURL := auth.VerificationURIComplete
	if openURL == "" {
		openURL = auth.VerificationURI
	}

	if err := f.deps.Prompter.OpenBrowser(openURL); err != nil {
		f.deps.Logger.Debug("opening browser", slog.String("error", err.Error()))
	}

	tok, err := f.poll(ctx, client, reg, auth)
	if err != nil {
		return models.AccessToken{}, err
	}

	tok.StartURL = f.conn.StartURL
	tok.Region = f.conn.Region
	tok.Flavor = models.FlavorDevice

	if err := f.deps.persist(ctx, f.conn, tok); err != nil {
		return models.AccessToken{}, fmt.Errorf("persisting access token: %w", err)
	}

	f.deps.Logger.Info("device authorization complete",
		slog.String("start_url", f.conn.StartURL),
		slog.Time("expires_at", tok.ExpiresAt),
	)

	return tok, nil
}

func (f *DeviceFlow) start(ctx context.Context, client oidc.Client, reg models.ClientRegistration, req registration.Request) (models.DeviceAuthorization, error) {
	out, err := client.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     aws.String(reg.ClientID),
		ClientSecret: aws.String(reg.ClientSecret),
		StartUrl:     aws.String(f.conn.StartURL),
	})
	if err != nil {
		if oidc.IsInvalidClient(err) {
			if invErr := f.deps.Registrations.Invalidate(ctx, req); invErr != nil {
				f.deps.Logger.Warn("invalidating rejected registration", slog.String("error", invErr.Error()))
			}

			return models.DeviceAuthorization{}, fmt.Errorf("starting device authorization: %w", errors.Join(autherrors.ErrInvalidClient, err))
		}

		return models.DeviceAuthorization{}, fmt.Errorf("starting device authorization: %w", err)
	}

	now := f.now()

	interval := time.Duration(out.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return models.DeviceAuthorization{
		DeviceCode:              aws.ToString(out.DeviceCode),
		UserCode:                aws.ToString(out.UserCode),
		VerificationURI:         aws.ToString(out.VerificationUri),
		VerificationURIComplete: aws.ToString(out.VerificationUriComplete),
		Interval:                interval,
		CreatedAt:               now,
		ExpiresAt:               now.Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// poll calls CreateToken until it succeeds or fails terminally. The
// first poll is immediate; pending and slow-down responses wait one
// interval, never past the device code's expiry.
func (f *DeviceFlow) poll(ctx context.Context, client oidc.Client, reg models.ClientRegistration, auth models.DeviceAuthorization) (models.AccessToken, error) {
	interval := auth.Interval

	in := &ssooidc.CreateTokenInput{
		ClientId:     aws.String(reg.ClientID),
		ClientSecret: aws.String(reg.ClientSecret),
		GrantType:    aws.String(oidc.GrantDeviceCode),
		DeviceCode:   aws.String(auth.DeviceCode),
	}

	for {
		out, err := client.CreateToken(ctx, in)

		switch {
		case err == nil:
			return oidc.AccessToken(out, f.now()), nil
		case oidc.IsAuthorizationPending(err):
		case oidc.IsSlowDown(err):
			interval += slowDownIncrement
			f.deps.Logger.Debug("device token polling slowed", slog.Duration("interval", interval))
		case oidc.IsExpired(err):
			return models.AccessToken{}, &autherrors.FlowError{Flow: string(models.FlavorDevice), Err: autherrors.ErrFlowExpired}
		case oidc.IsAccessDenied(err):
			return models.AccessToken{}, &autherrors.FlowError{Flow: string(models.FlavorDevice), Err: autherrors.ErrAccessDenied}
		default:
			return models.AccessToken{}, fmt.Errorf("polling for device token: %w", err)
		}

		remaining := auth.ExpiresAt.Sub(f.now())
		if remaining <= 0 {
			return models.AccessToken{}, &autherrors.FlowError{Flow: string(models.FlavorDevice), Err: autherrors.ErrFlowExpired}
		}

		if err := sleep(ctx, min(interval, remaining)); err != nil {
			return models.AccessToken{}, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
