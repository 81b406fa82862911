// Package app assembles the toolkit from configuration: the SSO cache,
// client registrations, credential discovery and the connection manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alexjbarnes/toolkit-auth/internal/bearer"
	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	"github.com/alexjbarnes/toolkit-auth/internal/config"
	"github.com/alexjbarnes/toolkit-auth/internal/connection"
	"github.com/alexjbarnes/toolkit-auth/internal/credentials"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/flow"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
	"github.com/alexjbarnes/toolkit-auth/internal/registration"
	"github.com/alexjbarnes/toolkit-auth/internal/state"
)

const loginAttempts = 3

// Options override collaborators that differ between the CLI and tests.
type Options struct {
	// Prompter shows device codes and opens the browser. Defaults to a
	// console prompter on stderr.
	Prompter flow.Prompter

	// HTTPClient is used for SSO-OIDC calls. Nil means the SDK default.
	HTTPClient *http.Client

	// LoginBackOff spaces retries of transient login failures. Nil means
	// exponential backoff.
	LoginBackOff backoff.BackOff
}

// App holds the wired toolkit. Close releases the state database and
// stops credential watchers.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Cache         *cache.DiskCache
	Registrations *registration.Manager
	Credentials   *credentials.Registry
	Connections   *connection.Manager

	clients  oidc.ClientProvider
	prompter flow.Prompter
	loginBO  func() backoff.BackOff
	state    *state.State
	stop     context.CancelFunc
	closed   sync.Once
}

// New wires the toolkit. Credential discovery runs before New returns
// and keeps watching shared config files until Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if opts.Prompter == nil {
		opts.Prompter = flow.NewConsolePrompter(os.Stderr)
	}

	cacheOpts := []cache.Option{cache.WithLogger(logger)}

	if cfg.CacheEncryption == config.EncryptionKeyring {
		sealer, err := cache.NewKeyringSealer(filepath.Dir(cfg.StatePath), cfg.KeyringFilePassword, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up cache encryption: %w", err)
		}

		cacheOpts = append(cacheOpts, cache.WithSealer(sealer))
	}

	diskCache, err := cache.New(cfg.CacheDir, cacheOpts...)
	if err != nil {
		return nil, err
	}

	clients := oidc.NewClientProvider(cfg.OIDCEndpoint, opts.HTTPClient)

	a := &App{
		Config:        cfg,
		Logger:        logger,
		Cache:         diskCache,
		Registrations: registration.NewManager(clients, diskCache, logger),
		clients:       clients,
		prompter:      opts.Prompter,
		loginBO: func() backoff.BackOff {
			if opts.LoginBackOff != nil {
				return opts.LoginBackOff
			}
			return backoff.NewExponentialBackOff()
		},
	}

	a.Credentials = credentials.NewRegistry([]credentials.Factory{
		credentials.NewEnvFactory(),
		credentials.NewProfileFactory(cfg.ConfigFile, cfg.CredentialsFile, logger),
		credentials.NewIMDSFactory(credentials.IMDSOptions{
			Disabled:     cfg.MetadataDisabled,
			Endpoint:     cfg.IMDSEndpoint,
			ProbeTimeout: cfg.IMDSProbeTimeout,
		}, logger),
	}, logger)

	watchCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stop = stop
	a.Credentials.Start(watchCtx)

	a.state, err = state.LoadAt(cfg.StatePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	catalog, err := connection.LoadCatalog(cfg.FeaturesFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Connections, err = connection.NewManager(connection.Options{
		Store:       a.state,
		Catalog:     catalog,
		Classic:     a.Credentials,
		NewProvider: a.newProvider,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("restoring connections: %w", err)
	}

	return a, nil
}

// Flavor is the authorization flow new sign-ins use.
func (a *App) Flavor() models.Flavor {
	if a.Config.Flow == config.FlowPKCE {
		return models.FlavorPKCE
	}

	return models.FlavorDevice
}

func (a *App) newProvider(cfg bearer.Config) connection.TokenProvider {
	cfg.Flavor = a.Flavor()

	conn := flow.Connection{StartURL: cfg.StartURL, Region: cfg.Region, Scopes: cfg.Scopes}
	deps := flow.Deps{
		Registrations: a.Registrations,
		Clients:       a.clients,
		Tokens:        a.Cache,
		Prompter:      a.prompter,
		Logger:        a.Logger.With(slog.String("connection", cfg.ID)),
	}

	var f flow.Flow
	if cfg.Flavor == models.FlavorPKCE {
		f = flow.NewPKCEFlow(conn, deps, flow.PKCEOptions{
			Endpoint: a.Config.OIDCEndpoint,
			Timeout:  a.Config.PKCECallbackTimeout,
		})
	} else {
		f = flow.NewDeviceFlow(conn, deps)
	}

	return bearer.NewProvider(cfg, bearer.Deps{
		Tokens:        a.Cache,
		Registrations: a.Registrations,
		Clients:       a.clients,
		Flow:          f,
		Logger:        deps.Logger,
	})
}

// Login signs in through the connection manager. Transient identity
// provider failures are retried with backoff; anything else, including a
// declined or expired sign-in, is returned at once.
func (a *App) Login(ctx context.Context, req connection.LoginRequest) (*connection.BearerConnection, error) {
	return backoff.Retry(ctx, func() (*connection.BearerConnection, error) {
		conn, err := a.Connections.Login(ctx, req)
		if err != nil && !errors.Is(err, autherrors.ErrTransient) {
			return nil, backoff.Permanent(err)
		}

		return conn, err
	},
		backoff.WithBackOff(a.loginBO()),
		backoff.WithMaxTries(loginAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			a.Logger.Warn("sign-in failed, retrying",
				slog.String("start_url", req.StartURL),
				slog.String("error", err.Error()),
				slog.Duration("backoff", d),
			)
		}),
	)
}

// Close stops credential watchers, providers, the registration memo and
// the state database. It is safe to call more than once.
func (a *App) Close() {
	a.closed.Do(func() {
		if a.Connections != nil {
			a.Connections.Close()
		}

		a.stop()
		a.Registrations.Close()

		if a.state != nil {
			if err := a.state.Close(); err != nil {
				a.Logger.Warn("closing state", slog.String("error", err.Error()))
			}
		}
	})
}
