package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/toolkit-auth/internal/app"
	"github.com/alexjbarnes/toolkit-auth/internal/config"
	"github.com/alexjbarnes/toolkit-auth/internal/idp"
	"github.com/alexjbarnes/toolkit-auth/internal/mcpserver"
	"github.com/alexjbarnes/toolkit-auth/internal/server"
)

const (
	testStartURL = "https://example.awsapps.com/start"
	testRegion   = "us-east-1"
)

// harness holds the full e2e stack: the identity provider emulator behind
// a real HTTP server and a wired toolkit pointed at it.
type harness struct {
	URL      string
	Store    *idp.Store
	Config   *config.Config
	Prompter *browserPrompter
}

// newHarness starts the emulator and prepares an isolated config. Without
// AutoApprove, device codes are decided as soon as they are shown.
func newHarness(t *testing.T, opts idp.Options, flow string) *harness {
	t.Helper()

	for _, k := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN", "AWS_PROFILE"} {
		t.Setenv(k, "")
	}

	store := idp.NewStore(opts)
	t.Cleanup(store.Stop)

	logger := slog.New(slog.DiscardHandler)
	srv := httptest.NewServer(server.NewMux(server.MuxConfig{Store: store, Logger: logger}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()

	return &harness{
		URL:   srv.URL,
		Store: store,
		Config: &config.Config{
			Environment:         "development",
			Region:              testRegion,
			Flow:                flow,
			OIDCEndpoint:        srv.URL,
			PKCECallbackTimeout: 10 * time.Second,
			CacheDir:            filepath.Join(dir, "sso", "cache"),
			CacheEncryption:     config.EncryptionNone,
			StatePath:           filepath.Join(dir, "state", "state.db"),
			MetadataDisabled:    true,
			IMDSProbeTimeout:    time.Second,
			ConfigFile:          filepath.Join(dir, "config"),
			CredentialsFile:     filepath.Join(dir, "credentials"),
		},
		Prompter: &browserPrompter{store: store, approve: true},
	}
}

// open wires a toolkit against the harness. Each call is a fresh process
// as far as the toolkit is concerned.
func (h *harness) open(t *testing.T) *app.App {
	t.Helper()

	a, err := app.New(context.Background(), h.Config, slog.New(slog.DiscardHandler), app.Options{
		Prompter:     h.Prompter,
		LoginBackOff: &backoff.ZeroBackOff{},
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return a
}

// browserPrompter stands in for the user. Device codes are decided on
// the emulator directly; authorization URLs are fetched the way a
// browser would, following the redirect back to the loopback listener.
type browserPrompter struct {
	store   *idp.Store
	approve bool

	mu     sync.Mutex
	codes  []string
	opened []string
}

func (p *browserPrompter) DisplayUserCode(userCode, _ string) {
	p.mu.Lock()
	p.codes = append(p.codes, userCode)
	p.mu.Unlock()

	p.store.DecideDevice(userCode, p.approve)
}

func (p *browserPrompter) OpenBrowser(target string) error {
	p.mu.Lock()
	p.opened = append(p.opened, target)
	p.mu.Unlock()

	if _, ok := p.store.DeviceByUserCode(userCodeFrom(target)); ok {
		return nil
	}

	go func() {
		resp, err := http.Get(target)
		if err == nil {
			resp.Body.Close()
		}
	}()

	return nil
}

func (p *browserPrompter) userCodes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.codes...)
}

func (p *browserPrompter) openedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.opened...)
}

func userCodeFrom(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	return u.Query().Get("user_code")
}

// mcpSession serves the auth tools for a over in-memory transports.
func mcpSession(t *testing.T, a *app.App) *mcp.ClientSession {
	t.Helper()

	srv := mcp.NewServer(&mcp.Implementation{Name: "toolkit-auth-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(srv, a.Connections, a.Credentials)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := srv.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}
