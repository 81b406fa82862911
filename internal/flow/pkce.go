package flow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"golang.org/x/oauth2"

	"github.com/alexjbarnes/toolkit-auth/internal/cache"
	autherrors "github.com/alexjbarnes/toolkit-auth/internal/errors"
	"github.com/alexjbarnes/toolkit-auth/internal/models"
	"github.com/alexjbarnes/toolkit-auth/internal/oidc"
	"github.com/alexjbarnes/toolkit-auth/internal/registration"
)

const (
	callbackPath           = "/oauth/callback"
	defaultCallbackTimeout = 5 * time.Minute
	stateBytes             = 20
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><title>AWS Toolkit</title></head>
<body><h2>{{.Title}}</h2><p>{{.Message}}</p></body></html>
`))

// PKCEOptions tune the authorization-code flow.
type PKCEOptions struct {
	// Endpoint is the SSO-OIDC base URL hosting /authorize. Empty means
	// the regional AWS endpoint.
	Endpoint string
	// ListenAddr is where the loopback callback listener binds.
	ListenAddr string
	Timeout    time.Duration
}

// PKCEFlow runs the OAuth authorization-code grant with PKCE against a
// loopback redirect.
type PKCEFlow struct {
	conn Connection
	deps Deps
	opts PKCEOptions
	now  func() time.Time
}

// NewPKCEFlow creates a PKCE flow for conn. conn.StartURL is the issuer.
func NewPKCEFlow(conn Connection, deps Deps, opts PKCEOptions) *PKCEFlow {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallbackTimeout
	}

	return &PKCEFlow{conn: conn, deps: deps, opts: opts, now: nowUTC}
}

type callbackResult struct {
	code string
	err  error
}

// Run opens the browser on the authorization URL, waits for the redirect
// and exchanges the code. The listener is closed before Run returns.
func (f *PKCEFlow) Run(ctx context.Context) (models.AccessToken, error) {
	req := registration.Request{
		Issuer: f.conn.StartURL,
		Region: f.conn.Region,
		Scopes: f.conn.Scopes,
		Flavor: models.FlavorPKCE,
	}

	reg, err := f.deps.Registrations.GetOrRegister(ctx, req)
	if err != nil {
		return models.AccessToken{}, err
	}

	verifier := oauth2.GenerateVerifier()

	state, err := randomState()
	if err != nil {
		return models.AccessToken{}, err
	}

	ln, err := net.Listen("tcp", f.opts.ListenAddr)
	if err != nil {
		return models.AccessToken{}, fmt.Errorf("starting callback listener: %w", err)
	}

	redirectURI := fmt.Sprintf("http://%s%s", ln.Addr().String(), callbackPath)
	results := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, f.callbackHandler(state, results))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.deps.Logger.Warn("callback listener stopped", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL, err := f.authorizeURL(reg, redirectURI, state, verifier)
	if err != nil {
		return models.AccessToken{}, err
	}

	if err := f.deps.Prompter.OpenBrowser(authURL); err != nil {
		f.deps.Logger.Debug("opening browser", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(f.opts.Timeout)
	defer timer.Stop()

	var result callbackResult

	select {
	case <-ctx.Done():
		return models.AccessToken{}, ctx.Err()
	case <-timer.C:
		return models.AccessToken{}, &autherrors.FlowError{Flow: string(models.FlavorPKCE), Err: autherrors.ErrFlowTimeout}
	case result = <-results:
	}

	if result.err != nil {
		return models.AccessToken{}, &autherrors.FlowError{Flow: string(models.FlavorPKCE), Err: result.err}
	}

	tok, err := f.exchange(ctx, reg, result.code, verifier, redirectURI)
	if err != nil {
		return models.AccessToken{}, err
	}

	if err := f.deps.persist(ctx, f.conn, tok); err != nil {
		return models.AccessToken{}, fmt.Errorf("persisting access token: %w", err)
	}

	f.deps.Logger.Info("pkce authorization complete",
		slog.String("issuer", f.conn.StartURL),
		slog.Time("expires_at", tok.ExpiresAt),
	)

	return tok, nil
}

func (f *PKCEFlow) authorizeURL(reg models.ClientRegistration, redirectURI, state, verifier string) (string, error) {
	endpoint, err := oidc.AuthorizeURL(oidc.Endpoint(f.conn.Region, f.opts.Endpoint))
	if err != nil {
		return "", err
	}

	cfg := oauth2.Config{
		ClientID:    reg.ClientID,
		RedirectURL: redirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: endpoint},
	}

	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("scopes", strings.Join(cache.NormalizeScopes(f.conn.Scopes), ",")),
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// callbackHandler accepts the first redirect only. Later requests get an
// error page and are otherwise ignored.
func (f *PKCEFlow) callbackHandler(state string, results chan<- callbackResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var result callbackResult

		switch {
		case subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(state)) != 1:
			result.err = autherrors.ErrStateMismatch
		case q.Get("error") == "access_denied":
			result.err = autherrors.ErrAccessDenied
		case q.Get("error") != "":
			result.err = fmt.Errorf("authorization failed: %s %s", q.Get("error"), q.Get("error_description"))
		case q.Get("code") == "":
			result.err = fmt.Errorf("authorization callback missing code")
		default:
			result.code = q.Get("code")
		}

		select {
		case results <- result:
		default:
			result = callbackResult{err: fmt.Errorf("authorization already handled")}
		}

		title, message, status := "Signed in", "You can close this window and return to your terminal.", http.StatusOK
		if result.err != nil {
			title, message, status = "Sign-in failed", result.err.Error(), http.StatusBadRequest

			f.deps.Logger.Warn("rejected authorization callback", slog.String("error", result.err.Error()))
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_ = callbackPage.Execute(w, struct{ Title, Message string }{title, message})
	}
}

func (f *PKCEFlow) exchange(ctx context.Context, reg models.ClientRegistration, code, verifier, redirectURI string) (models.AccessToken, error) {
	out, err := f.deps.Clients(f.conn.Region).CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(reg.ClientID),
		ClientSecret: aws.String(reg.ClientSecret),
		GrantType:    aws.String(oidc.GrantAuthorizationCode),
		Code:         aws.String(code),
		CodeVerifier: aws.String(verifier),
		RedirectUri:  aws.String(redirectURI),
	})
	if err != nil {
		if oidc.IsAccessDenied(err) {
			return models.AccessToken{}, &autherrors.FlowError{Flow: string(models.FlavorPKCE), Err: autherrors.ErrAccessDenied}
		}

		return models.AccessToken{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	tok := oidc.AccessToken(out, f.now())
	tok.StartURL = f.conn.StartURL
	tok.Region = f.conn.Region
	tok.Flavor = models.FlavorPKCE

	return tok, nil
}

// randomState returns 160 bits of URL-safe randomness for the CSRF check.
func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
