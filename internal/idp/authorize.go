package idp

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// authorizeParams are the query parameters of an authorization request,
// carried through the consent form unchanged.
type authorizeParams struct {
	ClientID      string
	RedirectURI   string
	State         string
	CodeChallenge string
	Method        string
	Scopes        []string
}

func (p authorizeParams) fields() map[string]string {
	return map[string]string{
		"client_id":             p.ClientID,
		"redirect_uri":          p.RedirectURI,
		"state":                 p.State,
		"code_challenge":        p.CodeChallenge,
		"code_challenge_method": p.Method,
		"scopes":                strings.Join(p.Scopes, ","),
	}
}

func readAuthorizeParams(v url.Values) authorizeParams {
	var scopes []string

	for _, s := range strings.Split(v.Get("scopes"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}

	return authorizeParams{
		ClientID:      v.Get("client_id"),
		RedirectURI:   v.Get("redirect_uri"),
		State:         v.Get("state"),
		CodeChallenge: v.Get("code_challenge"),
		Method:        v.Get("code_challenge_method"),
		Scopes:        scopes,
	}
}

// redirectWithError sends the user-agent back to the client with an
// error. Only call it once the client and redirect URI are validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// validateRedirectURI checks redirectURI against the client's registered
// URIs. Loopback URIs match on scheme, host and path with any port.
func validateRedirectURI(c Client, redirectURI string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	return slices.ContainsFunc(c.RedirectURIs, func(registered string) bool {
		if registered == redirectURI {
			return true
		}

		pu, err := url.Parse(registered)
		if err != nil {
			return false
		}

		return ru.Scheme == "http" && pu.Scheme == "http" &&
			isLoopbackHost(ru.Hostname()) && ru.Hostname() == pu.Hostname() &&
			ru.Path == pu.Path
	})
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// HandleAuthorize returns the /authorize handler. GET validates the
// request and shows the consent page, or with AutoApprove redirects
// straight back with a code. POST records the user's answer.
func HandleAuthorize(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleAuthorizeGET(w, r, store, logger)
		case http.MethodPost:
			handleAuthorizePOST(w, r, store, logger)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// checkAuthorize validates p. It writes the error response itself and
// returns false when the request cannot proceed.
func checkAuthorize(w http.ResponseWriter, r *http.Request, store *Store, p authorizeParams) bool {
	c, ok := store.GetClient(p.ClientID)
	if !ok {
		http.Error(w, "unknown client_id", http.StatusBadRequest)
		return false
	}

	if !validateRedirectURI(c, p.RedirectURI) {
		http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
		return false
	}

	if p.CodeChallenge == "" || p.Method != "S256" {
		redirectWithError(w, r, p.RedirectURI, p.State, "invalid_request", "an S256 code_challenge is required")
		return false
	}

	return true
}

func handleAuthorizeGET(w http.ResponseWriter, r *http.Request, store *Store, logger *slog.Logger) {
	q := r.URL.Query()
	p := readAuthorizeParams(q)

	if !checkAuthorize(w, r, store, p) {
		return
	}

	if q.Get("response_type") != "code" {
		redirectWithError(w, r, p.RedirectURI, p.State, "unsupported_response_type", `response_type must be "code"`)
		return
	}

	if store.opts.AutoApprove {
		issueCode(w, r, store, logger, p)
		return
	}

	renderConsent(w, store, consentData{
		Title:  "Allow access",
		Detail: "An application is requesting access to your session.",
		Fields: p.fields(),
	})
}

func handleAuthorizePOST(w http.ResponseWriter, r *http.Request, store *Store, logger *slog.Logger) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	p := readAuthorizeParams(r.PostForm)

	if !checkAuthorize(w, r, store, p) {
		return
	}

	// A failed CSRF check may be a forged form, so no redirect to the
	// client.
	if !store.ConsumeCSRF(r.PostForm.Get("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	if r.PostForm.Get("action") != "approve" {
		logger.Info("authorization denied", slog.String("client_id", p.ClientID))
		redirectWithError(w, r, p.RedirectURI, p.State, "access_denied", "the user denied the request")

		return
	}

	issueCode(w, r, store, logger, p)
}

func issueCode(w http.ResponseWriter, r *http.Request, store *Store, logger *slog.Logger, p authorizeParams) {
	code := RandomHex(32)
	store.SaveCode(&AuthCode{
		Code:          code,
		ClientID:      p.ClientID,
		RedirectURI:   p.RedirectURI,
		CodeChallenge: p.CodeChallenge,
		Scopes:        p.Scopes,
		ExpiresAt:     store.now().Add(codeExpiry),
	})

	logger.Info("authorization code issued",
		slog.String("client_id", p.ClientID),
		slog.Any("scopes", p.Scopes),
	)

	params := url.Values{}
	params.Set("code", code)

	if p.State != "" {
		params.Set("state", p.State)
	}

	http.Redirect(w, r, appendQuery(p.RedirectURI, params), http.StatusFound)
}
