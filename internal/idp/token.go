package idp

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
)

const (
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// tokenRequest is the CreateToken body.
type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	DeviceCode   string `json:"deviceCode,omitempty"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int32  `json:"expiresIn"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// HandleToken returns the POST /token handler.
func HandleToken(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		c, ok := store.AuthenticateClient(req.ClientID, req.ClientSecret)
		if !ok {
			writeError(w, http.StatusUnauthorized, excInvalidClient, "invalid_client", "unknown or expired client")
			return
		}

		var scopes []string

		switch req.GrantType {
		case grantDeviceCode:
			scopes, ok = deviceGrant(w, store, c, req)
		case grantAuthorizationCode:
			scopes, ok = codeGrant(w, store, c, req)
		case grantRefreshToken:
			scopes, ok = refreshGrant(w, store, c, req)
		default:
			writeError(w, http.StatusBadRequest, excUnsupportedGrantType, "unsupported_grant_type", "unsupported grantType")
			return
		}

		if !ok {
			return
		}

		ti, rg := store.IssueTokens(c.ID, scopes)

		logger.Info("token issued",
			slog.String("client_id", c.ID),
			slog.String("grant_type", req.GrantType),
		)

		writeJSON(w, tokenResponse{
			AccessToken:  ti.Token,
			TokenType:    "Bearer",
			ExpiresIn:    int32(store.opts.TokenTTL.Seconds()),
			RefreshToken: rg.Token,
		})
	}
}

func deviceGrant(w http.ResponseWriter, store *Store, c Client, req tokenRequest) ([]string, bool) {
	result, g := store.PollDevice(req.DeviceCode, c.ID)

	switch result {
	case pollApproved:
		return g.Scopes, true
	case pollPending:
		writeError(w, http.StatusBadRequest, excAuthorizationPending, "authorization_pending", "the user has not yet approved the request")
	case pollSlowDown:
		writeError(w, http.StatusBadRequest, excSlowDown, "slow_down", "polling too frequently")
	case pollExpired:
		writeError(w, http.StatusBadRequest, excExpiredToken, "expired_token", "the device code has expired")
	case pollDenied:
		writeError(w, http.StatusBadRequest, excAccessDenied, "access_denied", "the user denied the request")
	default:
		writeError(w, http.StatusBadRequest, excInvalidGrant, "invalid_grant", "unknown device code")
	}

	return nil, false
}

func codeGrant(w http.ResponseWriter, store *Store, c Client, req tokenRequest) ([]string, bool) {
	ac := store.ConsumeCode(req.Code)

	switch {
	case ac == nil, ac.ClientID != c.ID:
		writeError(w, http.StatusBadRequest, excInvalidGrant, "invalid_grant", "invalid or expired authorization code")
	case ac.RedirectURI != req.RedirectURI:
		writeError(w, http.StatusBadRequest, excInvalidGrant, "invalid_grant", "redirectUri mismatch")
	case req.CodeVerifier == "" || !verifyPKCE(req.CodeVerifier, ac.CodeChallenge):
		writeError(w, http.StatusBadRequest, excInvalidGrant, "invalid_grant", "PKCE verification failed")
	default:
		return ac.Scopes, true
	}

	return nil, false
}

func refreshGrant(w http.ResponseWriter, store *Store, c Client, req tokenRequest) ([]string, bool) {
	rg, ok := store.ConsumeRefresh(req.RefreshToken, c.ID)
	if !ok {
		writeError(w, http.StatusBadRequest, excInvalidGrant, "invalid_grant", "invalid refresh token")
		return nil, false
	}

	return rg.Scopes, true
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
