package idp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxClientID contextKey = iota
	ctxScopes
)

// RequestClientID returns the client the bearer token was issued to, or "".
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// RequestScopes returns the scopes of the bearer token.
func RequestScopes(ctx context.Context) []string {
	v, _ := ctx.Value(ctxScopes).([]string)
	return v
}

// Middleware returns HTTP middleware that validates access tokens issued
// by the emulator.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ti := store.ValidateToken(token)
			if ti == nil {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxClientID, ti.ClientID)
			ctx = context.WithValue(ctx, ctxScopes, ti.Scopes)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Identity is the body of GET /whoami.
type Identity struct {
	ClientID string   `json:"clientId"`
	Scopes   []string `json:"scopes"`
}

// HandleWhoAmI reports who the request's bearer token belongs to. It
// must sit behind Middleware.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Identity{
			ClientID: RequestClientID(r.Context()),
			Scopes:   RequestScopes(r.Context()),
		})
	}
}
