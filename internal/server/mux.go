// Package server builds the HTTP handler for the SSO-OIDC emulator.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolkit-auth/internal/idp"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store  *idp.Store
	Logger *slog.Logger
}

// NewMux builds the emulator mux: the SSO-OIDC operations the SDK calls,
// the browser-facing consent pages, and a bearer-protected /whoami.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /client/register", idp.HandleRegisterClient(cfg.Store, cfg.Logger))
	mux.HandleFunc("POST /device_authorization", idp.HandleDeviceAuthorization(cfg.Store, cfg.Logger))
	mux.HandleFunc("POST /token", idp.HandleToken(cfg.Store, cfg.Logger))
	mux.HandleFunc("/device", idp.HandleDeviceVerification(cfg.Store, cfg.Logger))
	mux.HandleFunc("/authorize", idp.HandleAuthorize(cfg.Store, cfg.Logger))

	authMiddleware := idp.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("GET /whoami", authMiddleware(idp.HandleWhoAmI()))

	return mux
}
