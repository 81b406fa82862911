package idp

import (
	"log/slog"
	"net/http"
)

// registerRequest is the RegisterClient body.
type registerRequest struct {
	ClientName   string   `json:"clientName"`
	ClientType   string   `json:"clientType"`
	Scopes       []string `json:"scopes,omitempty"`
	GrantTypes   []string `json:"grantTypes,omitempty"`
	RedirectURIs []string `json:"redirectUris,omitempty"`
	IssuerURL    string   `json:"issuerUrl,omitempty"`
}

type registerResponse struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientIDIssuedAt      int64  `json:"clientIdIssuedAt"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt"`
	AuthorizationEndpoint string `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `json:"tokenEndpoint,omitempty"`
}

// HandleRegisterClient returns the POST /client/register handler.
func HandleRegisterClient(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		if req.ClientName == "" {
			writeError(w, http.StatusBadRequest, excInvalidRequest, "invalid_request", "clientName is required")
			return
		}

		if req.ClientType != "public" {
			writeError(w, http.StatusBadRequest, excInvalidRequest, "invalid_request", "clientType must be public")
			return
		}

		for _, g := range req.GrantTypes {
			if g == grantAuthorizationCode && len(req.RedirectURIs) == 0 {
				writeError(w, http.StatusBadRequest, excInvalidRequest, "invalid_request", "redirectUris is required for authorization_code")
				return
			}
		}

		c := store.RegisterClient(Client{
			Name:         req.ClientName,
			Type:         req.ClientType,
			Scopes:       req.Scopes,
			GrantTypes:   req.GrantTypes,
			RedirectURIs: req.RedirectURIs,
			IssuerURL:    req.IssuerURL,
		})

		logger.Info("client registered",
			slog.String("client_id", c.ID),
			slog.String("client_name", c.Name),
			slog.Any("scopes", c.Scopes),
		)

		base := baseURL(r)
		writeJSON(w, registerResponse{
			ClientID:              c.ID,
			ClientSecret:          c.Secret,
			ClientIDIssuedAt:      store.now().Unix(),
			ClientSecretExpiresAt: c.ExpiresAt.Unix(),
			AuthorizationEndpoint: base + "/authorize",
			TokenEndpoint:         base + "/token",
		})
	}
}
