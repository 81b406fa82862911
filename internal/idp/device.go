package idp

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

type deviceRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	StartURL     string `json:"startUrl"`
}

type deviceResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int32  `json:"expiresIn"`
	Interval                int32  `json:"interval"`
}

// HandleDeviceAuthorization returns the POST /device_authorization
// handler.
func HandleDeviceAuthorization(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		c, ok := store.AuthenticateClient(req.ClientID, req.ClientSecret)
		if !ok {
			writeError(w, http.StatusUnauthorized, excInvalidClient, "invalid_client", "unknown or expired client")
			return
		}

		if req.StartURL == "" {
			writeError(w, http.StatusBadRequest, excInvalidRequest, "invalid_request", "startUrl is required")
			return
		}

		g := store.StartDevice(c.ID, req.StartURL, c.Scopes)

		logger.Info("device authorization started",
			slog.String("client_id", c.ID),
			slog.String("user_code", g.UserCode),
			slog.String("start_url", g.StartURL),
		)

		verify := baseURL(r) + "/device"
		writeJSON(w, deviceResponse{
			DeviceCode:              g.DeviceCode,
			UserCode:                g.UserCode,
			VerificationURI:         verify,
			VerificationURIComplete: verify + "?" + url.Values{"user_code": {g.UserCode}}.Encode(),
			ExpiresIn:               int32(store.opts.DeviceCodeTTL.Seconds()),
			Interval:                int32(store.opts.PollInterval.Seconds()),
		})
	}
}

// HandleDeviceVerification returns the /device handler: GET shows the
// consent page for a user code, POST records the user's answer.
func HandleDeviceVerification(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			userCode := r.URL.Query().Get("user_code")

			g, ok := store.DeviceByUserCode(userCode)
			if !ok {
				http.Error(w, "unknown or expired user code", http.StatusNotFound)
				return
			}

			renderConsent(w, store, consentData{
				Title:  "Authorize device",
				Detail: fmt.Sprintf("Confirm that code %s is shown on your device.", g.UserCode),
				Fields: map[string]string{"user_code": g.UserCode},
			})

		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

			if err := r.ParseForm(); err != nil {
				http.Error(w, "invalid form data", http.StatusBadRequest)
				return
			}

			if !store.ConsumeCSRF(r.FormValue("csrf_token")) {
				http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
				return
			}

			approve := r.FormValue("action") == "approve"
			if !store.DecideDevice(r.FormValue("user_code"), approve) {
				http.Error(w, "unknown or expired user code", http.StatusNotFound)
				return
			}

			logger.Info("device authorization decided",
				slog.String("user_code", r.FormValue("user_code")),
				slog.Bool("approved", approve),
			)

			w.Header().Set("Content-Type", "text/plain; charset=utf-8")

			if approve {
				_, _ = w.Write([]byte("Approved. You can return to your device.\n"))
			} else {
				_, _ = w.Write([]byte("Denied.\n"))
			}

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
