package idp

import (
	"encoding/json"
	"net/http"
)

// maxRequestBody caps JSON and form bodies.
const maxRequestBody = 64 << 10

// Exception names as the SDK expects them in X-Amzn-ErrorType.
const (
	excAuthorizationPending = "AuthorizationPendingException"
	excSlowDown             = "SlowDownException"
	excExpiredToken         = "ExpiredTokenException"
	excAccessDenied         = "AccessDeniedException"
	excInvalidGrant         = "InvalidGrantException"
	excInvalidClient        = "InvalidClientException"
	excInvalidRequest       = "InvalidRequestException"
	excUnsupportedGrantType = "UnsupportedGrantTypeException"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeError sends an SSO-OIDC error. The SDK picks the exception type
// from the header and the fields from the body.
func writeError(w http.ResponseWriter, status int, exception, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Amzn-ErrorType", exception)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v. On failure it writes an
// InvalidRequestException and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, excInvalidRequest, "invalid_request", "invalid request body")
		return false
	}

	return true
}

// baseURL is the emulator's own origin as the caller reached it.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + r.Host
}
