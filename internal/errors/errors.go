package errors

import (
	"errors"
	"fmt"
)

// Token and session errors.
var (
	ErrNoTokenInitialized = errors.New("no token initialized, sign in required")
	ErrNoRefreshToken     = errors.New("refresh requested but token has no refresh token")
	ErrInvalidGrant       = errors.New("refresh token rejected by identity provider")
	ErrNotInteractive     = errors.New("provider is not interactive")
)

// Authorization flow errors.
var (
	ErrFlowExpired   = errors.New("authorization expired before it was completed")
	ErrAccessDenied  = errors.New("authorization was denied")
	ErrStateMismatch = errors.New("authorization callback state mismatch")
	ErrFlowTimeout   = errors.New("timed out waiting for authorization callback")
)

// Registration and transport errors.
var (
	ErrRegistrationFailed = errors.New("client registration failed")
	ErrInvalidClient      = errors.New("client registration rejected by identity provider")
	ErrTransient          = errors.New("transient identity provider failure")
)

// Credential and connection errors.
var (
	ErrCredentialNotFound = errors.New("credential identifier not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrFeatureNotFound    = errors.New("feature not found")
	ErrScopeMismatch      = errors.New("connection does not grant the scopes the feature requires")
)

// RegistrationFailedError is returned when the identity provider refuses
// or fails a RegisterClient call. Transient reports whether the caller
// may reasonably retry (network failure, throttling, 5xx).
type RegistrationFailedError struct {
	Issuer    string
	Region    string
	Transient bool
	Err       error
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registering client for %s in %s: %v", e.Issuer, e.Region, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause so callers
// can match either with errors.Is.
func (e *RegistrationFailedError) Unwrap() []error {
	errs := []error{ErrRegistrationFailed, e.Err}
	if e.Transient {
		errs = append(errs, ErrTransient)
	}

	return errs
}

// FlowError describes a terminal authorization flow failure. Flow is
// "device" or "pkce"; Err is one of the flow sentinels or the provider
// error that ended the flow.
type FlowError struct {
	Flow string
	Err  error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s authorization did not complete: %v", e.Flow, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}
