package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrNoTokenInitialized,
		ErrNoRefreshToken,
		ErrInvalidGrant,
		ErrNotInteractive,
		ErrFlowExpired,
		ErrAccessDenied,
		ErrStateMismatch,
		ErrFlowTimeout,
		ErrRegistrationFailed,
		ErrInvalidClient,
		ErrTransient,
		ErrCredentialNotFound,
		ErrConnectionNotFound,
		ErrFeatureNotFound,
		ErrScopeMismatch,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

// --- RegistrationFailedError ---

func TestRegistrationFailedError_MatchesSentinelAndCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := fmt.Errorf("wrapped: %w", &RegistrationFailedError{
		Issuer: "https://example.awsapps.com/start",
		Region: "us-east-1",
		Err:    cause,
	})

	assert.ErrorIs(t, err, ErrRegistrationFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "us-east-1")

	var regErr *RegistrationFailedError
	assert.True(t, errors.As(err, &regErr))
	assert.Equal(t, "us-east-1", regErr.Region)
}

func TestRegistrationFailedError_Transient(t *testing.T) {
	err := &RegistrationFailedError{Transient: true, Err: fmt.Errorf("503")}
	assert.ErrorIs(t, err, ErrTransient)
}

// --- FlowError ---

func TestFlowError_Unwrap(t *testing.T) {
	err := &FlowError{Flow: "device", Err: ErrAccessDenied}
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, "device authorization did not complete: authorization was denied", err.Error())
}
