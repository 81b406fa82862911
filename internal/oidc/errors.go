package oidc

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrorCode returns the SSO-OIDC error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}

	return ""
}

func IsAuthorizationPending(err error) bool {
	var e *types.AuthorizationPendingException
	return errors.As(err, &e)
}

func IsSlowDown(err error) bool {
	var e *types.SlowDownException
	return errors.As(err, &e)
}

// IsExpired reports whether the device code or token has expired.
func IsExpired(err error) bool {
	var e *types.ExpiredTokenException
	return errors.As(err, &e)
}

func IsAccessDenied(err error) bool {
	var e *types.AccessDeniedException
	return errors.As(err, &e)
}

// IsInvalidGrant reports whether a refresh token or authorization code
// was rejected. The refresh token cannot be reused after this.
func IsInvalidGrant(err error) bool {
	var e *types.InvalidGrantException
	return errors.As(err, &e)
}

// IsInvalidClient reports whether the client registration is no longer
// recognised and must be replaced.
func IsInvalidClient(err error) bool {
	var invalid *types.InvalidClientException
	if errors.As(err, &invalid) {
		return true
	}

	var unauthorized *types.UnauthorizedClientException

	return errors.As(err, &unauthorized)
}

// IsTransient reports whether err is worth retrying: a throttled or 5xx
// response, or a request that never reached the service.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return true
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
