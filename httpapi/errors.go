package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	gatekey "github.com/halvard/gatekey"
)

// errorResponse is the single wire shape for every failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type errorMapping struct {
	status int
	code   string
}

// engineErrors maps every public engine sentinel to a wire code exactly
// once. Anything not listed is an internal error and stays generic.
var engineErrors = []struct {
	err     error
	mapping errorMapping
}{
	{gatekey.ErrInvalidEmailPassword, errorMapping{fiber.StatusUnauthorized, "invalid-email-password"}},
	{gatekey.ErrUserDisabled, errorMapping{fiber.StatusUnauthorized, "disabled-user"}},
	{gatekey.ErrUserUnverified, errorMapping{fiber.StatusUnauthorized, "unverified-user"}},
	{gatekey.ErrUserNotFound, errorMapping{fiber.StatusNotFound, "user-not-found"}},
	{gatekey.ErrEmailAlreadyInUse, errorMapping{fiber.StatusConflict, "email-already-in-use"}},
	{gatekey.ErrInvalidTicket, errorMapping{fiber.StatusUnauthorized, "invalid-ticket"}},
	{gatekey.ErrInvalidOTP, errorMapping{fiber.StatusUnauthorized, "invalid-otp"}},
	{gatekey.ErrOTPAttemptsExceeded, errorMapping{fiber.StatusUnauthorized, "invalid-otp"}},
	{gatekey.ErrOTPExpired, errorMapping{fiber.StatusUnauthorized, "otp-expired"}},
	{gatekey.ErrInvalidRefreshToken, errorMapping{fiber.StatusUnauthorized, "invalid-refresh-token"}},
	{gatekey.ErrInvalidExpiryDate, errorMapping{fiber.StatusBadRequest, "invalid-expiry-date"}},
	{gatekey.ErrInvalidRoles, errorMapping{fiber.StatusBadRequest, "invalid-roles"}},
	{gatekey.ErrInvalidMFACode, errorMapping{fiber.StatusUnauthorized, "invalid-mfa-code"}},
	{gatekey.ErrMFAAttemptsExceeded, errorMapping{fiber.StatusUnauthorized, "invalid-mfa-code"}},
	{gatekey.ErrMFANotEnabled, errorMapping{fiber.StatusBadRequest, "mfa-not-enabled"}},
	{gatekey.ErrElevationRequired, errorMapping{fiber.StatusForbidden, "elevation-required"}},
	{gatekey.ErrProviderFailure, errorMapping{fiber.StatusBadGateway, "provider-error"}},
	{gatekey.ErrPasswordPolicy, errorMapping{fiber.StatusBadRequest, "password-too-short"}},
	{gatekey.ErrInvalidRedirect, errorMapping{fiber.StatusBadRequest, "invalid-redirect"}},
	{gatekey.ErrSecurityKeyNotFound, errorMapping{fiber.StatusNotFound, "security-key-not-found"}},
}

// validationError carries a guard failure into the error boundary without
// losing the human-readable detail.
type validationError struct {
	detail string
}

func (e validationError) Error() string { return e.detail }

// errUnauthorized rejects requests missing or carrying an unusable
// bearer token.
var errUnauthorized = errors.New("missing or invalid access token")

func classify(err error) errorMapping {
	var v validationError
	if errors.As(err, &v) {
		return errorMapping{fiber.StatusBadRequest, "invalid-request"}
	}
	if errors.Is(err, errUnauthorized) {
		return errorMapping{fiber.StatusUnauthorized, "unauthenticated-user"}
	}
	for _, entry := range engineErrors {
		if errors.Is(err, entry.err) {
			return entry.mapping
		}
	}
	return errorMapping{fiber.StatusInternalServerError, "internal-error"}
}
