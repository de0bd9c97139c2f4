package gatekey

import "errors"

var (
	// ErrInvalidEmailPassword is returned when an email/password pair does not
	// match a usable account. Deliberately indistinguishable between unknown
	// email and wrong password.
	ErrInvalidEmailPassword = errors.New("invalid email or password")
	// ErrUserNotFound is returned by user stores when no row matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailAlreadyInUse is returned on sign-up or email change when the
	// address already belongs to another account.
	ErrEmailAlreadyInUse = errors.New("email already in use")
	// ErrUserDisabled rejects any sign-in or refresh for a disabled account.
	ErrUserDisabled = errors.New("user disabled")
	// ErrUserUnverified rejects password sign-in before email verification.
	ErrUserUnverified = errors.New("email not verified")
	// ErrInvalidTicket covers missing, expired, already-redeemed and
	// wrong-type tickets. Callers cannot distinguish the cases.
	ErrInvalidTicket = errors.New("invalid ticket")
	// ErrInvalidOTP covers missing and mismatching one-time passwords.
	ErrInvalidOTP = errors.New("invalid otp")
	// ErrOTPExpired is returned when the code matched a record past its
	// expiry. The record is gone afterwards.
	ErrOTPExpired = errors.New("otp expired")
	// ErrOTPAttemptsExceeded invalidates an OTP after too many bad guesses.
	ErrOTPAttemptsExceeded = errors.New("otp attempts exceeded")
	// ErrInvalidRefreshToken covers malformed, unknown, expired and
	// already-rotated refresh tokens.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrInvalidExpiryDate rejects personal access tokens that would expire
	// less than the configured minimum from now.
	ErrInvalidExpiryDate = errors.New("invalid expiry date")
	// ErrInvalidRoles rejects requested roles outside the allowed set.
	ErrInvalidRoles = errors.New("invalid roles")
	// ErrInvalidMFACode is returned for a failed TOTP verification.
	ErrInvalidMFACode = errors.New("invalid mfa code")
	// ErrMFAAttemptsExceeded invalidates an MFA challenge after too many
	// failed codes.
	ErrMFAAttemptsExceeded = errors.New("mfa attempts exceeded")
	// ErrMFANotEnabled is returned when an MFA operation targets a user
	// without an active MFA method.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrElevationRequired gates sensitive operations on a recent
	// re-authentication.
	ErrElevationRequired = errors.New("elevated claim required")
	// ErrProviderFailure wraps email/SMS delivery failures.
	ErrProviderFailure = errors.New("delivery provider failure")
	// ErrPasswordPolicy rejects passwords below the configured minimum length.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrInvalidRedirect rejects redirect URLs outside the allowed origins or
	// carrying reserved query parameters.
	ErrInvalidRedirect = errors.New("invalid redirect url")
	// ErrSecurityKeyNotFound is returned when removing an unknown credential.
	ErrSecurityKeyNotFound = errors.New("security key not found")
	// ErrStoreUnavailable wraps credential store infrastructure failures.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrUserStoreUnavailable wraps user store infrastructure failures.
	ErrUserStoreUnavailable = errors.New("user store unavailable")
	// ErrEngineNotReady is returned by Engine methods before Build.
	ErrEngineNotReady = errors.New("engine not initialized")
)
