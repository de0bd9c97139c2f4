package internaldefs

import (
	gatekey "github.com/halvard/gatekey"
)

// CounterDef binds a core metric ID to its stable exported name.
type CounterDef struct {
	ID   gatekey.MetricID
	Name string
	Help string
}

// HistogramDef binds a core histogram ID to its stable exported name.
type HistogramDef struct {
	ID   gatekey.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: gatekey.MetricSignInSuccess, Name: "gatekey_signin_success_total", Help: "Completed password sign-ins."},
	{ID: gatekey.MetricSignInFailure, Name: "gatekey_signin_failure_total", Help: "Rejected password sign-ins."},
	{ID: gatekey.MetricSignUpSuccess, Name: "gatekey_signup_success_total", Help: "Created accounts."},
	{ID: gatekey.MetricSignUpDuplicate, Name: "gatekey_signup_duplicate_total", Help: "Sign-ups rejected for an existing email."},
	{ID: gatekey.MetricRefreshSuccess, Name: "gatekey_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: gatekey.MetricRefreshFailure, Name: "gatekey_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: gatekey.MetricRefreshReplayDetected, Name: "gatekey_refresh_replay_detected_total", Help: "Refreshes presenting an already-rotated token."},
	{ID: gatekey.MetricTicketIssued, Name: "gatekey_ticket_issued_total", Help: "Issued tickets across all types."},
	{ID: gatekey.MetricTicketRedeemed, Name: "gatekey_ticket_redeemed_total", Help: "Successful ticket redemptions."},
	{ID: gatekey.MetricTicketInvalid, Name: "gatekey_ticket_invalid_total", Help: "Failed ticket redemptions."},
	{ID: gatekey.MetricOTPIssued, Name: "gatekey_otp_issued_total", Help: "Delivered one-time passwords."},
	{ID: gatekey.MetricOTPVerified, Name: "gatekey_otp_verified_total", Help: "Successful OTP verifications."},
	{ID: gatekey.MetricOTPInvalid, Name: "gatekey_otp_invalid_total", Help: "Mismatched or unknown OTP codes."},
	{ID: gatekey.MetricOTPExpired, Name: "gatekey_otp_expired_total", Help: "OTP verifications past expiry."},
	{ID: gatekey.MetricOTPAttemptsExceeded, Name: "gatekey_otp_attempts_exceeded_total", Help: "OTP records invalidated by the attempt cap."},
	{ID: gatekey.MetricOTPProviderFailure, Name: "gatekey_otp_provider_failure_total", Help: "Failed OTP deliveries."},
	{ID: gatekey.MetricOTPRollback, Name: "gatekey_otp_rollback_total", Help: "Just-in-time accounts removed after delivery failure."},
	{ID: gatekey.MetricPATIssued, Name: "gatekey_pat_issued_total", Help: "Created personal access tokens."},
	{ID: gatekey.MetricPATRejectedExpiry, Name: "gatekey_pat_rejected_expiry_total", Help: "PAT requests below the minimum lifetime."},
	{ID: gatekey.MetricPATRefresh, Name: "gatekey_pat_refresh_total", Help: "Sessions minted from a personal access token."},
	{ID: gatekey.MetricMFARequired, Name: "gatekey_mfa_required_total", Help: "Sign-ins answered with an MFA challenge."},
	{ID: gatekey.MetricMFASuccess, Name: "gatekey_mfa_success_total", Help: "Completed MFA verifications."},
	{ID: gatekey.MetricMFAFailure, Name: "gatekey_mfa_failure_total", Help: "Failed MFA verifications."},
	{ID: gatekey.MetricMFAReplayAttempt, Name: "gatekey_mfa_replay_attempt_total", Help: "MFA tickets presented more than once."},
	{ID: gatekey.MetricTOTPEnrollStarted, Name: "gatekey_totp_enroll_started_total", Help: "Generated TOTP enrollments."},
	{ID: gatekey.MetricTOTPActivated, Name: "gatekey_totp_activated_total", Help: "Activated TOTP enrollments."},
	{ID: gatekey.MetricElevationSuccess, Name: "gatekey_elevation_success_total", Help: "Sessions upgraded with the elevated claim."},
	{ID: gatekey.MetricElevationRejected, Name: "gatekey_elevation_rejected_total", Help: "Sensitive operations rejected for missing elevation."},
	{ID: gatekey.MetricSecurityKeyAdded, Name: "gatekey_security_key_added_total", Help: "Registered WebAuthn credentials."},
	{ID: gatekey.MetricSecurityKeyRemoved, Name: "gatekey_security_key_removed_total", Help: "Removed WebAuthn credentials."},
	{ID: gatekey.MetricSignOut, Name: "gatekey_signout_total", Help: "Revoked refresh tokens."},
}

// HistogramDefs lists every exported histogram in render order.
var HistogramDefs = []HistogramDef{
	{ID: gatekey.MetricSignInLatency, Name: "gatekey_signin_latency_seconds", Help: "Password sign-in latency histogram."},
}

// HistogramBounds are the upper bucket bounds in Prometheus le-label form.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with characters legal in
// OTel instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw snapshot slice to the fixed
// eight-bucket layout.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// Prometheus histograms expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
