package gatekey

import (
	"context"
	"time"
)

const (
	auditEventSignInSuccess         = "signin_success"
	auditEventSignInFailure         = "signin_failure"
	auditEventSignUpSuccess         = "signup_success"
	auditEventSignUpFailure         = "signup_failure"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshReplayDetected = "refresh_replay_detected"
	auditEventSignOut               = "signout"
	auditEventTicketIssued          = "ticket_issued"
	auditEventTicketRedeemed        = "ticket_redeemed"
	auditEventTicketInvalid         = "ticket_invalid"
	auditEventOTPIssued             = "otp_issued"
	auditEventOTPVerified           = "otp_verified"
	auditEventOTPInvalid            = "otp_invalid"
	auditEventOTPRollback           = "otp_jit_rollback"
	auditEventPATIssued             = "pat_issued"
	auditEventPATRejected           = "pat_rejected"
	auditEventMFARequired           = "mfa_required"
	auditEventMFASuccess            = "mfa_success"
	auditEventMFAFailure            = "mfa_failure"
	auditEventMFAReplay             = "mfa_replay_attempt"
	auditEventTOTPEnrollStarted     = "totp_enroll_started"
	auditEventTOTPActivated         = "totp_activated"
	auditEventMFADeactivated        = "mfa_deactivated"
	auditEventElevationSuccess      = "elevation_success"
	auditEventElevationRejected     = "elevation_rejected"
	auditEventSecurityKeyAdded      = "security_key_added"
	auditEventSecurityKeyRemoved    = "security_key_removed"
	auditEventPasswordChanged       = "password_changed"
	auditEventPasswordChangeRequest = "password_change_requested"
	auditEventEmailChangeRequest    = "email_change_requested"
	auditEventAnonymousSignIn       = "anonymous_signin"
	auditEventAnonymousDeanonymized = "anonymous_deanonymized"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	refreshTokenID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:      time.Now().UTC(),
		Type:           eventType,
		UserID:         userID,
		RefreshTokenID: refreshTokenID,
		IP:             clientIPFromContext(ctx),
		UserAgent:      userAgentFromContext(ctx),
		Success:        success,
		Metadata:       metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}

	e.audit.Emit(ctx, event)
}
