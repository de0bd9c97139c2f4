package gatekey

import (
	"context"
	"errors"
	"time"

	"github.com/halvard/gatekey/internal"
)

// GenerateTOTP starts (or resumes) a TOTP enrollment. The pending secret
// is stored on the user and returned with its provisioning URI; calling
// again before activation reuses the pending secret, so repeated QR
// renders stay consistent.
func (e *Engine) GenerateTOTP(ctx context.Context, userID string) (*TOTPProvision, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrUserStoreUnavailable
	}

	secret := user.PendingTOTPSecret
	if secret == "" {
		_, encoded, err := e.totp.GenerateSecret()
		if err != nil {
			return nil, err
		}
		if err := e.users.SetPendingTOTPSecret(ctx, user.ID, encoded); err != nil {
			return nil, ErrUserStoreUnavailable
		}
		secret = encoded

		e.metricInc(MetricTOTPEnrollStarted)
		e.emitAudit(ctx, auditEventTOTPEnrollStarted, true, user.ID, "", nil, nil)
	}

	return &TOTPProvision{
		Secret: secret,
		URI:    e.totp.ProvisionURI(secret, user.Email),
	}, nil
}

// ActivateTOTP promotes the pending enrollment after the user proves they
// hold the secret. A wrong code mutates nothing.
func (e *Engine) ActivateTOTP(ctx context.Context, userID, code string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return ErrUserStoreUnavailable
	}
	if user.PendingTOTPSecret == "" {
		return ErrMFANotEnabled
	}

	if err := e.consumeTOTPCode(ctx, user, user.PendingTOTPSecret, code); err != nil {
		if errors.Is(err, ErrUserStoreUnavailable) {
			return err
		}
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", err, nil)
		return err
	}

	if err := e.users.ActivateTOTP(ctx, user.ID); err != nil {
		return ErrUserStoreUnavailable
	}

	e.metricInc(MetricTOTPActivated)
	e.emitAudit(ctx, auditEventTOTPActivated, true, user.ID, "", nil, nil)
	return nil
}

// DeactivateMFA turns the second factor off after a final proof of
// possession.
func (e *Engine) DeactivateMFA(ctx context.Context, userID, code string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return ErrUserStoreUnavailable
	}
	if user.ActiveMFAType != MFATypeTOTP || user.TOTPSecret == "" {
		return ErrMFANotEnabled
	}

	if err := e.consumeTOTPCode(ctx, user, user.TOTPSecret, code); err != nil {
		if errors.Is(err, ErrUserStoreUnavailable) {
			return err
		}
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", err, nil)
		return err
	}

	if err := e.users.DeactivateMFA(ctx, user.ID); err != nil {
		return ErrUserStoreUnavailable
	}

	e.emitAudit(ctx, auditEventMFADeactivated, true, user.ID, "", nil, nil)
	return nil
}

// VerifyMFA completes a password sign-in that was answered with an MFA
// challenge. The ticket is single-use; the attempt cap invalidates it, and
// a consumed ticket presented again counts as a replay.
func (e *Engine) VerifyMFA(ctx context.Context, ticket, code string) (*Session, error) {
	if e == nil || e.mfaStore == nil {
		return nil, ErrEngineNotReady
	}

	challengeID, secret, err := internal.DecodeToken(ticket)
	if err != nil {
		e.metricInc(MetricMFAFailure)
		return nil, ErrInvalidMFACode
	}

	challenge, err := e.mfaStore.Get(ctx, challengeID, internal.HashSecret(secret))
	if err != nil {
		switch {
		case errors.Is(err, errMFAChallengeNotFound), errors.Is(err, errMFAChallengeExpired),
			errors.Is(err, errMFAChallengeMismatch):
			e.metricInc(MetricMFAFailure)
			e.emitAudit(ctx, auditEventMFAFailure, false, "", "", ErrInvalidMFACode, nil)
			return nil, ErrInvalidMFACode
		default:
			return nil, ErrStoreUnavailable
		}
	}

	user, err := e.users.GetUserByID(ctx, challenge.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidMFACode
		}
		return nil, ErrUserStoreUnavailable
	}

	if err := e.consumeTOTPCode(ctx, user, user.TOTPSecret, code); err != nil {
		if errors.Is(err, ErrUserStoreUnavailable) {
			return nil, err
		}
		exceeded, recErr := e.mfaStore.RecordFailure(ctx, challengeID, e.config.MFA.MaxAttempts)
		if recErr != nil && !errors.Is(recErr, errMFAChallengeNotFound) && !errors.Is(recErr, errMFAChallengeExpired) {
			return nil, ErrStoreUnavailable
		}
		e.metricInc(MetricMFAFailure)
		if exceeded {
			e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", ErrMFAAttemptsExceeded, nil)
			return nil, ErrMFAAttemptsExceeded
		}
		e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", ErrInvalidMFACode, nil)
		return nil, ErrInvalidMFACode
	}

	existed, err := e.mfaStore.Delete(ctx, challengeID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	if !existed {
		// Correct code against an already-consumed challenge: someone else
		// finished this sign-in first.
		e.metricInc(MetricMFAReplayAttempt)
		e.emitAudit(ctx, auditEventMFAReplay, false, user.ID, "", ErrInvalidMFACode, nil)
		return nil, ErrInvalidMFACode
	}

	if err := e.signInGuard(user); err != nil {
		return nil, err
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, user.ID, session.RefreshTokenID, nil, nil)

	return session, nil
}

// ElevateTOTP re-verifies the signed-in user with their TOTP code and
// mints a session whose access token carries the elevated claim. The claim
// lives only as long as the access token.
func (e *Engine) ElevateTOTP(ctx context.Context, userID, code string) (*Session, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrUserStoreUnavailable
	}
	if user.ActiveMFAType != MFATypeTOTP || user.TOTPSecret == "" {
		return nil, ErrMFANotEnabled
	}

	if err := e.consumeTOTPCode(ctx, user, user.TOTPSecret, code); err != nil {
		if errors.Is(err, ErrUserStoreUnavailable) {
			return nil, err
		}
		e.metricInc(MetricElevationRejected)
		e.emitAudit(ctx, auditEventElevationRejected, false, user.ID, "", err, nil)
		return nil, err
	}

	session, err := e.issueSession(ctx, user, user.ID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricElevationSuccess)
	e.emitAudit(ctx, auditEventElevationSuccess, true, user.ID, session.RefreshTokenID, nil, func() map[string]string {
		return map[string]string{"method": string(MFATypeTOTP)}
	})

	return session, nil
}

// consumeTOTPCode verifies code against the secret and burns the matched
// counter step. A code at or below the user's last redeemed step is
// rejected, so an intercepted code cannot be replayed inside the skew
// window.
func (e *Engine) consumeTOTPCode(ctx context.Context, user User, secretBase32, code string) error {
	secret, err := decodeTOTPSecret(secretBase32)
	if err != nil {
		return ErrInvalidMFACode
	}
	ok, counter, err := e.totp.VerifyCode(secret, code, time.Now())
	if err != nil || !ok {
		return ErrInvalidMFACode
	}
	if counter <= user.TOTPLastUsedCounter {
		return ErrInvalidMFACode
	}
	if err := e.users.UpdateTOTPLastUsedCounter(ctx, user.ID, counter); err != nil {
		return ErrUserStoreUnavailable
	}
	return nil
}
