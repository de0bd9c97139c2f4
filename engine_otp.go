package gatekey

import (
	"context"
	"errors"
	"time"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/crypto/bcrypt"

	"github.com/halvard/gatekey/internal"
)

// PasswordlessOptions carries the optional fields of a passwordless start.
type PasswordlessOptions struct {
	DisplayName string
	// Roles requested for a just-in-time created account. Validated against
	// the allowed set before any user row is written.
	Roles []string
	// RedirectTo is embedded into the magic link on the email channel.
	RedirectTo string
}

// StartPasswordless begins a passwordless sign-in over the given channel.
// Unknown identifiers create an account just in time; when the first OTP
// delivery then fails, the fresh account is deleted again so a retry starts
// clean.
//
// The email channel sends both a magic link and a numeric code; SMS sends
// the code only.
func (e *Engine) StartPasswordless(ctx context.Context, identifier string, channel OTPChannel, opts PasswordlessOptions) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	if err := e.checkAllowedRoles(opts.Roles); err != nil {
		return err
	}

	switch channel {
	case OTPChannelEmail:
		if !e.config.SignUp.EmailPasswordless {
			return ErrInvalidOTP
		}
		return e.startPasswordlessEmail(ctx, normalizeEmail(identifier), opts)
	case OTPChannelSMS:
		if !e.config.SignUp.SMSPasswordless || e.sms == nil {
			return ErrInvalidOTP
		}
		return e.startPasswordlessSMS(ctx, identifier, opts)
	default:
		return ErrInvalidOTP
	}
}

func (e *Engine) startPasswordlessEmail(ctx context.Context, email string, opts PasswordlessOptions) error {
	user, created, err := e.passwordlessUser(ctx, func() (User, error) {
		return e.users.GetUserByEmail(ctx, email)
	}, CreateUserInput{
		Email:       email,
		DisplayName: opts.DisplayName,
	}, opts.Roles)
	if err != nil {
		return err
	}

	if err := e.deliverOTP(ctx, user, created, OTPChannelEmail, email, func(otp string) error {
		return e.email.SendOTP(ctx, email, otp)
	}); err != nil {
		return err
	}

	// The magic link is a passwordless ticket over the same account; code
	// and link both complete the sign-in.
	if _, err := e.IssueTicket(ctx, user.ID, TicketTypePasswordlessEmail, IssueTicketOptions{RedirectTo: opts.RedirectTo}); err != nil && !errors.Is(err, ErrProviderFailure) {
		return err
	}
	return nil
}

func (e *Engine) startPasswordlessSMS(ctx context.Context, phoneNumber string, opts PasswordlessOptions) error {
	parsed, err := phonenumbers.Parse(phoneNumber, e.config.SignUp.DefaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return ErrInvalidOTP
	}
	normalized := phonenumbers.Format(parsed, phonenumbers.E164)

	user, created, err := e.passwordlessUser(ctx, func() (User, error) {
		return e.users.GetUserByPhoneNumber(ctx, normalized)
	}, CreateUserInput{
		PhoneNumber: normalized,
		DisplayName: opts.DisplayName,
	}, opts.Roles)
	if err != nil {
		return err
	}

	return e.deliverOTP(ctx, user, created, OTPChannelSMS, normalized, func(otp string) error {
		return e.sms.SendOTP(ctx, normalized, otp)
	})
}

// passwordlessUser resolves the account behind an identifier, creating it
// just in time when missing. The created flag drives compensating rollback
// on delivery failure.
func (e *Engine) passwordlessUser(ctx context.Context, lookup func() (User, error), input CreateUserInput, roles []string) (User, bool, error) {
	user, err := lookup()
	if err == nil {
		if user.Disabled {
			return User{}, false, ErrUserDisabled
		}
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, false, ErrUserStoreUnavailable
	}

	if !e.config.SignUp.Enabled {
		return User{}, false, ErrUserNotFound
	}

	input.DefaultRole, input.Roles = e.grantedRoles(roles)
	created, err := e.users.CreateUser(ctx, input)
	if err != nil {
		if errors.Is(err, ErrEmailAlreadyInUse) {
			return User{}, false, ErrEmailAlreadyInUse
		}
		return User{}, false, ErrUserStoreUnavailable
	}
	return created, true, nil
}

// deliverOTP generates a code, stores its bcrypt hash keyed by identifier
// and hands the plaintext to send. A delivery failure rolls back a
// just-in-time created account.
func (e *Engine) deliverOTP(ctx context.Context, user User, createdNow bool, channel OTPChannel, identifier string, send func(otp string) error) error {
	otp, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(otp), e.config.OTP.BcryptCost)
	if err != nil {
		return err
	}

	record := &otpRecord{
		UserID:    user.ID,
		OTPHash:   hash,
		Channel:   channel,
		ExpiresAt: time.Now().Add(e.config.OTP.TTL).Unix(),
	}
	if err := e.otpStore.Save(ctx, identifier, record, e.config.OTP.TTL); err != nil {
		return ErrStoreUnavailable
	}

	if err := send(otp); err != nil {
		e.metricInc(MetricOTPProviderFailure)
		_ = e.otpStore.Delete(ctx, identifier)
		if createdNow {
			// The account only exists because of this request; remove it so
			// the next attempt is indistinguishable from a first one.
			if delErr := e.users.DeleteUser(ctx, user.ID); delErr == nil {
				e.metricInc(MetricOTPRollback)
				e.emitAudit(ctx, auditEventOTPRollback, true, user.ID, "", err, nil)
			}
		}
		e.emitAudit(ctx, auditEventOTPIssued, false, user.ID, "", ErrProviderFailure, func() map[string]string {
			return map[string]string{"channel": string(channel)}
		})
		return ErrProviderFailure
	}

	if err := e.users.SetOTPMethodLastUsed(ctx, user.ID, channel); err != nil && !errors.Is(err, ErrUserNotFound) {
		return ErrUserStoreUnavailable
	}

	e.metricInc(MetricOTPIssued)
	e.emitAudit(ctx, auditEventOTPIssued, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"channel": string(channel)}
	})
	return nil
}

// VerifyOTP completes a passwordless sign-in. The code is single-use:
// success consumes the record, and repeated mismatches invalidate it once
// the attempt cap is reached.
func (e *Engine) VerifyOTP(ctx context.Context, identifier, code string) (*Session, error) {
	if e == nil || e.otpStore == nil {
		return nil, ErrEngineNotReady
	}

	identifier = e.normalizeOTPIdentifier(identifier)

	record, err := e.otpStore.Consume(ctx, identifier, code, e.config.OTP.MaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, errOTPExpired):
			e.metricInc(MetricOTPExpired)
			e.emitAudit(ctx, auditEventOTPInvalid, false, "", "", ErrOTPExpired, nil)
			return nil, ErrOTPExpired
		case errors.Is(err, errOTPAttemptsExceeded):
			e.metricInc(MetricOTPAttemptsExceeded)
			e.emitAudit(ctx, auditEventOTPInvalid, false, "", "", ErrOTPAttemptsExceeded, nil)
			return nil, ErrOTPAttemptsExceeded
		case errors.Is(err, errOTPNotFound), errors.Is(err, errOTPMismatch):
			e.metricInc(MetricOTPInvalid)
			e.emitAudit(ctx, auditEventOTPInvalid, false, "", "", ErrInvalidOTP, nil)
			return nil, ErrInvalidOTP
		default:
			return nil, ErrStoreUnavailable
		}
	}

	user, err := e.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidOTP
		}
		return nil, ErrUserStoreUnavailable
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}

	// A delivered code proves control of the identifier.
	switch record.Channel {
	case OTPChannelEmail:
		if !user.EmailVerified {
			if err := e.users.SetEmailVerified(ctx, user.ID, true); err != nil {
				return nil, ErrUserStoreUnavailable
			}
			user.EmailVerified = true
		}
	case OTPChannelSMS:
		user.PhoneNumberVerified = true
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricOTPVerified)
	e.emitAudit(ctx, auditEventOTPVerified, true, user.ID, session.RefreshTokenID, nil, func() map[string]string {
		return map[string]string{"channel": string(record.Channel)}
	})

	return session, nil
}

// normalizeOTPIdentifier canonicalizes the store key the same way
// StartPasswordless did: emails lower-cased, phone numbers in E.164.
func (e *Engine) normalizeOTPIdentifier(identifier string) string {
	if parsed, err := phonenumbers.Parse(identifier, e.config.SignUp.DefaultRegion); err == nil && phonenumbers.IsValidNumber(parsed) {
		return phonenumbers.Format(parsed, phonenumbers.E164)
	}
	return normalizeEmail(identifier)
}
