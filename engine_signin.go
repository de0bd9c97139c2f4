package gatekey

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/halvard/gatekey/internal"
)

// SignUpOptions carries the optional fields of an email/password sign-up.
type SignUpOptions struct {
	DisplayName string
	// Roles requested for the new account. Empty grants the configured
	// defaults; any role outside Roles.Allowed fails with ErrInvalidRoles.
	Roles []string
	// RedirectTo overrides the default redirect of the verification link.
	RedirectTo string
}

// SignUpEmailPassword creates an account and sends an email verification
// ticket. When verified email is not required the result carries a session
// immediately; otherwise the user signs in after redeeming the link.
func (e *Engine) SignUpEmailPassword(ctx context.Context, email, plainPassword string, opts SignUpOptions) (*SignInResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.SignUp.Enabled {
		return nil, ErrInvalidEmailPassword
	}

	email = normalizeEmail(email)
	if err := e.checkAllowedRoles(opts.Roles); err != nil {
		return nil, err
	}
	if len(plainPassword) < e.config.Password.MinLength {
		return nil, ErrPasswordPolicy
	}

	hash, err := e.passwordHash.Hash(plainPassword)
	if err != nil {
		return nil, ErrPasswordPolicy
	}

	defaultRole, roles := e.grantedRoles(opts.Roles)
	user, err := e.users.CreateUser(ctx, CreateUserInput{
		Email:        email,
		DisplayName:  opts.DisplayName,
		PasswordHash: hash,
		DefaultRole:  defaultRole,
		Roles:        roles,
	})
	if err != nil {
		if errors.Is(err, ErrEmailAlreadyInUse) {
			e.metricInc(MetricSignUpDuplicate)
			e.emitAudit(ctx, auditEventSignUpFailure, false, "", "", ErrEmailAlreadyInUse, func() map[string]string {
				return map[string]string{"email": email}
			})
			return nil, ErrEmailAlreadyInUse
		}
		return nil, ErrUserStoreUnavailable
	}

	// Delivery failure here is not fatal: the account exists and the link
	// can be re-requested.
	if _, err := e.IssueTicket(ctx, user.ID, TicketTypeVerify, IssueTicketOptions{RedirectTo: opts.RedirectTo}); err != nil {
		e.emitAudit(ctx, auditEventSignUpSuccess, true, user.ID, "", err, func() map[string]string {
			return map[string]string{"verificationSent": "false"}
		})
	}

	e.metricInc(MetricSignUpSuccess)
	e.emitAudit(ctx, auditEventSignUpSuccess, true, user.ID, "", nil, nil)

	if e.config.SignUp.RequireVerifiedEmail {
		return &SignInResult{}, nil
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}
	return &SignInResult{Session: session}, nil
}

// SignInEmailPassword authenticates an email/password pair. Accounts with
// an active second factor receive an MFA challenge ticket instead of a
// session; complete the sign-in with [Engine.VerifyMFA].
func (e *Engine) SignInEmailPassword(ctx context.Context, email, plainPassword string) (*SignInResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer e.observeSignInLatency(start)

	email = normalizeEmail(email)

	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.signInFailure(ctx, "", ErrInvalidEmailPassword)
			return nil, ErrInvalidEmailPassword
		}
		return nil, ErrUserStoreUnavailable
	}

	if user.PasswordHash == "" {
		e.signInFailure(ctx, user.ID, ErrInvalidEmailPassword)
		return nil, ErrInvalidEmailPassword
	}

	ok, err := e.passwordHash.Verify(plainPassword, user.PasswordHash)
	if err != nil || !ok {
		e.signInFailure(ctx, user.ID, ErrInvalidEmailPassword)
		return nil, ErrInvalidEmailPassword
	}

	if err := e.signInGuard(user); err != nil {
		e.signInFailure(ctx, user.ID, err)
		return nil, err
	}

	// Opportunistic rehash when Argon2 parameters were strengthened.
	if upgrade, err := e.passwordHash.NeedsUpgrade(user.PasswordHash); err == nil && upgrade {
		if newHash, err := e.passwordHash.Hash(plainPassword); err == nil {
			_ = e.users.UpdatePasswordHash(ctx, user.ID, newHash)
		}
	}

	if user.ActiveMFAType != "" {
		challenge, err := e.newMFAChallenge(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricMFARequired)
		e.emitAudit(ctx, auditEventMFARequired, true, user.ID, "", nil, func() map[string]string {
			return map[string]string{"mfaType": string(user.ActiveMFAType)}
		})
		return &SignInResult{MFA: challenge}, nil
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, user.ID, session.RefreshTokenID, nil, nil)

	return &SignInResult{Session: session}, nil
}

// SignInAnonymous creates a throwaway account flagged anonymous and signs
// it in. Anonymous sessions carry the anonymous claim and the anonymous
// role only.
func (e *Engine) SignInAnonymous(ctx context.Context) (*Session, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.SignUp.Enabled {
		return nil, ErrInvalidEmailPassword
	}

	user, err := e.users.CreateUser(ctx, CreateUserInput{
		DefaultRole: "anonymous",
		Roles:       []string{"anonymous"},
		Anonymous:   true,
	})
	if err != nil {
		return nil, ErrUserStoreUnavailable
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventAnonymousSignIn, true, user.ID, session.RefreshTokenID, nil, nil)

	return session, nil
}

// newMFAChallenge writes an attempts-bounded challenge row and returns the
// encoded single-use ticket.
func (e *Engine) newMFAChallenge(ctx context.Context, userID string) (*MFAChallenge, error) {
	challengeID, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	record := &mfaChallenge{
		UserID:     userID,
		SecretHash: internal.HashSecret(secret),
		ExpiresAt:  time.Now().Add(e.config.MFA.ChallengeTTL).Unix(),
	}
	if err := e.mfaStore.Save(ctx, challengeID.String(), record, e.config.MFA.ChallengeTTL); err != nil {
		return nil, ErrStoreUnavailable
	}

	ticket, err := internal.EncodeToken(challengeID.String(), secret)
	if err != nil {
		return nil, err
	}
	return &MFAChallenge{Ticket: ticket}, nil
}

func (e *Engine) signInFailure(ctx context.Context, userID string, err error) {
	e.metricInc(MetricSignInFailure)
	e.emitAudit(ctx, auditEventSignInFailure, false, userID, "", err, nil)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
