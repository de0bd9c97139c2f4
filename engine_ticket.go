package gatekey

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/halvard/gatekey/internal"
)

// Query keys the redirect contract owns. They are rejected on issue so a
// caller-supplied redirect can never impersonate a failure, and they are
// appended only on the failure path.
const (
	redirectKeyError            = "error"
	redirectKeyErrorDescription = "errorDescription"
	redirectKeyRefreshToken     = "refreshToken"
	redirectKeyType             = "type"
)

// IssueTicketOptions carries the optional fields of a ticket issuance.
type IssueTicketOptions struct {
	// RedirectTo is embedded into the delivery link; empty falls back to
	// the configured default.
	RedirectTo string
	// NewEmail is required for TicketTypeConfirmChange and ignored
	// otherwise.
	NewEmail string
	// TTL overrides the per-type default when positive.
	TTL time.Duration
}

// IssueTicket creates a single-use ticket and emails the holder a
// verification link. The returned string is the encoded ticket; only its
// secret hash is stored.
func (e *Engine) IssueTicket(ctx context.Context, userID string, ticketType TicketType, opts IssueTicketOptions) (string, error) {
	if e == nil || e.ticketStore == nil {
		return "", ErrEngineNotReady
	}

	redirectTo, err := e.checkRedirect(opts.RedirectTo)
	if err != nil {
		return "", err
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", ErrUserNotFound
		}
		return "", ErrUserStoreUnavailable
	}

	ticketID, err := internal.NewTokenID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.ticketTTL(ticketType)
	}

	record := &ticketRecord{
		UserID:     user.ID,
		Type:       ticketType,
		NewEmail:   opts.NewEmail,
		SecretHash: internal.HashSecret(secret),
		ExpiresAt:  time.Now().Add(ttl).Unix(),
	}
	if err := e.ticketStore.Save(ctx, ticketID.String(), record, ttl); err != nil {
		return "", ErrStoreUnavailable
	}

	ticket, err := internal.EncodeToken(ticketID.String(), secret)
	if err != nil {
		return "", err
	}

	// Email-change confirmations go to the address being claimed.
	to := user.Email
	if ticketType == TicketTypeConfirmChange {
		to = opts.NewEmail
	}
	link := e.verificationLink(ticket, ticketType, redirectTo)
	if err := e.email.SendTicketLink(ctx, to, ticketType, link); err != nil {
		e.emitAudit(ctx, auditEventTicketIssued, false, user.ID, "", ErrProviderFailure, func() map[string]string {
			return map[string]string{"ticketType": string(ticketType)}
		})
		return "", ErrProviderFailure
	}

	e.metricInc(MetricTicketIssued)
	e.emitAudit(ctx, auditEventTicketIssued, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"ticketType": string(ticketType)}
	})

	return ticket, nil
}

// RedeemTicket consumes a ticket, applies its side effect and returns a
// fresh refresh token plus the final redirect target. Expired, unknown,
// already-redeemed and wrong-secret tickets all fail with
// [ErrInvalidTicket]; a type mismatch fails the same way but leaves the
// ticket redeemable by the matching flow.
func (e *Engine) RedeemTicket(ctx context.Context, ticket string, expectedType TicketType, redirectTo string) (*TicketRedemption, error) {
	if e == nil || e.ticketStore == nil {
		return nil, ErrEngineNotReady
	}

	redirectTo, err := e.checkRedirect(redirectTo)
	if err != nil {
		return nil, err
	}

	ticketID, secret, err := internal.DecodeToken(ticket)
	if err != nil {
		e.ticketFailure(ctx, "", expectedType, ErrInvalidTicket)
		return nil, ErrInvalidTicket
	}

	record, err := e.ticketStore.Consume(ctx, ticketID, internal.HashSecret(secret), expectedType)
	if err != nil {
		switch {
		case errors.Is(err, errTicketNotFound), errors.Is(err, errTicketSecretMismatch),
			errors.Is(err, errTicketTypeMismatch):
			e.ticketFailure(ctx, "", expectedType, ErrInvalidTicket)
			return nil, ErrInvalidTicket
		default:
			return nil, ErrStoreUnavailable
		}
	}

	if err := e.applyTicketEffect(ctx, record); err != nil {
		e.ticketFailure(ctx, record.UserID, record.Type, err)
		return nil, err
	}

	refreshToken, refreshTokenID, err := e.newRefreshToken(ctx, record.UserID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricTicketRedeemed)
	e.emitAudit(ctx, auditEventTicketRedeemed, true, record.UserID, refreshTokenID, nil, func() map[string]string {
		return map[string]string{"ticketType": string(record.Type)}
	})

	return &TicketRedemption{
		RefreshToken: refreshToken,
		Type:         record.Type,
		RedirectTo: appendQuery(redirectTo, url.Values{
			redirectKeyRefreshToken: {refreshToken},
			redirectKeyType:         {string(record.Type)},
		}),
		UserID: record.UserID,
	}, nil
}

// RequestEmailChange stores the pending address and issues a
// CONFIRM_CHANGE ticket delivered to it. The swap happens at redemption,
// after ownership is re-checked.
func (e *Engine) RequestEmailChange(ctx context.Context, userID, newEmail, redirectTo string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	newEmail = normalizeEmail(newEmail)
	if _, err := e.users.GetUserByEmail(ctx, newEmail); err == nil {
		return ErrEmailAlreadyInUse
	} else if !errors.Is(err, ErrUserNotFound) {
		return ErrUserStoreUnavailable
	}

	if err := e.users.SetNewEmail(ctx, userID, newEmail); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return ErrUserStoreUnavailable
	}

	_, err := e.IssueTicket(ctx, userID, TicketTypeConfirmChange, IssueTicketOptions{
		RedirectTo: redirectTo,
		NewEmail:   newEmail,
	})
	if err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventEmailChangeRequest, true, userID, "", nil, nil)
	return nil
}

// RequestPasswordReset issues a PASSWORD_RESET ticket for the account
// behind email. Unknown addresses succeed silently so the endpoint cannot
// be used to probe for accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return ErrUserStoreUnavailable
	}
	if user.Disabled {
		return nil
	}

	if _, err := e.IssueTicket(ctx, user.ID, TicketTypePasswordReset, IssueTicketOptions{RedirectTo: redirectTo}); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventPasswordChangeRequest, true, user.ID, "", nil, nil)
	return nil
}

// ChangePassword writes a new Argon2id hash for the user. Callers
// authenticate first: either with a live session or by redeeming a
// PASSWORD_RESET ticket, both of which end in a valid access token.
func (e *Engine) ChangePassword(ctx context.Context, userID, newPassword string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	if len(newPassword) < e.config.Password.MinLength {
		return ErrPasswordPolicy
	}
	hash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return ErrPasswordPolicy
	}

	if err := e.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return ErrUserStoreUnavailable
	}

	e.emitAudit(ctx, auditEventPasswordChanged, true, userID, "", nil, nil)
	return nil
}

// FailureRedirect builds the redirect target for a failed redemption:
// redirectTo (or the default when invalid) with the reserved error keys
// appended.
func (e *Engine) FailureRedirect(redirectTo string, code, description string) string {
	checked, err := e.checkRedirect(redirectTo)
	if err != nil {
		checked = e.config.Ticket.DefaultRedirectURL
	}
	return appendQuery(checked, url.Values{
		redirectKeyError:            {code},
		redirectKeyErrorDescription: {description},
	})
}

func (e *Engine) applyTicketEffect(ctx context.Context, record *ticketRecord) error {
	switch record.Type {
	case TicketTypeVerify, TicketTypePasswordlessEmail:
		if err := e.users.SetEmailVerified(ctx, record.UserID, true); err != nil {
			return ErrUserStoreUnavailable
		}
	case TicketTypeConfirmChange:
		// Ownership can change between request and redemption.
		if _, err := e.users.GetUserByEmail(ctx, record.NewEmail); err == nil {
			return ErrEmailAlreadyInUse
		} else if !errors.Is(err, ErrUserNotFound) {
			return ErrUserStoreUnavailable
		}
		if err := e.users.ApplyEmailChange(ctx, record.UserID); err != nil {
			return ErrUserStoreUnavailable
		}
	case TicketTypePasswordReset:
		// No mutation; the session minted from the fresh refresh token
		// authorizes the subsequent password change.
	}
	return nil
}

func (e *Engine) ticketFailure(ctx context.Context, userID string, ticketType TicketType, err error) {
	e.metricInc(MetricTicketInvalid)
	e.emitAudit(ctx, auditEventTicketInvalid, false, userID, "", err, func() map[string]string {
		return map[string]string{"ticketType": string(ticketType)}
	})
}

func (e *Engine) ticketTTL(ticketType TicketType) time.Duration {
	switch ticketType {
	case TicketTypeVerify:
		return e.config.Ticket.VerifyTTL
	case TicketTypeConfirmChange:
		return e.config.Ticket.ConfirmChangeTTL
	case TicketTypePasswordlessEmail:
		return e.config.Ticket.PasswordlessTTL
	case TicketTypePasswordReset:
		return e.config.Ticket.PasswordResetTTL
	default:
		return e.config.Ticket.VerifyTTL
	}
}

func (e *Engine) verificationLink(ticket string, ticketType TicketType, redirectTo string) string {
	base := strings.TrimRight(e.config.Ticket.ServerURL, "/") + "/verify"
	return appendQuery(base, url.Values{
		"ticket":        {ticket},
		redirectKeyType: {string(ticketType)},
		"redirectTo":    {redirectTo},
	})
}

// checkRedirect resolves and validates a redirect target. Empty falls back
// to the default; anything outside the allowed origins or carrying a
// reserved query key is rejected.
func (e *Engine) checkRedirect(redirectTo string) (string, error) {
	if redirectTo == "" {
		return e.config.Ticket.DefaultRedirectURL, nil
	}

	parsed, err := url.Parse(redirectTo)
	if err != nil || !parsed.IsAbs() {
		return "", ErrInvalidRedirect
	}

	query := parsed.Query()
	if query.Has(redirectKeyError) || query.Has(redirectKeyErrorDescription) {
		return "", ErrInvalidRedirect
	}

	if sameOrigin(parsed, e.config.Ticket.DefaultRedirectURL) {
		return redirectTo, nil
	}
	for _, allowed := range e.config.Ticket.AllowedRedirectURLs {
		if sameOrigin(parsed, allowed) {
			return redirectTo, nil
		}
	}
	return "", ErrInvalidRedirect
}

func sameOrigin(candidate *url.URL, raw string) bool {
	allowed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return candidate.Scheme == allowed.Scheme && candidate.Host == allowed.Host
}

// appendQuery adds params to base without touching its existing query
// string, so caller-supplied parameters survive verbatim. A fragment
// stays at the end; the query belongs before it.
func appendQuery(base string, params url.Values) string {
	fragment := ""
	if i := strings.Index(base, "#"); i >= 0 {
		base, fragment = base[:i], base[i:]
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode() + fragment
}
