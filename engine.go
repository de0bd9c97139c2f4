package gatekey

import (
	"context"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/halvard/gatekey/internal"
	internalaudit "github.com/halvard/gatekey/internal/audit"
	"github.com/halvard/gatekey/jwt"
	"github.com/halvard/gatekey/password"
)

// Engine is the server-side credential authority. It owns every sign-in,
// refresh, ticket, OTP and MFA decision; callers plug in persistence via
// [UserStore] and delivery via [EmailProvider] and [SMSProvider].
//
// All methods are safe for concurrent use.
type Engine struct {
	config        Config
	users         UserStore
	email         EmailProvider
	sms           SMSProvider
	refreshStore  *refreshStore
	ticketStore   *ticketStore
	otpStore      *otpStore
	mfaStore      *mfaChallengeStore
	webauthnStore *webauthnSessionStore
	webauthn      *webauthn.WebAuthn
	jwtManager    *jwt.Manager
	passwordHash  *password.Argon2
	totp          *totpManager
	audit         *internalaudit.Dispatcher
	metrics       *Metrics
}

// Close drains and stops the audit dispatcher. The Engine must not be used
// afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters and
// histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// VerifyAccessToken validates a raw access JWT and returns its claims.
// Transport layers use this to authenticate Bearer requests.
func (e *Engine) VerifyAccessToken(token string) (*jwt.AccessClaims, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	return e.jwtManager.ParseAccess(token)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeSignInLatency(start time.Time) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(MetricSignInLatency, time.Since(start))
}

// sanitizeUser strips secret material before a User leaves the engine.
func sanitizeUser(u User) User {
	u.PasswordHash = ""
	u.TOTPSecret = ""
	u.PendingTOTPSecret = ""
	return u
}

// newRefreshToken mints and persists a rotating refresh token for the
// user, returning the encoded token and its id.
func (e *Engine) newRefreshToken(ctx context.Context, userID string) (string, string, error) {
	tokenID, err := internal.NewTokenID()
	if err != nil {
		return "", "", err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", "", err
	}

	record := &refreshRecord{
		UserID:     userID,
		Type:       RefreshTokenTypeRegular,
		SecretHash: internal.HashSecret(secret),
		ExpiresAt:  time.Now().Add(e.config.Refresh.TTL).Unix(),
	}
	if err := e.refreshStore.Save(ctx, tokenID.String(), record, e.config.Refresh.TTL); err != nil {
		return "", "", ErrStoreUnavailable
	}

	token, err := internal.EncodeToken(tokenID.String(), secret)
	if err != nil {
		return "", "", err
	}
	return token, tokenID.String(), nil
}

// issueSession mints a rotating refresh token plus a signed access token
// for the user. elevated is either empty or the user's own id; it flows
// into the elevated claim.
func (e *Engine) issueSession(ctx context.Context, user User, elevated string) (*Session, error) {
	refreshToken, refreshTokenID, err := e.newRefreshToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	accessToken, err := e.jwtManager.CreateAccess(jwt.AccessTokenInput{
		UserID:       user.ID,
		DefaultRole:  user.DefaultRole,
		AllowedRoles: user.Roles,
		IsAnonymous:  user.Anonymous,
		Elevated:     elevated != "",
	})
	if err != nil {
		// Orphaned refresh rows expire on their own; no rollback needed.
		return nil, err
	}

	return &Session{
		AccessToken:          accessToken,
		AccessTokenExpiresIn: int64(e.jwtManager.AccessTTL().Seconds()),
		RefreshToken:         refreshToken,
		RefreshTokenID:       refreshTokenID,
		User:                 sanitizeUser(user),
	}, nil
}

// signInGuard rejects accounts that must not receive a session.
func (e *Engine) signInGuard(user User) error {
	if user.Disabled {
		return ErrUserDisabled
	}
	if e.config.SignUp.RequireVerifiedEmail && !user.EmailVerified && !user.Anonymous {
		return ErrUserUnverified
	}
	return nil
}

// checkAllowedRoles validates caller-requested roles against the
// configured universe. Empty input is valid and falls back to defaults.
func (e *Engine) checkAllowedRoles(requested []string) error {
	for _, role := range requested {
		allowed := false
		for _, candidate := range e.config.Roles.Allowed {
			if candidate == role {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrInvalidRoles
		}
	}
	return nil
}

// grantedRoles resolves the role set for a new account.
func (e *Engine) grantedRoles(requested []string) (string, []string) {
	if len(requested) == 0 {
		return e.config.Roles.Default, append([]string(nil), e.config.Roles.Allowed...)
	}
	defaultRole := e.config.Roles.Default
	hasDefault := false
	for _, role := range requested {
		if role == defaultRole {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		defaultRole = requested[0]
	}
	return defaultRole, append([]string(nil), requested...)
}
