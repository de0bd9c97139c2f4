package gatekey

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/halvard/gatekey/internal"
	"github.com/halvard/gatekey/jwt"
)

// Refresh exchanges a refresh token for a new session. Regular tokens
// rotate: the presented token is invalidated and a fresh one is returned,
// so presenting an already-rotated token fails. Personal access tokens are
// validated in place and returned unchanged.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if e == nil || e.refreshStore == nil {
		return nil, ErrEngineNotReady
	}

	tokenID, secret, err := internal.DecodeToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrInvalidRefreshToken
	}
	providedHash := internal.HashSecret(secret)

	record, err := e.refreshStore.Validate(ctx, tokenID, providedHash)
	if err != nil {
		return nil, e.refreshFailure(ctx, tokenID, err)
	}

	user, err := e.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_, _ = e.refreshStore.Delete(ctx, tokenID)
			e.metricInc(MetricRefreshFailure)
			return nil, ErrInvalidRefreshToken
		}
		return nil, ErrUserStoreUnavailable
	}
	if user.Disabled {
		_, _ = e.refreshStore.Delete(ctx, tokenID)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, user.ID, tokenID, ErrUserDisabled, nil)
		return nil, ErrUserDisabled
	}

	if record.Type == RefreshTokenTypePAT {
		return e.refreshFromPAT(ctx, tokenID, refreshToken, user)
	}

	newID, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	newSecret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	newRecord := &refreshRecord{
		UserID:     user.ID,
		Type:       RefreshTokenTypeRegular,
		SecretHash: internal.HashSecret(newSecret),
		ExpiresAt:  time.Now().Add(e.config.Refresh.TTL).Unix(),
	}

	if _, err := e.refreshStore.Rotate(ctx, tokenID, providedHash, newID.String(), newRecord, e.config.Refresh.TTL); err != nil {
		return nil, e.refreshFailure(ctx, tokenID, err)
	}

	newToken, err := internal.EncodeToken(newID.String(), newSecret)
	if err != nil {
		return nil, err
	}

	accessToken, err := e.jwtManager.CreateAccess(jwt.AccessTokenInput{
		UserID:       user.ID,
		DefaultRole:  user.DefaultRole,
		AllowedRoles: user.Roles,
		IsAnonymous:  user.Anonymous,
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, user.ID, newID.String(), nil, nil)

	return &Session{
		AccessToken:          accessToken,
		AccessTokenExpiresIn: int64(e.jwtManager.AccessTTL().Seconds()),
		RefreshToken:         newToken,
		RefreshTokenID:       newID.String(),
		User:                 sanitizeUser(user),
	}, nil
}

// refreshFromPAT mints an access token against a personal access token
// without rotating it. The PAT itself is returned as the session's refresh
// token.
func (e *Engine) refreshFromPAT(ctx context.Context, tokenID, rawToken string, user User) (*Session, error) {
	accessToken, err := e.jwtManager.CreateAccess(jwt.AccessTokenInput{
		UserID:       user.ID,
		DefaultRole:  user.DefaultRole,
		AllowedRoles: user.Roles,
		IsAnonymous:  user.Anonymous,
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricPATRefresh)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, user.ID, tokenID, nil, func() map[string]string {
		return map[string]string{"tokenType": string(RefreshTokenTypePAT)}
	})

	return &Session{
		AccessToken:          accessToken,
		AccessTokenExpiresIn: int64(e.jwtManager.AccessTTL().Seconds()),
		RefreshToken:         rawToken,
		RefreshTokenID:       tokenID,
		User:                 sanitizeUser(user),
	}, nil
}

func (e *Engine) refreshFailure(ctx context.Context, tokenID string, err error) error {
	switch {
	case errors.Is(err, errRefreshSecretMismatch):
		// A known id with a wrong secret means someone holds a stale or
		// forged copy of the token.
		e.metricInc(MetricRefreshReplayDetected)
		e.emitAudit(ctx, auditEventRefreshReplayDetected, false, "", tokenID, ErrInvalidRefreshToken, nil)
		return ErrInvalidRefreshToken
	case errors.Is(err, errRefreshNotFound), errors.Is(err, errRefreshWrongType):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", tokenID, ErrInvalidRefreshToken, nil)
		return ErrInvalidRefreshToken
	default:
		return ErrStoreUnavailable
	}
}

// IssuePAT creates a personal access token for the user. The plaintext
// token is revealed exactly once in the returned value; only its hash is
// stored. expiresAt must be at least Refresh.PATMinLifetime from now; the
// boundary itself is accepted.
func (e *Engine) IssuePAT(ctx context.Context, userID string, expiresAt time.Time, metadata map[string]string) (*PersonalAccessToken, error) {
	if e == nil || e.refreshStore == nil {
		return nil, ErrEngineNotReady
	}

	lifetime := time.Until(expiresAt)
	if lifetime < e.config.Refresh.PATMinLifetime {
		e.metricInc(MetricPATRejectedExpiry)
		e.emitAudit(ctx, auditEventPATRejected, false, userID, "", ErrInvalidExpiryDate, nil)
		return nil, ErrInvalidExpiryDate
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrUserStoreUnavailable
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}

	tokenID, err := internal.NewTokenID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}

	var encodedMeta []byte
	if len(metadata) > 0 {
		encodedMeta, err = json.Marshal(metadata)
		if err != nil {
			return nil, err
		}
	}

	record := &refreshRecord{
		UserID:     user.ID,
		Type:       RefreshTokenTypePAT,
		SecretHash: internal.HashSecret(secret),
		ExpiresAt:  expiresAt.Unix(),
		Metadata:   encodedMeta,
	}
	if err := e.refreshStore.Save(ctx, tokenID.String(), record, lifetime); err != nil {
		return nil, ErrStoreUnavailable
	}

	token, err := internal.EncodeToken(tokenID.String(), secret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricPATIssued)
	e.emitAudit(ctx, auditEventPATIssued, true, user.ID, tokenID.String(), nil, func() map[string]string {
		return map[string]string{"expiresAt": expiresAt.UTC().Format(time.RFC3339)}
	})

	return &PersonalAccessToken{
		ID:        tokenID.String(),
		Token:     token,
		ExpiresAt: expiresAt,
		Metadata:  metadata,
	}, nil
}

// SignOut revokes the presented refresh token. Revoking a token that is
// already gone succeeds; a wrong secret does not.
func (e *Engine) SignOut(ctx context.Context, refreshToken string) error {
	if e == nil || e.refreshStore == nil {
		return ErrEngineNotReady
	}

	tokenID, secret, err := internal.DecodeToken(refreshToken)
	if err != nil {
		return ErrInvalidRefreshToken
	}

	if _, err := e.refreshStore.Validate(ctx, tokenID, internal.HashSecret(secret)); err != nil {
		switch {
		case errors.Is(err, errRefreshNotFound):
			return nil
		case errors.Is(err, errRefreshSecretMismatch):
			return ErrInvalidRefreshToken
		default:
			return ErrStoreUnavailable
		}
	}

	if _, err := e.refreshStore.Delete(ctx, tokenID); err != nil {
		return ErrStoreUnavailable
	}

	e.metricInc(MetricSignOut)
	e.emitAudit(ctx, auditEventSignOut, true, "", tokenID, nil, nil)

	return nil
}
