package gatekey

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

const (
	webauthnKindRegister = "register"
	webauthnKindSignIn   = "signin"
	webauthnKindElevate  = "elevate"
)

// webauthnUser adapts a gatekey [User] and their stored credentials to the
// webauthn.User interface.
type webauthnUser struct {
	user        User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webauthnUser) WebAuthnName() string {
	if u.user.Email != "" {
		return u.user.Email
	}
	return u.user.ID
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.WebAuthnName()
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (e *Engine) loadWebAuthnUser(ctx context.Context, user User) (*webauthnUser, []SecurityKey, error) {
	keys, err := e.users.ListSecurityKeys(ctx, user.ID)
	if err != nil {
		return nil, nil, ErrUserStoreUnavailable
	}

	credentials := make([]webauthn.Credential, 0, len(keys))
	for _, key := range keys {
		transports := make([]protocol.AuthenticatorTransport, 0, len(key.Transports))
		for _, t := range key.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		credentials = append(credentials, webauthn.Credential{
			ID:        key.CredentialID,
			PublicKey: key.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				SignCount: key.SignCount,
			},
		})
	}

	return &webauthnUser{user: user, credentials: credentials}, keys, nil
}

// BeginSecurityKeyRegistration starts a WebAuthn attestation ceremony and
// returns the credential creation options for the browser. The pending
// ceremony state lives in Redis until the finish call takes it.
func (e *Engine) BeginSecurityKeyRegistration(ctx context.Context, userID string) (json.RawMessage, error) {
	if e == nil || e.webauthn == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrUserStoreUnavailable
	}

	waUser, _, err := e.loadWebAuthnUser(ctx, user)
	if err != nil {
		return nil, err
	}

	options := []webauthn.RegistrationOption{}
	if len(waUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(waUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := e.webauthn.BeginRegistration(waUser, options...)
	if err != nil {
		return nil, err
	}
	if err := e.saveWebAuthnSession(ctx, webauthnKindRegister, user.ID, session); err != nil {
		return nil, err
	}

	return json.Marshal(creation)
}

// FinishSecurityKeyRegistration validates the attestation response and
// stores the new credential.
func (e *Engine) FinishSecurityKeyRegistration(ctx context.Context, userID, nickname string, response []byte) (*SecurityKey, error) {
	if e == nil || e.webauthn == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrUserStoreUnavailable
	}

	session, err := e.takeWebAuthnSession(ctx, webauthnKindRegister, user.ID)
	if err != nil {
		return nil, err
	}

	waUser, _, err := e.loadWebAuthnUser(ctx, user)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, ErrSecurityKeyNotFound
	}
	credential, err := e.webauthn.CreateCredential(waUser, *session, parsed)
	if err != nil {
		return nil, ErrSecurityKeyNotFound
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	key, err := e.users.AddSecurityKey(ctx, SecurityKey{
		UserID:       user.ID,
		CredentialID: credential.ID,
		PublicKey:    credential.PublicKey,
		SignCount:    credential.Authenticator.SignCount,
		Transports:   transports,
		Nickname:     nickname,
		AddedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, ErrUserStoreUnavailable
	}

	e.metricInc(MetricSecurityKeyAdded)
	e.emitAudit(ctx, auditEventSecurityKeyAdded, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"nickname": nickname}
	})

	return &key, nil
}

// BeginSecurityKeySignIn starts an assertion ceremony for the account
// behind email.
func (e *Engine) BeginSecurityKeySignIn(ctx context.Context, email string) (json.RawMessage, error) {
	return e.beginAssertion(ctx, webauthnKindSignIn, email)
}

// FinishSecurityKeySignIn validates the assertion and issues a session.
func (e *Engine) FinishSecurityKeySignIn(ctx context.Context, email string, response []byte) (*Session, error) {
	user, err := e.finishAssertion(ctx, webauthnKindSignIn, email, response)
	if err != nil {
		return nil, err
	}

	if err := e.signInGuard(user); err != nil {
		e.signInFailure(ctx, user.ID, err)
		return nil, err
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, user.ID, session.RefreshTokenID, nil, func() map[string]string {
		return map[string]string{"method": string(MFATypeSecurityKey)}
	})

	return session, nil
}

// BeginElevation starts an assertion ceremony whose successful finish
// mints an elevated session.
func (e *Engine) BeginElevation(ctx context.Context, email string) (json.RawMessage, error) {
	return e.beginAssertion(ctx, webauthnKindElevate, email)
}

// FinishElevation validates the assertion and returns a session whose
// access token carries the elevated claim.
func (e *Engine) FinishElevation(ctx context.Context, email string, response []byte) (*Session, error) {
	user, err := e.finishAssertion(ctx, webauthnKindElevate, email, response)
	if err != nil {
		e.metricInc(MetricElevationRejected)
		return nil, err
	}

	session, err := e.issueSession(ctx, user, user.ID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricElevationSuccess)
	e.emitAudit(ctx, auditEventElevationSuccess, true, user.ID, session.RefreshTokenID, nil, func() map[string]string {
		return map[string]string{"method": string(MFATypeSecurityKey)}
	})

	return session, nil
}

// ListSecurityKeys returns the user's registered credentials. The caller
// must hold an elevated access token.
func (e *Engine) ListSecurityKeys(ctx context.Context, userID string, elevated bool) ([]SecurityKey, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	if !elevated {
		e.metricInc(MetricElevationRejected)
		e.emitAudit(ctx, auditEventElevationRejected, false, userID, "", ErrElevationRequired, nil)
		return nil, ErrElevationRequired
	}

	keys, err := e.users.ListSecurityKeys(ctx, userID)
	if err != nil {
		return nil, ErrUserStoreUnavailable
	}
	return keys, nil
}

// RemoveSecurityKey deletes a credential. The caller must hold an elevated
// access token.
func (e *Engine) RemoveSecurityKey(ctx context.Context, userID, keyID string, elevated bool) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if !elevated {
		e.metricInc(MetricElevationRejected)
		e.emitAudit(ctx, auditEventElevationRejected, false, userID, "", ErrElevationRequired, nil)
		return ErrElevationRequired
	}

	if err := e.users.RemoveSecurityKey(ctx, userID, keyID); err != nil {
		if errors.Is(err, ErrSecurityKeyNotFound) {
			return ErrSecurityKeyNotFound
		}
		return ErrUserStoreUnavailable
	}

	e.metricInc(MetricSecurityKeyRemoved)
	e.emitAudit(ctx, auditEventSecurityKeyRemoved, true, userID, "", nil, func() map[string]string {
		return map[string]string{"keyId": keyID}
	})
	return nil
}

func (e *Engine) beginAssertion(ctx context.Context, kind, email string) (json.RawMessage, error) {
	if e == nil || e.webauthn == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrSecurityKeyNotFound
		}
		return nil, ErrUserStoreUnavailable
	}

	waUser, keys, err := e.loadWebAuthnUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrSecurityKeyNotFound
	}

	assertion, session, err := e.webauthn.BeginLogin(waUser)
	if err != nil {
		return nil, err
	}
	if err := e.saveWebAuthnSession(ctx, kind, user.ID, session); err != nil {
		return nil, err
	}

	return json.Marshal(assertion)
}

func (e *Engine) finishAssertion(ctx context.Context, kind, email string, response []byte) (User, error) {
	if e == nil || e.webauthn == nil {
		return User{}, ErrEngineNotReady
	}

	user, err := e.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrSecurityKeyNotFound
		}
		return User{}, ErrUserStoreUnavailable
	}

	session, err := e.takeWebAuthnSession(ctx, kind, user.ID)
	if err != nil {
		return User{}, err
	}

	waUser, keys, err := e.loadWebAuthnUser(ctx, user)
	if err != nil {
		return User{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return User{}, ErrSecurityKeyNotFound
	}
	credential, err := e.webauthn.ValidateLogin(waUser, *session, parsed)
	if err != nil {
		return User{}, ErrSecurityKeyNotFound
	}

	// Persist the authenticator counter for clone detection.
	for _, key := range keys {
		if string(key.CredentialID) == string(credential.ID) {
			_ = e.users.UpdateSecurityKeySignCount(ctx, key.ID, credential.Authenticator.SignCount)
			break
		}
	}

	return user, nil
}

func (e *Engine) saveWebAuthnSession(ctx context.Context, kind, userID string, session *webauthn.SessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := e.webauthnStore.Save(ctx, kind, userID, data, e.config.WebAuthn.SessionTTL); err != nil {
		return ErrStoreUnavailable
	}
	return nil
}

func (e *Engine) takeWebAuthnSession(ctx context.Context, kind, userID string) (*webauthn.SessionData, error) {
	data, err := e.webauthnStore.Take(ctx, kind, userID)
	if err != nil {
		if errors.Is(err, errWebAuthnSessionNotFound) {
			return nil, ErrSecurityKeyNotFound
		}
		return nil, ErrStoreUnavailable
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrSecurityKeyNotFound
	}
	return &session, nil
}
