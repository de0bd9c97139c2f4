package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatekey "github.com/halvard/gatekey"
)

// fakeAPI satisfies AuthAPI with overridable function fields and counts
// every network call so guard tests can assert none happened.
type fakeAPI struct {
	calls int64

	signUp    func(ctx context.Context, email, password string) (AuthResult, error)
	signIn    func(ctx context.Context, email, password string) (AuthResult, error)
	startOTP  func(ctx context.Context, identifier string) error
	verifyOTP func(ctx context.Context, identifier, code string) (AuthResult, error)
	verifyMFA func(ctx context.Context, ticket, code string) (AuthResult, error)
	refresh   func(ctx context.Context, refreshToken string) (AuthResult, error)
	signOut   func(ctx context.Context, refreshToken string) error
}

func (f *fakeAPI) count() { atomic.AddInt64(&f.calls, 1) }

func (f *fakeAPI) SignUp(ctx context.Context, email, password string) (AuthResult, error) {
	f.count()
	if f.signUp == nil {
		return AuthResult{}, errors.New("unexpected SignUp")
	}
	return f.signUp(ctx, email, password)
}

func (f *fakeAPI) SignInPassword(ctx context.Context, email, password string) (AuthResult, error) {
	f.count()
	if f.signIn == nil {
		return AuthResult{}, errors.New("unexpected SignInPassword")
	}
	return f.signIn(ctx, email, password)
}

func (f *fakeAPI) StartPasswordlessEmail(ctx context.Context, email string) error {
	f.count()
	if f.startOTP == nil {
		return errors.New("unexpected StartPasswordlessEmail")
	}
	return f.startOTP(ctx, email)
}

func (f *fakeAPI) StartPasswordlessSMS(ctx context.Context, phoneNumber string) error {
	f.count()
	if f.startOTP == nil {
		return errors.New("unexpected StartPasswordlessSMS")
	}
	return f.startOTP(ctx, phoneNumber)
}

func (f *fakeAPI) VerifyOTP(ctx context.Context, identifier, code string) (AuthResult, error) {
	f.count()
	if f.verifyOTP == nil {
		return AuthResult{}, errors.New("unexpected VerifyOTP")
	}
	return f.verifyOTP(ctx, identifier, code)
}

func (f *fakeAPI) VerifyMFA(ctx context.Context, ticket, code string) (AuthResult, error) {
	f.count()
	if f.verifyMFA == nil {
		return AuthResult{}, errors.New("unexpected VerifyMFA")
	}
	return f.verifyMFA(ctx, ticket, code)
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	f.count()
	if f.refresh == nil {
		return AuthResult{}, errors.New("unexpected Refresh")
	}
	return f.refresh(ctx, refreshToken)
}

func (f *fakeAPI) SignOut(ctx context.Context, refreshToken string) error {
	f.count()
	if f.signOut == nil {
		return nil
	}
	return f.signOut(ctx, refreshToken)
}

func testSession(refreshToken string, expiresIn int64) *Session {
	return &Session{
		AccessToken:          "access-" + refreshToken,
		AccessTokenExpiresIn: expiresIn,
		RefreshToken:         refreshToken,
		User:                 gatekey.User{ID: "u1", Email: "a@example.com"},
	}
}

func TestGuardFailuresSkipNetwork(t *testing.T) {
	api := &fakeAPI{}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	state := m.SignInPassword(context.Background(), "not-an-email", "long-enough-pw")
	assert.Equal(t, PhaseSignedOut, state.Phase)
	assert.Equal(t, SignedOutFailed, state.Status)
	require.NotNil(t, state.Err)
	assert.Equal(t, "invalid-request", state.Err.Code)

	state = m.SignInPassword(context.Background(), "a@example.com", "short")
	assert.Equal(t, SignedOutFailed, state.Status)

	state = m.SubmitOTP(context.Background(), "a@example.com", "not-digits")
	assert.Equal(t, SignedOutFailed, state.Status)

	assert.Zero(t, atomic.LoadInt64(&api.calls))
}

func TestPasswordSignInPersistsAndHydrates(t *testing.T) {
	storage := NewMemoryStorage()
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{Session: testSession("rt1", 900)}, nil
		},
	}

	m := NewMachine(api, WithStorage(storage))
	t.Cleanup(m.Close)

	state := m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")
	require.Equal(t, PhaseSignedIn, state.Phase)
	require.NotNil(t, state.Session)
	assert.Equal(t, "rt1", state.Session.RefreshToken)

	raw, ok, err := storage.Load(StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	persisted, err := decodeSession(raw)
	require.NoError(t, err)
	assert.Equal(t, "rt1", persisted.RefreshToken)

	// A fresh machine over the same storage adopts the session.
	m2 := NewMachine(&fakeAPI{}, WithStorage(storage))
	t.Cleanup(m2.Close)
	require.NoError(t, m2.Hydrate())
	assert.Equal(t, PhaseSignedIn, m2.State().Phase)
}

func TestMFAChallengeFlow(t *testing.T) {
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{MFATicket: "ticket-1"}, nil
		},
		verifyMFA: func(ctx context.Context, ticket, code string) (AuthResult, error) {
			if ticket != "ticket-1" {
				return AuthResult{}, &FlowError{Code: "invalid-ticket"}
			}
			return AuthResult{Session: testSession("rt-mfa", 900)}, nil
		},
	}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	state := m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")
	assert.Equal(t, PhaseAuthenticating, state.Phase)
	assert.Equal(t, MethodMFATotp, state.Method)
	assert.Equal(t, "ticket-1", state.MFATicket)

	state = m.SubmitTOTP(context.Background(), "123456")
	require.Equal(t, PhaseSignedIn, state.Phase)
	assert.Equal(t, "rt-mfa", state.Session.RefreshToken)
}

func TestSubmitTOTPWithoutChallenge(t *testing.T) {
	m := NewMachine(&fakeAPI{})
	t.Cleanup(m.Close)

	state := m.SubmitTOTP(context.Background(), "123456")
	assert.Equal(t, PhaseSignedOut, state.Phase)
	assert.Equal(t, SignedOutFailed, state.Status)
}

func TestSignUpNeedsEmailVerification(t *testing.T) {
	api := &fakeAPI{
		signUp: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{NeedsEmailVerification: true}, nil
		},
	}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	state := m.SignUp(context.Background(), "a@example.com", "long-enough-pw")
	assert.Equal(t, PhaseNeedsEmailVerification, state.Phase)
	assert.Nil(t, state.Session)
}

func TestRejectionLandsInFailed(t *testing.T) {
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{}, &FlowError{Code: "invalid-email-password", Message: "nope"}
		},
	}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	state := m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")
	assert.Equal(t, PhaseSignedOut, state.Phase)
	assert.Equal(t, SignedOutFailed, state.Status)
	require.NotNil(t, state.Err)
	assert.Equal(t, "invalid-email-password", state.Err.Code)
}

func TestPasswordlessStaysAuthenticating(t *testing.T) {
	verified := make(chan string, 1)
	api := &fakeAPI{
		startOTP: func(ctx context.Context, identifier string) error { return nil },
		verifyOTP: func(ctx context.Context, identifier, code string) (AuthResult, error) {
			verified <- code
			return AuthResult{Session: testSession("rt-otp", 900)}, nil
		},
	}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	state := m.SignInPasswordlessEmail(context.Background(), "a@example.com")
	assert.Equal(t, PhaseAuthenticating, state.Phase)
	assert.Equal(t, MethodPasswordlessEmail, state.Method)

	state = m.SubmitOTP(context.Background(), "a@example.com", "123456")
	require.Equal(t, PhaseSignedIn, state.Phase)
	assert.Equal(t, "123456", <-verified)
}

func TestAutoRefreshReArms(t *testing.T) {
	refreshed := make(chan string, 4)
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{Session: testSession("rt1", 0)}, nil
		},
		refresh: func(ctx context.Context, refreshToken string) (AuthResult, error) {
			refreshed <- refreshToken
			// Large expiry stops the timer chain after the first rotation.
			return AuthResult{Session: testSession("rt2", 3600)}, nil
		},
	}
	m := NewMachine(api, WithRefreshLead(0))
	t.Cleanup(m.Close)

	m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")

	select {
	case token := <-refreshed:
		assert.Equal(t, "rt1", token)
	case <-time.After(2 * time.Second):
		t.Fatal("automatic refresh never fired")
	}

	require.Eventually(t, func() bool {
		state := m.State()
		return state.Phase == PhaseSignedIn && state.Session.RefreshToken == "rt2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoRefreshRejectionSignsOut(t *testing.T) {
	storage := NewMemoryStorage()
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{Session: testSession("rt1", 0)}, nil
		},
		refresh: func(ctx context.Context, refreshToken string) (AuthResult, error) {
			return AuthResult{}, &FlowError{Code: "invalid-refresh-token"}
		},
	}
	m := NewMachine(api, WithStorage(storage), WithRefreshLead(0))
	t.Cleanup(m.Close)

	m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")

	require.Eventually(t, func() bool {
		state := m.State()
		return state.Phase == PhaseSignedOut && state.Status == SignedOutFailed
	}, 2*time.Second, 10*time.Millisecond)

	_, ok, err := storage.Load(StorageKey)
	require.NoError(t, err)
	assert.False(t, ok, "rejected refresh must clear the persisted session")
}

func TestNewFlowCancelsPending(t *testing.T) {
	started := make(chan struct{})
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			close(started)
			<-ctx.Done()
			return AuthResult{}, ctx.Err()
		},
		startOTP: func(ctx context.Context, identifier string) error { return nil },
	}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	go m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")
	<-started

	state := m.SignInPasswordlessEmail(context.Background(), "b@example.com")
	assert.Equal(t, PhaseAuthenticating, state.Phase)
	assert.Equal(t, MethodPasswordlessEmail, state.Method)

	// The cancelled flow settles nothing; the machine keeps the newer state.
	require.Never(t, func() bool {
		return m.State().Phase == PhaseSignedOut
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestSignOutClearsStorage(t *testing.T) {
	storage := NewMemoryStorage()
	var revoked string
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{Session: testSession("rt1", 900)}, nil
		},
		signOut: func(ctx context.Context, refreshToken string) error {
			revoked = refreshToken
			return nil
		},
	}
	m := NewMachine(api, WithStorage(storage))
	t.Cleanup(m.Close)

	m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")
	state := m.SignOut(context.Background())

	assert.Equal(t, PhaseSignedOut, state.Phase)
	assert.Equal(t, SignedOutNoErrors, state.Status)
	assert.Equal(t, "rt1", revoked)

	_, ok, err := storage.Load(StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHydrateDiscardsCorruptPayload(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Save(StorageKey, []byte(`{"accessToken":"a"}`)))

	m := NewMachine(&fakeAPI{}, WithStorage(storage))
	t.Cleanup(m.Close)

	require.NoError(t, m.Hydrate())
	assert.Equal(t, PhaseSignedOut, m.State().Phase)

	_, ok, err := storage.Load(StorageKey)
	require.NoError(t, err)
	assert.False(t, ok, "corrupt payload should be deleted")
}

func TestSubscribersObserveTransitions(t *testing.T) {
	api := &fakeAPI{
		signIn: func(ctx context.Context, email, password string) (AuthResult, error) {
			return AuthResult{Session: testSession("rt1", 900)}, nil
		},
	}
	m := NewMachine(api)
	t.Cleanup(m.Close)

	var phases []Phase
	unsubscribe := m.Subscribe(func(state State) {
		phases = append(phases, state.Phase)
	})

	m.SignInPassword(context.Background(), "a@example.com", "long-enough-pw")
	require.Equal(t, []Phase{PhaseAuthenticating, PhaseSignedIn}, phases)

	unsubscribe()
	m.SignOut(context.Background())
	assert.Len(t, phases, 2)
}
