package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatekey "github.com/halvard/gatekey"
)

type memStore struct {
	mu      sync.Mutex
	users   map[string]gatekey.User
	byEmail map[string]string
	byPhone map[string]string
	keys    map[string]gatekey.SecurityKey
	seq     int
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[string]gatekey.User{},
		byEmail: map[string]string{},
		byPhone: map[string]string{},
		keys:    map[string]gatekey.SecurityKey{},
	}
}

func (s *memStore) GetUserByID(_ context.Context, id string) (gatekey.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return gatekey.User{}, gatekey.ErrUserNotFound
	}
	return user, nil
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (gatekey.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return gatekey.User{}, gatekey.ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *memStore) GetUserByPhoneNumber(_ context.Context, phone string) (gatekey.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPhone[phone]
	if !ok {
		return gatekey.User{}, gatekey.ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *memStore) CreateUser(_ context.Context, input gatekey.CreateUserInput) (gatekey.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input.Email != "" {
		if _, exists := s.byEmail[input.Email]; exists {
			return gatekey.User{}, gatekey.ErrEmailAlreadyInUse
		}
	}
	s.seq++
	user := gatekey.User{
		ID:                  fmt.Sprintf("u%d", s.seq),
		Email:               input.Email,
		PhoneNumber:         input.PhoneNumber,
		DisplayName:         input.DisplayName,
		PasswordHash:        input.PasswordHash,
		DefaultRole:         input.DefaultRole,
		Roles:               input.Roles,
		EmailVerified:       input.EmailVerified,
		PhoneNumberVerified: input.PhoneNumberVerified,
		Anonymous:           input.Anonymous,
	}
	s.users[user.ID] = user
	if user.Email != "" {
		s.byEmail[user.Email] = user.ID
	}
	if user.PhoneNumber != "" {
		s.byPhone[user.PhoneNumber] = user.ID
	}
	return user, nil
}

func (s *memStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return gatekey.ErrUserNotFound
	}
	delete(s.byEmail, user.Email)
	delete(s.byPhone, user.PhoneNumber)
	delete(s.users, id)
	return nil
}

func (s *memStore) update(id string, fn func(*gatekey.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return gatekey.ErrUserNotFound
	}
	fn(&user)
	s.users[id] = user
	return nil
}

func (s *memStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return s.update(id, func(u *gatekey.User) { u.PasswordHash = hash })
}

func (s *memStore) SetEmailVerified(_ context.Context, id string, verified bool) error {
	return s.update(id, func(u *gatekey.User) { u.EmailVerified = verified })
}

func (s *memStore) SetNewEmail(_ context.Context, id, newEmail string) error {
	return s.update(id, func(u *gatekey.User) { u.NewEmail = newEmail })
}

func (s *memStore) ApplyEmailChange(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return gatekey.ErrUserNotFound
	}
	delete(s.byEmail, user.Email)
	user.Email = user.NewEmail
	user.NewEmail = ""
	s.users[id] = user
	s.byEmail[user.Email] = id
	return nil
}

func (s *memStore) SetOTPMethodLastUsed(_ context.Context, id string, channel gatekey.OTPChannel) error {
	return s.update(id, func(u *gatekey.User) { u.OTPMethodLastUsed = channel })
}

func (s *memStore) SetPendingTOTPSecret(_ context.Context, id, secret string) error {
	return s.update(id, func(u *gatekey.User) { u.PendingTOTPSecret = secret })
}

func (s *memStore) ActivateTOTP(_ context.Context, id string) error {
	return s.update(id, func(u *gatekey.User) {
		u.TOTPSecret = u.PendingTOTPSecret
		u.PendingTOTPSecret = ""
		u.ActiveMFAType = gatekey.MFATypeTOTP
	})
}

func (s *memStore) DeactivateMFA(_ context.Context, id string) error {
	return s.update(id, func(u *gatekey.User) {
		u.TOTPSecret = ""
		u.ActiveMFAType = ""
	})
}

func (s *memStore) UpdateTOTPLastUsedCounter(_ context.Context, id string, counter int64) error {
	return s.update(id, func(u *gatekey.User) { u.TOTPLastUsedCounter = counter })
}

func (s *memStore) AddSecurityKey(_ context.Context, key gatekey.SecurityKey) (gatekey.SecurityKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key.ID = fmt.Sprintf("k%d", s.seq)
	s.keys[key.ID] = key
	return key, nil
}

func (s *memStore) ListSecurityKeys(_ context.Context, userID string) ([]gatekey.SecurityKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gatekey.SecurityKey
	for _, key := range s.keys {
		if key.UserID == userID {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *memStore) RemoveSecurityKey(_ context.Context, userID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok || key.UserID != userID {
		return gatekey.ErrSecurityKeyNotFound
	}
	delete(s.keys, keyID)
	return nil
}

func (s *memStore) UpdateSecurityKeySignCount(_ context.Context, keyID string, signCount uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return gatekey.ErrSecurityKeyNotFound
	}
	key.SignCount = signCount
	s.keys[keyID] = key
	return nil
}

type stubEmail struct {
	mu    sync.Mutex
	links []string
	otps  []string
}

func (p *stubEmail) SendTicketLink(_ context.Context, _ string, _ gatekey.TicketType, link string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links = append(p.links, link)
	return nil
}

func (p *stubEmail) SendOTP(_ context.Context, _ string, otp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.otps = append(p.otps, otp)
	return nil
}

func (p *stubEmail) lastLink() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return ""
	}
	return p.links[len(p.links)-1]
}

func (p *stubEmail) lastOTP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.otps) == 0 {
		return ""
	}
	return p.otps[len(p.otps)-1]
}

type stubSMS struct{}

func (stubSMS) SendOTP(context.Context, string, string) error { return nil }

type testServer struct {
	server *Server
	engine *gatekey.Engine
	email  *stubEmail
	store  *memStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := gatekey.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.Ticket.ServerURL = "https://auth.example.com"
	cfg.Ticket.DefaultRedirectURL = "https://app.example.com/welcome"
	cfg.OTP.BcryptCost = 4
	cfg.SignUp.SMSPasswordless = true
	cfg.Audit.Enabled = false

	email := &stubEmail{}
	store := newMemStore()

	engine, err := gatekey.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(store).
		WithEmailProvider(email).
		WithSMSProvider(stubSMS{}).
		WithJWTKeys([]byte("0123456789abcdef0123456789abcdef"), nil).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testServer{
		server: New(engine, nil),
		engine: engine,
		email:  email,
		store:  store,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.server.App().Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) signUp(t *testing.T, email, password string) *gatekey.Session {
	t.Helper()

	resp := ts.do(t, http.MethodPost, "/signup/email-password", "", map[string]any{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeJSON[gatekey.SignInResult](t, resp)
	require.NotNil(t, result.Session)
	return result.Session
}

func TestSignUpAndSignIn(t *testing.T) {
	ts := newTestServer(t)

	session := ts.signUp(t, "rest@example.com", "correct-password-1")
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Empty(t, session.User.PasswordHash)

	resp := ts.do(t, http.MethodPost, "/signin/email-password", "", map[string]any{
		"email":    "rest@example.com",
		"password": "wrong-password-1",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeJSON[errorResponse](t, resp)
	assert.Equal(t, "invalid-email-password", body.Error)
	assert.Equal(t, http.StatusUnauthorized, body.Status)
}

func TestSignInRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/signin/email-password", "", map[string]any{
		"email": "not-an-email",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeJSON[errorResponse](t, resp)
	assert.Equal(t, "invalid-request", body.Error)
}

func TestRefreshRotation(t *testing.T) {
	ts := newTestServer(t)
	session := ts.signUp(t, "rotate@example.com", "correct-password-1")

	resp := ts.do(t, http.MethodPost, "/token", "", map[string]any{"refreshToken": session.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := decodeJSON[gatekey.Session](t, resp)
	assert.NotEqual(t, session.RefreshToken, next.RefreshToken)

	// The rotated-out token is dead.
	resp = ts.do(t, http.MethodPost, "/token", "", map[string]any{"refreshToken": session.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeJSON[errorResponse](t, resp)
	assert.Equal(t, "invalid-refresh-token", body.Error)
}

func TestVerifyTicketRedirectContract(t *testing.T) {
	ts := newTestServer(t)
	ts.signUp(t, "redirect@example.com", "correct-password-1")

	link := ts.email.lastLink()
	require.NotEmpty(t, link)
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	ticket := parsed.Query().Get("ticket")
	require.NotEmpty(t, ticket)

	target := "/verify?ticket=" + url.QueryEscape(ticket) +
		"&type=" + url.QueryEscape(parsed.Query().Get("type")) +
		"&redirectTo=" + url.QueryEscape("https://app.example.com/welcome?a=1&b=2")

	resp := ts.do(t, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	query := location.Query()
	assert.Equal(t, "1", query.Get("a"))
	assert.Equal(t, "2", query.Get("b"))
	assert.NotEmpty(t, query.Get("refreshToken"))
	assert.NotEmpty(t, query.Get("type"))
	assert.Empty(t, query.Get("error"))
	assert.Empty(t, query.Get("errorDescription"))

	// Second redemption redirects with the reserved error parameters.
	resp = ts.do(t, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid-ticket", location.Query().Get("error"))
	assert.Empty(t, location.Query().Get("refreshToken"))
}

func TestPATEndpoint(t *testing.T) {
	ts := newTestServer(t)
	session := ts.signUp(t, "pat@example.com", "correct-password-1")

	resp := ts.do(t, http.MethodPost, "/pat", "", map[string]any{
		"expiresAt": time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/pat", session.AccessToken, map[string]any{
		"expiresAt": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeJSON[errorResponse](t, resp)
	assert.Equal(t, "invalid-expiry-date", body.Error)

	resp = ts.do(t, http.MethodPost, "/pat", session.AccessToken, map[string]any{
		"expiresAt": time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"metadata":  map[string]string{"name": "ci"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pat := decodeJSON[issuePATResponse](t, resp)
	assert.NotEmpty(t, pat.ID)
	assert.NotEmpty(t, pat.PersonalAccessToken)

	// A PAT refreshes without rotation.
	resp = ts.do(t, http.MethodPost, "/token", "", map[string]any{"refreshToken": pat.PersonalAccessToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refreshed := decodeJSON[gatekey.Session](t, resp)
	assert.Equal(t, pat.PersonalAccessToken, refreshed.RefreshToken)
}

func TestSecurityKeysRequireElevation(t *testing.T) {
	ts := newTestServer(t)
	session := ts.signUp(t, "keys@example.com", "correct-password-1")

	resp := ts.do(t, http.MethodGet, "/user/security-keys", session.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	body := decodeJSON[errorResponse](t, resp)
	assert.Equal(t, "elevation-required", body.Error)
}

func TestPasswordlessEmailOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/signin/passwordless/email", "", map[string]any{
		"email": "magic@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	otp := ts.email.lastOTP()
	require.Len(t, otp, 6)

	resp = ts.do(t, http.MethodPost, "/signin/otp", "", map[string]any{
		"identifier": "magic@example.com",
		"otp":        otp,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeJSON[gatekey.SignInResult](t, resp)
	require.NotNil(t, result.Session)
	assert.True(t, result.Session.User.EmailVerified)

	// Reuse is rejected.
	resp = ts.do(t, http.MethodPost, "/signin/otp", "", map[string]any{
		"identifier": "magic@example.com",
		"otp":        otp,
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeJSON[errorResponse](t, resp)
	assert.Equal(t, "invalid-otp", body.Error)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.signUp(t, "metrics@example.com", "correct-password-1")

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(raw), "gatekey_signup_success_total 1"))
}
