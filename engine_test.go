package gatekey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Ticket.ServerURL = "https://auth.example.com"
	cfg.Ticket.DefaultRedirectURL = "https://app.example.com/welcome"
	cfg.Ticket.AllowedRedirectURLs = []string{"https://other.example.com"}
	cfg.OTP.BcryptCost = 4
	cfg.SignUp.RequireVerifiedEmail = false
	cfg.SignUp.SMSPasswordless = true
	cfg.Audit.Enabled = false
	return cfg
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

// memoryUserStore is a map-backed UserStore for engine tests.
type memoryUserStore struct {
	mu      sync.Mutex
	seq     int
	users   map[string]User
	byEmail map[string]string
	byPhone map[string]string
	keys    map[string][]SecurityKey

	failCreate bool
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{
		users:   map[string]User{},
		byEmail: map[string]string{},
		byPhone: map[string]string{},
		keys:    map[string][]SecurityKey{},
	}
}

func (m *memoryUserStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memoryUserStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *memoryUserStore) GetUserByPhoneNumber(_ context.Context, phoneNumber string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPhone[phoneNumber]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *memoryUserStore) CreateUser(_ context.Context, input CreateUserInput) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCreate {
		return User{}, errors.New("create failed")
	}
	if input.Email != "" {
		if _, exists := m.byEmail[input.Email]; exists {
			return User{}, ErrEmailAlreadyInUse
		}
	}

	m.seq++
	user := User{
		ID:                  fmt.Sprintf("u%d", m.seq),
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
	m.users[user.ID] = user
	if user.Email != "" {
		m.byEmail[user.Email] = user.ID
	}
	if user.PhoneNumber != "" {
		m.byPhone[user.PhoneNumber] = user.ID
	}
	return user, nil
}

func (m *memoryUserStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(m.users, id)
	delete(m.byEmail, user.Email)
	delete(m.byPhone, user.PhoneNumber)
	return nil
}

func (m *memoryUserStore) update(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&user)
	m.users[id] = user
	return nil
}

func (m *memoryUserStore) UpdatePasswordHash(_ context.Context, id string, hash string) error {
	return m.update(id, func(u *User) { u.PasswordHash = hash })
}

func (m *memoryUserStore) SetEmailVerified(_ context.Context, id string, verified bool) error {
	return m.update(id, func(u *User) { u.EmailVerified = verified })
}

func (m *memoryUserStore) SetNewEmail(_ context.Context, id string, newEmail string) error {
	return m.update(id, func(u *User) { u.NewEmail = newEmail })
}

func (m *memoryUserStore) ApplyEmailChange(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(m.byEmail, user.Email)
	user.Email = user.NewEmail
	user.NewEmail = ""
	m.users[id] = user
	m.byEmail[user.Email] = id
	return nil
}

func (m *memoryUserStore) SetOTPMethodLastUsed(_ context.Context, id string, channel OTPChannel) error {
	return m.update(id, func(u *User) { u.OTPMethodLastUsed = channel })
}

func (m *memoryUserStore) SetPendingTOTPSecret(_ context.Context, id string, secret string) error {
	return m.update(id, func(u *User) { u.PendingTOTPSecret = secret })
}

func (m *memoryUserStore) ActivateTOTP(_ context.Context, id string) error {
	return m.update(id, func(u *User) {
		u.TOTPSecret = u.PendingTOTPSecret
		u.PendingTOTPSecret = ""
		u.ActiveMFAType = MFATypeTOTP
	})
}

func (m *memoryUserStore) DeactivateMFA(_ context.Context, id string) error {
	return m.update(id, func(u *User) {
		u.TOTPSecret = ""
		u.ActiveMFAType = ""
	})
}

func (m *memoryUserStore) UpdateTOTPLastUsedCounter(_ context.Context, id string, counter int64) error {
	return m.update(id, func(u *User) { u.TOTPLastUsedCounter = counter })
}

func (m *memoryUserStore) AddSecurityKey(_ context.Context, key SecurityKey) (SecurityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	key.ID = fmt.Sprintf("k%d", m.seq)
	m.keys[key.UserID] = append(m.keys[key.UserID], key)
	return key, nil
}

func (m *memoryUserStore) ListSecurityKeys(_ context.Context, userID string) ([]SecurityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SecurityKey(nil), m.keys[userID]...), nil
}

func (m *memoryUserStore) RemoveSecurityKey(_ context.Context, userID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.keys[userID]
	for i, key := range keys {
		if key.ID == keyID {
			m.keys[userID] = append(keys[:i], keys[i+1:]...)
			return nil
		}
	}
	return ErrSecurityKeyNotFound
}

func (m *memoryUserStore) UpdateSecurityKeySignCount(_ context.Context, keyID string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, keys := range m.keys {
		for i, key := range keys {
			if key.ID == keyID {
				keys[i].SignCount = signCount
				m.keys[userID] = keys
				return nil
			}
		}
	}
	return ErrSecurityKeyNotFound
}

// mockEmailProvider records deliveries and can be told to fail.
type mockEmailProvider struct {
	mu      sync.Mutex
	fail    bool
	links   []string
	otps    []string
	targets []string
}

func (p *mockEmailProvider) SendTicketLink(_ context.Context, to string, _ TicketType, link string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("smtp down")
	}
	p.targets = append(p.targets, to)
	p.links = append(p.links, link)
	return nil
}

func (p *mockEmailProvider) SendOTP(_ context.Context, to string, otp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("smtp down")
	}
	p.targets = append(p.targets, to)
	p.otps = append(p.otps, otp)
	return nil
}

func (p *mockEmailProvider) lastOTP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.otps) == 0 {
		return ""
	}
	return p.otps[len(p.otps)-1]
}

func (p *mockEmailProvider) lastLink() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return ""
	}
	return p.links[len(p.links)-1]
}

type mockSMSProvider struct {
	mu   sync.Mutex
	fail bool
	otps []string
	to   []string
}

func (p *mockSMSProvider) SendOTP(_ context.Context, to string, otp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sms gateway down")
	}
	p.to = append(p.to, to)
	p.otps = append(p.otps, otp)
	return nil
}

func (p *mockSMSProvider) lastOTP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.otps) == 0 {
		return ""
	}
	return p.otps[len(p.otps)-1]
}

type testEnv struct {
	engine *Engine
	store  *memoryUserStore
	email  *mockEmailProvider
	sms    *mockSMSProvider
	redis  *miniredis.Miniredis
	client *redis.Client
}

func newTestEngine(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr, client := newTestRedis(t)
	t.Cleanup(mr.Close)

	store := newMemoryUserStore()
	email := &mockEmailProvider{}
	sms := &mockSMSProvider{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(store).
		WithEmailProvider(email).
		WithSMSProvider(sms).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{
		engine: engine,
		store:  store,
		email:  email,
		sms:    sms,
		redis:  mr,
		client: client,
	}
}

// seedUser creates a verified email/password account directly in the store.
func (env *testEnv) seedUser(t *testing.T, email, plainPassword string) User {
	t.Helper()

	hash, err := env.engine.passwordHash.Hash(plainPassword)
	if err != nil {
		t.Fatalf("hash password failed: %v", err)
	}

	user, err := env.store.CreateUser(context.Background(), CreateUserInput{
		Email:         email,
		PasswordHash:  hash,
		DefaultRole:   "user",
		Roles:         []string{"user", "me"},
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	return user
}

func TestBuilderRequiresDependencies(t *testing.T) {
	_, client := newTestRedis(t)

	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithConfig(testConfig()).WithRedis(client).Build(); err == nil {
		t.Fatal("expected error without user store")
	}
	if _, err := New().WithConfig(testConfig()).WithRedis(client).WithUserStore(newMemoryUserStore()).Build(); err == nil {
		t.Fatal("expected error without email provider")
	}
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	_, client := newTestRedis(t)

	cfg := testConfig()
	cfg.JWT.PrivateKey = nil

	_, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(newMemoryUserStore()).
		WithEmailProvider(&mockEmailProvider{}).
		WithSMSProvider(&mockSMSProvider{}).
		Build()
	if err == nil || !strings.Contains(err.Error(), "PrivateKey") {
		t.Fatalf("expected private key validation error, got %v", err)
	}
}

func TestBuilderSingleUse(t *testing.T) {
	env := newTestEngine(t, testConfig())
	_ = env

	b := New().WithConfig(testConfig())
	_, _ = b.Build()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error on second Build")
	}
}
