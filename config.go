package gatekey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete engine configuration. Zero values are filled with
// defaults by [New]; Validate runs once inside [Builder.Build], after which
// the config is treated as immutable.
type Config struct {
	JWT      JWTConfig
	Refresh  RefreshConfig
	Ticket   TicketConfig
	OTP      OTPConfig
	MFA      MFAConfig
	Password PasswordConfig
	Roles    RolesConfig
	SignUp   SignUpConfig
	WebAuthn WebAuthnConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access token signing and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	KeyID         string
}

/*
====================================
REFRESH / PAT CONFIG
====================================
*/

// RefreshConfig controls the rotating refresh token store and personal
// access tokens.
type RefreshConfig struct {
	TTL         time.Duration
	RedisPrefix string
	// PATMinLifetime is the minimum distance between now and a requested
	// PAT expiry. Requests below it fail with ErrInvalidExpiryDate; the
	// boundary itself is accepted.
	PATMinLifetime time.Duration
}

/*
====================================
TICKET CONFIG
====================================
*/

// TicketConfig controls single-use ticket issuance and the redirect
// contract of the verification endpoint.
type TicketConfig struct {
	RedisPrefix      string
	VerifyTTL        time.Duration
	ConfirmChangeTTL time.Duration
	PasswordlessTTL  time.Duration
	PasswordResetTTL time.Duration
	// ServerURL is the public base URL of the verification endpoint,
	// e.g. "https://auth.example.com". Ticket links are built under it.
	ServerURL string
	// AllowedRedirectURLs whitelists redirect targets by origin. Empty
	// means only DefaultRedirectURL is accepted.
	AllowedRedirectURLs []string
	DefaultRedirectURL  string
}

/*
====================================
OTP CONFIG
====================================
*/

// OTPConfig controls one-time passwords for passwordless sign-in.
type OTPConfig struct {
	RedisPrefix string
	TTL         time.Duration
	Digits      int
	MaxAttempts int
	// BcryptCost hashes the OTP at rest. OTPs are short-lived, so the
	// default cost is deliberately moderate.
	BcryptCost int
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls TOTP enrollment and the sign-in MFA challenge.
type MFAConfig struct {
	RedisPrefix  string
	ChallengeTTL time.Duration
	MaxAttempts  int

	Issuer    string
	Digits    int
	Period    int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	Skew      int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id parameters and the password policy.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

/*
====================================
ROLES CONFIG
====================================
*/

// RolesConfig defines the role universe granted to new users and embedded
// in access token claims.
type RolesConfig struct {
	Default string
	Allowed []string
}

// SignUpConfig toggles the public registration flows.
type SignUpConfig struct {
	Enabled bool
	// RequireVerifiedEmail gates password sign-in on a verified address.
	RequireVerifiedEmail bool
	EmailPasswordless    bool
	SMSPasswordless      bool
	// DefaultRegion resolves national phone numbers (ISO 3166-1 alpha-2).
	DefaultRegion string
}

/*
====================================
WEBAUTHN CONFIG
====================================
*/

// WebAuthnConfig controls security key ceremonies.
type WebAuthnConfig struct {
	Enabled       bool
	RPDisplayName string
	RPID          string
	RPOrigins     []string
	SessionTTL    time.Duration
	RedisPrefix   string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics system.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the baseline configuration. Callers adjust fields
// and pass the result to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "gatekey",
		},
		Refresh: RefreshConfig{
			TTL:            30 * 24 * time.Hour,
			RedisPrefix:    "gk:refresh:",
			PATMinLifetime: 7 * 24 * time.Hour,
		},
		Ticket: TicketConfig{
			RedisPrefix:      "gk:ticket:",
			VerifyTTL:        30 * 24 * time.Hour,
			ConfirmChangeTTL: time.Hour,
			PasswordlessTTL:  time.Hour,
			PasswordResetTTL: time.Hour,
		},
		OTP: OTPConfig{
			RedisPrefix: "gk:otp:",
			TTL:         5 * time.Minute,
			Digits:      6,
			MaxAttempts: 5,
			BcryptCost:  10,
		},
		MFA: MFAConfig{
			RedisPrefix:  "gk:mfa:",
			ChallengeTTL: 5 * time.Minute,
			MaxAttempts:  5,
			Issuer:       "gatekey",
			Digits:       6,
			Period:       30,
			Algorithm:    "SHA1",
			Skew:         1,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   9,
		},
		Roles: RolesConfig{
			Default: "user",
			Allowed: []string{"user", "me"},
		},
		SignUp: SignUpConfig{
			Enabled:           true,
			EmailPasswordless: true,
			SMSPasswordless:   false,
			DefaultRegion:     "US",
		},
		WebAuthn: WebAuthnConfig{
			SessionTTL:  5 * time.Minute,
			RedisPrefix: "gk:webauthn:",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Ticket.AllowedRedirectURLs = append([]string(nil), cfg.Ticket.AllowedRedirectURLs...)
	out.Roles.Allowed = append([]string(nil), cfg.Roles.Allowed...)
	out.WebAuthn.RPOrigins = append([]string(nil), cfg.WebAuthn.RPOrigins...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Validate checks cross-field consistency. It does not mutate the config.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	switch strings.ToLower(c.JWT.SigningMethod) {
	case "ed25519", "hs256":
	default:
		return fmt.Errorf("unsupported JWT.SigningMethod %q", c.JWT.SigningMethod)
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("JWT.PrivateKey required")
	}

	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh.TTL must be positive")
	}
	if c.Refresh.PATMinLifetime <= 0 {
		return errors.New("Refresh.PATMinLifetime must be positive")
	}
	if c.Refresh.TTL <= c.JWT.AccessTTL {
		return errors.New("Refresh.TTL must exceed JWT.AccessTTL")
	}

	for name, ttl := range map[string]time.Duration{
		"Ticket.VerifyTTL":        c.Ticket.VerifyTTL,
		"Ticket.ConfirmChangeTTL": c.Ticket.ConfirmChangeTTL,
		"Ticket.PasswordlessTTL":  c.Ticket.PasswordlessTTL,
		"Ticket.PasswordResetTTL": c.Ticket.PasswordResetTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Ticket.ServerURL != "" {
		if _, err := url.Parse(c.Ticket.ServerURL); err != nil {
			return fmt.Errorf("Ticket.ServerURL: %w", err)
		}
	}
	if c.Ticket.DefaultRedirectURL == "" {
		return errors.New("Ticket.DefaultRedirectURL required")
	}
	if _, err := url.Parse(c.Ticket.DefaultRedirectURL); err != nil {
		return fmt.Errorf("Ticket.DefaultRedirectURL: %w", err)
	}
	for _, raw := range c.Ticket.AllowedRedirectURLs {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("Ticket.AllowedRedirectURLs %q: %w", raw, err)
		}
	}

	if c.OTP.TTL <= 0 {
		return errors.New("OTP.TTL must be positive")
	}
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP.Digits must be between 6 and 10")
	}
	if c.OTP.MaxAttempts <= 0 {
		return errors.New("OTP.MaxAttempts must be positive")
	}
	if c.OTP.BcryptCost < 4 || c.OTP.BcryptCost > 31 {
		return errors.New("OTP.BcryptCost out of range")
	}

	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA.ChallengeTTL must be positive")
	}
	if c.MFA.MaxAttempts <= 0 {
		return errors.New("MFA.MaxAttempts must be positive")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA.Digits must be 6 or 8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("MFA.Period must be positive")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA.Skew must be between 0 and 2")
	}
	switch strings.ToUpper(c.MFA.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return fmt.Errorf("unsupported MFA.Algorithm %q", c.MFA.Algorithm)
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password.Memory below 8MB")
	}
	if c.Password.Time == 0 || c.Password.Parallelism == 0 {
		return errors.New("Password.Time and Password.Parallelism must be positive")
	}
	if c.Password.SaltLength < 8 || c.Password.KeyLength < 16 {
		return errors.New("Password salt/key length too small")
	}
	if c.Password.MinLength < 3 {
		return errors.New("Password.MinLength must be at least 3")
	}

	if c.Roles.Default == "" {
		return errors.New("Roles.Default required")
	}
	defaultAllowed := false
	for _, r := range c.Roles.Allowed {
		if r == c.Roles.Default {
			defaultAllowed = true
			break
		}
	}
	if !defaultAllowed {
		return errors.New("Roles.Default must be in Roles.Allowed")
	}

	if c.WebAuthn.Enabled {
		if c.WebAuthn.RPID == "" || len(c.WebAuthn.RPOrigins) == 0 {
			return errors.New("WebAuthn requires RPID and RPOrigins")
		}
		if c.WebAuthn.SessionTTL <= 0 {
			return errors.New("WebAuthn.SessionTTL must be positive")
		}
	}

	return nil
}
