package gatekey

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/halvard/gatekey/internal/audit"
)

// TicketType selects the side effect a ticket redemption performs. The type
// is bound at issue time and checked again at redemption; a mismatch fails
// without consuming the ticket.
type TicketType string

const (
	// TicketTypeVerify marks the account email as verified.
	TicketTypeVerify TicketType = "emailVerify"
	// TicketTypeConfirmChange applies a pending email change.
	TicketTypeConfirmChange TicketType = "emailConfirmChange"
	// TicketTypePasswordlessEmail signs the user in via magic link and
	// implies email verification.
	TicketTypePasswordlessEmail TicketType = "signinPasswordless"
	// TicketTypePasswordReset authorizes a subsequent password change. No
	// user mutation happens at redemption time.
	TicketTypePasswordReset TicketType = "passwordReset"
)

// OTPChannel is the delivery channel of a one-time password.
type OTPChannel string

const (
	// OTPChannelEmail is an exported constant naming email OTP delivery.
	OTPChannelEmail OTPChannel = "email"
	// OTPChannelSMS is an exported constant naming SMS OTP delivery.
	OTPChannelSMS OTPChannel = "sms"
)

// MFAType names an active second factor on an account.
type MFAType string

const (
	// MFATypeTOTP is RFC 6238 time-based one-time passwords.
	MFATypeTOTP MFAType = "totp"
	// MFATypeSecurityKey is a WebAuthn credential.
	MFATypeSecurityKey MFAType = "securityKey"
)

// RefreshTokenType distinguishes rotating session tokens from long-lived
// personal access tokens.
type RefreshTokenType string

const (
	// RefreshTokenTypeRegular rotates on every use.
	RefreshTokenTypeRegular RefreshTokenType = "regular"
	// RefreshTokenTypePAT never rotates and is revealed exactly once.
	RefreshTokenTypePAT RefreshTokenType = "pat"
)

// User is the account record the engine operates on. Persistence lives
// behind [UserStore]; the postgres sub-package provides the reference
// implementation.
type User struct {
	ID                  string
	Email               string
	PhoneNumber         string
	DisplayName         string
	PasswordHash        string
	DefaultRole         string
	Roles               []string
	EmailVerified       bool
	PhoneNumberVerified bool
	Disabled            bool
	Anonymous           bool
	ActiveMFAType       MFAType
	TOTPSecret          string
	PendingTOTPSecret   string
	NewEmail            string
	OTPMethodLastUsed   OTPChannel
	TOTPLastUsedCounter int64
	CreatedAt           time.Time
}

// HasRole reports whether role is in the user's allowed set.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SecurityKey is a registered WebAuthn credential.
type SecurityKey struct {
	ID           string
	UserID       string
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	Nickname     string
	AddedAt      time.Time
}

// CreateUserInput is the input for [UserStore.CreateUser]. The store
// assigns the ID and CreatedAt.
type CreateUserInput struct {
	Email               string
	PhoneNumber         string
	DisplayName         string
	PasswordHash        string
	DefaultRole         string
	Roles               []string
	EmailVerified       bool
	PhoneNumberVerified bool
	Anonymous           bool
}

// UserStore is the interface callers implement to integrate gatekey with
// their user database. Implementations return [ErrUserNotFound] for missing
// rows and [ErrEmailAlreadyInUse] on unique-email violations; any other
// failure is treated as infrastructure trouble.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByPhoneNumber(ctx context.Context, phoneNumber string) (User, error)
	CreateUser(ctx context.Context, input CreateUserInput) (User, error)
	// DeleteUser exists for compensating rollback of just-in-time created
	// accounts whose first OTP delivery failed.
	DeleteUser(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id string, hash string) error
	SetEmailVerified(ctx context.Context, id string, verified bool) error
	SetNewEmail(ctx context.Context, id string, newEmail string) error
	// ApplyEmailChange swaps Email for the stored NewEmail and clears it.
	ApplyEmailChange(ctx context.Context, id string) error
	SetOTPMethodLastUsed(ctx context.Context, id string, channel OTPChannel) error
	SetPendingTOTPSecret(ctx context.Context, id string, secret string) error
	// ActivateTOTP promotes the pending secret and records totp as the
	// active MFA type.
	ActivateTOTP(ctx context.Context, id string) error
	DeactivateMFA(ctx context.Context, id string) error
	// UpdateTOTPLastUsedCounter records the highest TOTP counter step the
	// user has redeemed, so an intercepted code cannot be replayed within
	// the accepted skew window.
	UpdateTOTPLastUsedCounter(ctx context.Context, id string, counter int64) error
	AddSecurityKey(ctx context.Context, key SecurityKey) (SecurityKey, error)
	ListSecurityKeys(ctx context.Context, userID string) ([]SecurityKey, error)
	RemoveSecurityKey(ctx context.Context, userID, keyID string) error
	UpdateSecurityKeySignCount(ctx context.Context, keyID string, signCount uint32) error
}

// EmailProvider delivers ticket links and email OTPs. Message composition
// and templating are the provider's concern, not the engine's.
type EmailProvider interface {
	SendTicketLink(ctx context.Context, to string, ticketType TicketType, link string) error
	SendOTP(ctx context.Context, to string, otp string) error
}

// SMSProvider delivers SMS OTPs.
type SMSProvider interface {
	SendOTP(ctx context.Context, to string, otp string) error
}

// Session is a signed-in credential pair: a short-lived access JWT plus an
// opaque rotating refresh token.
type Session struct {
	AccessToken          string `json:"accessToken"`
	AccessTokenExpiresIn int64  `json:"accessTokenExpiresIn"`
	RefreshToken         string `json:"refreshToken"`
	RefreshTokenID       string `json:"refreshTokenId"`
	User                 User   `json:"user"`
}

// MFAChallenge is returned instead of a session when the account has an
// active second factor. The ticket is single-use and attempt-bounded.
type MFAChallenge struct {
	Ticket string `json:"ticket"`
}

// SignInResult carries either a completed session or an MFA challenge,
// never both.
type SignInResult struct {
	Session *Session      `json:"session,omitempty"`
	MFA     *MFAChallenge `json:"mfa,omitempty"`
}

// TOTPProvision holds the base32 secret and otpauth:// URI returned by
// [Engine.GenerateTOTP].
type TOTPProvision struct {
	Secret string `json:"totpSecret"`
	URI    string `json:"imageUrl"`
}

// PersonalAccessToken is returned by [Engine.IssuePAT]. Token is the only
// copy of the plaintext; the store keeps a hash.
type PersonalAccessToken struct {
	ID        string
	Token     string
	ExpiresAt time.Time
	Metadata  map[string]string
}

// TicketRedemption is the outcome of a successful redemption: a fresh
// refresh token plus the redirect target with result parameters appended.
type TicketRedemption struct {
	RefreshToken string
	Type         TicketType
	RedirectTo   string
	UserID       string
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
