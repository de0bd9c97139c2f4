package gatekey

import (
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	internalaudit "github.com/halvard/gatekey/internal/audit"
	"github.com/halvard/gatekey/jwt"
	"github.com/halvard/gatekey/password"
)

// Builder assembles an [Engine]. Call [New], chain the With* methods, then
// Build exactly once.
type Builder struct {
	config    Config
	redis     *redis.Client
	users     UserStore
	email     EmailProvider
	sms       SMSProvider
	auditSink AuditSink
	built     bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. Zero-valued sections keep
// their defaults only if the caller copied them from [New]; WithConfig does
// not merge.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the redis client backing every volatile store: refresh
// tokens, tickets, OTPs, MFA challenges and WebAuthn ceremony state.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the durable user repository.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

// WithEmailProvider sets the outbound email transport for ticket links and
// email OTPs.
func (b *Builder) WithEmailProvider(provider EmailProvider) *Builder {
	b.email = provider
	return b
}

// WithSMSProvider sets the outbound SMS transport. Required only when
// SignUp.SMSPasswordless is enabled.
func (b *Builder) WithSMSProvider(provider SMSProvider) *Builder {
	b.sms = provider
	return b
}

// WithAuditSink sets the destination for audit events. A nil sink with
// auditing enabled falls back to [NoOpSink].
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithJWTKeys sets the signing key pair. For hs256 only the private key is
// used.
func (b *Builder) WithJWTKeys(privateKey, publicKey []byte) *Builder {
	b.config.JWT.PrivateKey = privateKey
	b.config.JWT.PublicKey = publicKey
	return b
}

// Build validates the configuration, wires every internal component and
// returns a ready Engine. The Builder cannot be reused afterwards.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.email == nil {
		return nil, errors.New("email provider required")
	}
	if b.config.SignUp.SMSPasswordless && b.sms == nil {
		return nil, errors.New("sms provider required when SMS passwordless is enabled")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		KeyID:         cfg.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}

	passwordHash, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:        cfg,
		users:         b.users,
		email:         b.email,
		sms:           b.sms,
		refreshStore:  newRefreshStore(b.redis, cfg.Refresh),
		ticketStore:   newTicketStore(b.redis, cfg.Ticket),
		otpStore:      newOTPStore(b.redis, cfg.OTP),
		mfaStore:      newMFAChallengeStore(b.redis, cfg.MFA),
		jwtManager:    jwtManager,
		passwordHash:  passwordHash,
		totp:          newTOTPManager(cfg.MFA),
		metrics:       NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
	}

	if cfg.WebAuthn.Enabled {
		wa, err := webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.WebAuthn.RPDisplayName,
			RPID:          cfg.WebAuthn.RPID,
			RPOrigins:     cfg.WebAuthn.RPOrigins,
		})
		if err != nil {
			return nil, err
		}
		engine.webauthn = wa
		engine.webauthnStore = newWebAuthnSessionStore(b.redis, cfg.WebAuthn)
	}

	return engine, nil
}
