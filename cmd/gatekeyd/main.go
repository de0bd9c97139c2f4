// Command gatekeyd runs the gatekey engine as a standalone HTTP service:
// Postgres for users, Redis for every volatile credential store, JSON audit
// events on stdout and Prometheus metrics on /metrics.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	gatekey "github.com/halvard/gatekey"
	"github.com/halvard/gatekey/httpapi"
	"github.com/halvard/gatekey/postgres"
)

type config struct {
	Addr          string `env:"GATEKEY_ADDR" envDefault:":8080"`
	DatabaseURL   string `env:"GATEKEY_DATABASE_URL,required"`
	RedisAddr     string `env:"GATEKEY_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"GATEKEY_REDIS_PASSWORD"`
	RedisDB       int    `env:"GATEKEY_REDIS_DB" envDefault:"0"`

	ServerURL           string   `env:"GATEKEY_SERVER_URL,required"`
	DefaultRedirectURL  string   `env:"GATEKEY_DEFAULT_REDIRECT_URL,required"`
	AllowedRedirectURLs []string `env:"GATEKEY_ALLOWED_REDIRECT_URLS" envSeparator:","`

	JWTSigningMethod string `env:"GATEKEY_JWT_SIGNING_METHOD" envDefault:"hs256"`
	// Hs256 reads the secret directly; ed25519 expects base64-encoded raw
	// private and public keys.
	JWTSecret     string `env:"GATEKEY_JWT_SECRET"`
	JWTPrivateKey string `env:"GATEKEY_JWT_PRIVATE_KEY"`
	JWTPublicKey  string `env:"GATEKEY_JWT_PUBLIC_KEY"`
	JWTIssuer     string `env:"GATEKEY_JWT_ISSUER" envDefault:"gatekey"`

	SignUpEnabled        bool `env:"GATEKEY_SIGNUP_ENABLED" envDefault:"true"`
	RequireVerifiedEmail bool `env:"GATEKEY_REQUIRE_VERIFIED_EMAIL" envDefault:"true"`
	SMSPasswordless      bool `env:"GATEKEY_SMS_PASSWORDLESS" envDefault:"false"`

	AuditEnabled    bool          `env:"GATEKEY_AUDIT_ENABLED" envDefault:"true"`
	MetricsEnabled  bool          `env:"GATEKEY_METRICS_ENABLED" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"GATEKEY_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("migrations applied")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	engineConfig, err := buildEngineConfig(cfg)
	if err != nil {
		return err
	}

	engine, err := gatekey.New().
		WithConfig(engineConfig).
		WithRedis(redisClient).
		WithUserStore(postgres.NewUserStore(pool)).
		WithEmailProvider(&logEmailProvider{log: log}).
		WithSMSProvider(&logSMSProvider{log: log}).
		WithAuditSink(gatekey.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	server := httpapi.New(engine, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- server.Listen(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildEngineConfig(cfg config) (gatekey.Config, error) {
	engineConfig := gatekey.DefaultConfig()

	engineConfig.Ticket.ServerURL = cfg.ServerURL
	engineConfig.Ticket.DefaultRedirectURL = cfg.DefaultRedirectURL
	engineConfig.Ticket.AllowedRedirectURLs = cfg.AllowedRedirectURLs

	engineConfig.JWT.SigningMethod = cfg.JWTSigningMethod
	engineConfig.JWT.Issuer = cfg.JWTIssuer
	switch cfg.JWTSigningMethod {
	case "hs256":
		if cfg.JWTSecret == "" {
			return engineConfig, fmt.Errorf("GATEKEY_JWT_SECRET required for hs256")
		}
		engineConfig.JWT.PrivateKey = []byte(cfg.JWTSecret)
	case "ed25519":
		privateKey, err := base64.StdEncoding.DecodeString(cfg.JWTPrivateKey)
		if err != nil {
			return engineConfig, fmt.Errorf("decode GATEKEY_JWT_PRIVATE_KEY: %w", err)
		}
		publicKey, err := base64.StdEncoding.DecodeString(cfg.JWTPublicKey)
		if err != nil {
			return engineConfig, fmt.Errorf("decode GATEKEY_JWT_PUBLIC_KEY: %w", err)
		}
		engineConfig.JWT.PrivateKey = privateKey
		engineConfig.JWT.PublicKey = publicKey
	default:
		return engineConfig, fmt.Errorf("unsupported signing method %q", cfg.JWTSigningMethod)
	}

	engineConfig.SignUp.Enabled = cfg.SignUpEnabled
	engineConfig.SignUp.RequireVerifiedEmail = cfg.RequireVerifiedEmail
	engineConfig.SignUp.SMSPasswordless = cfg.SMSPasswordless
	engineConfig.Audit.Enabled = cfg.AuditEnabled
	engineConfig.Metrics.Enabled = cfg.MetricsEnabled

	return engineConfig, nil
}

// logEmailProvider writes deliveries to the structured log instead of
// sending mail. Deployments plug in a real EmailProvider; this keeps the
// daemon runnable end to end without an SMTP account.
type logEmailProvider struct {
	log *zap.Logger
}

func (p *logEmailProvider) SendTicketLink(ctx context.Context, to string, ticketType gatekey.TicketType, link string) error {
	p.log.Info("email ticket link",
		zap.String("to", to),
		zap.String("ticketType", string(ticketType)),
		zap.String("link", link),
	)
	return nil
}

func (p *logEmailProvider) SendOTP(ctx context.Context, to string, otp string) error {
	p.log.Info("email otp", zap.String("to", to), zap.String("otp", otp))
	return nil
}

type logSMSProvider struct {
	log *zap.Logger
}

func (p *logSMSProvider) SendOTP(ctx context.Context, to string, otp string) error {
	p.log.Info("sms otp", zap.String("to", to), zap.String("otp", otp))
	return nil
}
