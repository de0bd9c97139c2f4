package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	gatekey "github.com/halvard/gatekey"
	"github.com/halvard/gatekey/jwt"
	promexport "github.com/halvard/gatekey/metrics/export/prometheus"
)

const claimsLocal = "gatekey_claims"

// Server is the HTTP transport over a [gatekey.Engine]. Handlers return
// engine errors untranslated; the fiber error handler maps them to the
// wire shape exactly once.
type Server struct {
	engine *gatekey.Engine
	log    *zap.Logger
	app    *fiber.App
}

func New(engine *gatekey.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{engine: engine, log: log}
	s.app = fiber.New(fiber.Config{
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})
	s.app.Use(s.requestLogger)
	s.routes()
	return s
}

// App exposes the underlying fiber app for tests and embedding.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	app := s.app

	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", adaptor.HTTPHandler(promexport.NewPrometheusExporter(s.engine).Handler()))

	app.Post("/signup/email-password", s.handleSignUpEmailPassword)
	app.Post("/signin/email-password", s.handleSignInEmailPassword)
	app.Post("/signin/anonymous", s.handleSignInAnonymous)
	app.Post("/signin/passwordless/email", s.handlePasswordlessEmail)
	app.Post("/signin/passwordless/sms", s.handlePasswordlessSMS)
	app.Post("/signin/otp", s.handleVerifyOTP)
	app.Post("/signin/mfa/totp", s.handleVerifyMFA)
	app.Post("/signin/webauthn", s.handleWebAuthnSignInBegin)
	app.Post("/signin/webauthn/verify", s.handleWebAuthnSignInFinish)

	app.Post("/token", s.handleRefresh)
	app.Post("/signout", s.handleSignOut)

	app.Get("/verify", s.handleVerifyTicket)

	app.Post("/change-password/request", s.handlePasswordResetRequest)
	app.Post("/change-password/change", s.requireAuth, s.handleChangePassword)
	app.Post("/user/email/change", s.requireAuth, s.handleEmailChangeRequest)

	app.Post("/pat", s.requireAuth, s.handleIssuePAT)

	app.Get("/mfa/totp/generate", s.requireAuth, s.handleGenerateTOTP)
	app.Post("/user/mfa", s.requireAuth, s.handleManageMFA)

	app.Post("/elevate/totp", s.requireAuth, s.handleElevateTOTP)
	app.Post("/elevate/webauthn", s.requireAuth, s.handleElevateWebAuthnBegin)
	app.Post("/elevate/webauthn/verify", s.requireAuth, s.handleElevateWebAuthnFinish)

	app.Post("/user/security-keys/register", s.requireAuth, s.handleSecurityKeyRegisterBegin)
	app.Post("/user/security-keys/register/verify", s.requireAuth, s.handleSecurityKeyRegisterFinish)
	app.Get("/user/security-keys", s.requireAuth, s.handleListSecurityKeys)
	app.Delete("/user/security-keys/:id", s.requireAuth, s.handleRemoveSecurityKey)
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleError is the single translation point from engine errors to the
// {error, status, message} wire shape.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(errorResponse{
			Error:   "invalid-request",
			Status:  fiberErr.Code,
			Message: fiberErr.Message,
		})
	}

	mapping := classify(err)
	message := err.Error()
	if mapping.status >= fiber.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		message = "internal server error"
	}

	return c.Status(mapping.status).JSON(errorResponse{
		Error:   mapping.code,
		Status:  mapping.status,
		Message: message,
	})
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	s.log.Info("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", time.Since(start)),
		zap.String("ip", c.IP()),
	)
	return err
}

// requireAuth gates a route on a valid bearer access token and stashes the
// parsed claims for the handler.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return errUnauthorized
	}

	claims, err := s.engine.VerifyAccessToken(token)
	if err != nil {
		return errUnauthorized
	}

	c.Locals(claimsLocal, claims)
	return c.Next()
}

func claimsFrom(c *fiber.Ctx) *jwt.AccessClaims {
	claims, _ := c.Locals(claimsLocal).(*jwt.AccessClaims)
	return claims
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := value[len(bearer):]
	return token, token != ""
}

// requestContext decorates the request context with client metadata the
// engine records on audit events.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := gatekey.WithClientIP(c.UserContext(), c.IP())
	return gatekey.WithUserAgent(ctx, c.Get(fiber.HeaderUserAgent))
}
