package httpapi

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"

	gatekey "github.com/halvard/gatekey"
)

type signUpRequest struct {
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
	RedirectTo  string   `json:"redirectTo"`
}

func (r signUpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

func (s *Server) handleSignUpEmailPassword(c *fiber.Ctx) error {
	var req signUpRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := s.engine.SignUpEmailPassword(requestContext(c), req.Email, req.Password, gatekey.SignUpOptions{
		DisplayName: req.DisplayName,
		Roles:       req.Roles,
		RedirectTo:  req.RedirectTo,
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r signInRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

func (s *Server) handleSignInEmailPassword(c *fiber.Ctx) error {
	var req signInRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	result, err := s.engine.SignInEmailPassword(requestContext(c), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) handleSignInAnonymous(c *fiber.Ctx) error {
	session, err := s.engine.SignInAnonymous(requestContext(c))
	if err != nil {
		return err
	}
	return c.JSON(gatekey.SignInResult{Session: session})
}

type passwordlessEmailRequest struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
	RedirectTo  string   `json:"redirectTo"`
}

func (r passwordlessEmailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (s *Server) handlePasswordlessEmail(c *fiber.Ctx) error {
	var req passwordlessEmailRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	err := s.engine.StartPasswordless(requestContext(c), req.Email, gatekey.OTPChannelEmail, gatekey.PasswordlessOptions{
		DisplayName: req.DisplayName,
		Roles:       req.Roles,
		RedirectTo:  req.RedirectTo,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type passwordlessSMSRequest struct {
	PhoneNumber string   `json:"phoneNumber"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
}

func (r passwordlessSMSRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PhoneNumber, validation.Required),
	)
}

func (s *Server) handlePasswordlessSMS(c *fiber.Ctx) error {
	var req passwordlessSMSRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	err := s.engine.StartPasswordless(requestContext(c), req.PhoneNumber, gatekey.OTPChannelSMS, gatekey.PasswordlessOptions{
		DisplayName: req.DisplayName,
		Roles:       req.Roles,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type verifyOTPRequest struct {
	Identifier string `json:"identifier"`
	OTP        string `json:"otp"`
}

func (r verifyOTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identifier, validation.Required),
		validation.Field(&r.OTP, validation.Required),
	)
}

func (s *Server) handleVerifyOTP(c *fiber.Ctx) error {
	var req verifyOTPRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	session, err := s.engine.VerifyOTP(requestContext(c), req.Identifier, req.OTP)
	if err != nil {
		return err
	}
	return c.JSON(gatekey.SignInResult{Session: session})
}

type verifyMFARequest struct {
	Ticket string `json:"ticket"`
	OTP    string `json:"otp"`
}

func (r verifyMFARequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Ticket, validation.Required),
		validation.Field(&r.OTP, validation.Required),
	)
}

func (s *Server) handleVerifyMFA(c *fiber.Ctx) error {
	var req verifyMFARequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	session, err := s.engine.VerifyMFA(requestContext(c), req.Ticket, req.OTP)
	if err != nil {
		return err
	}
	return c.JSON(gatekey.SignInResult{Session: session})
}

type webauthnSignInRequest struct {
	Email string `json:"email"`
}

func (r webauthnSignInRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (s *Server) handleWebAuthnSignInBegin(c *fiber.Ctx) error {
	var req webauthnSignInRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	options, err := s.engine.BeginSecurityKeySignIn(requestContext(c), req.Email)
	if err != nil {
		return err
	}
	return sendRawJSON(c, options)
}

type webauthnSignInVerifyRequest struct {
	Email      string          `json:"email"`
	Credential json.RawMessage `json:"credential"`
}

func (r webauthnSignInVerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Credential, validation.Required),
	)
}

func (s *Server) handleWebAuthnSignInFinish(c *fiber.Ctx) error {
	var req webauthnSignInVerifyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	session, err := s.engine.FinishSecurityKeySignIn(requestContext(c), req.Email, req.Credential)
	if err != nil {
		return err
	}
	return c.JSON(gatekey.SignInResult{Session: session})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (r refreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	session, err := s.engine.Refresh(requestContext(c), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(session)
}

func (s *Server) handleSignOut(c *fiber.Ctx) error {
	var req refreshRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	if err := s.engine.SignOut(requestContext(c), req.RefreshToken); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// parseBody decodes and guard-validates a JSON request body. Guards run
// before any engine call; a failure never reaches the stores.
func parseBody(c *fiber.Ctx, req interface{ Validate() error }) error {
	if err := c.BodyParser(req); err != nil {
		return validationError{detail: "malformed request body"}
	}
	if err := req.Validate(); err != nil {
		return validationError{detail: err.Error()}
	}
	return nil
}

// sendRawJSON writes pre-encoded JSON, used for WebAuthn ceremony options
// that must reach the client byte-identical.
func sendRawJSON(c *fiber.Ctx, raw json.RawMessage) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(raw)
}
