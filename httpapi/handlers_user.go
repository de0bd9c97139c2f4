package httpapi

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"

	gatekey "github.com/halvard/gatekey"
)

// handleVerifyTicket implements the redirect contract: the browser always
// ends up on redirectTo, success appends refreshToken and type, failure
// appends the reserved error parameters instead of a JSON body.
func (s *Server) handleVerifyTicket(c *fiber.Ctx) error {
	ticket := c.Query("ticket")
	ticketType := gatekey.TicketType(c.Query("type"))
	redirectTo := c.Query("redirectTo")

	if ticket == "" || ticketType == "" {
		return c.Redirect(s.engine.FailureRedirect(redirectTo, "invalid-request", "missing ticket or type"), fiber.StatusFound)
	}

	redemption, err := s.engine.RedeemTicket(requestContext(c), ticket, ticketType, redirectTo)
	if err != nil {
		mapping := classify(err)
		message := err.Error()
		if mapping.status >= fiber.StatusInternalServerError {
			message = "internal server error"
		}
		return c.Redirect(s.engine.FailureRedirect(redirectTo, mapping.code, message), fiber.StatusFound)
	}

	return c.Redirect(redemption.RedirectTo, fiber.StatusFound)
}

type passwordResetRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
}

func (r passwordResetRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (s *Server) handlePasswordResetRequest(c *fiber.Ctx) error {
	var req passwordResetRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	// Unknown addresses answer ok as well; the handler must not be an
	// account-existence oracle.
	if err := s.engine.RequestPasswordReset(requestContext(c), req.Email, req.RedirectTo); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type changePasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

func (r changePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.NewPassword, validation.Required),
	)
}

func (s *Server) handleChangePassword(c *fiber.Ctx) error {
	var req changePasswordRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	claims := claimsFrom(c)
	if err := s.engine.ChangePassword(requestContext(c), claims.Hasura.UserID, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type emailChangeRequest struct {
	NewEmail   string `json:"newEmail"`
	RedirectTo string `json:"redirectTo"`
}

func (r emailChangeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.NewEmail, validation.Required, is.Email),
	)
}

func (s *Server) handleEmailChangeRequest(c *fiber.Ctx) error {
	var req emailChangeRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	claims := claimsFrom(c)
	if err := s.engine.RequestEmailChange(requestContext(c), claims.Hasura.UserID, req.NewEmail, req.RedirectTo); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type issuePATRequest struct {
	ExpiresAt time.Time         `json:"expiresAt"`
	Metadata  map[string]string `json:"metadata"`
}

func (r issuePATRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ExpiresAt, validation.Required),
	)
}

type issuePATResponse struct {
	ID                  string `json:"id"`
	PersonalAccessToken string `json:"personalAccessToken"`
}

func (s *Server) handleIssuePAT(c *fiber.Ctx) error {
	var req issuePATRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	claims := claimsFrom(c)
	pat, err := s.engine.IssuePAT(requestContext(c), claims.Hasura.UserID, req.ExpiresAt, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(issuePATResponse{ID: pat.ID, PersonalAccessToken: pat.Token})
}

func (s *Server) handleGenerateTOTP(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	provision, err := s.engine.GenerateTOTP(requestContext(c), claims.Hasura.UserID)
	if err != nil {
		return err
	}
	return c.JSON(provision)
}

type manageMFARequest struct {
	Code          string `json:"code"`
	ActiveMFAType string `json:"activeMfaType"`
}

func (r manageMFARequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required),
		validation.Field(&r.ActiveMFAType, validation.In(string(gatekey.MFATypeTOTP))),
	)
}

// handleManageMFA activates TOTP when activeMfaType is "totp" and
// deactivates the second factor when it is empty.
func (s *Server) handleManageMFA(c *fiber.Ctx) error {
	var req manageMFARequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	claims := claimsFrom(c)
	ctx := requestContext(c)

	var err error
	if req.ActiveMFAType == string(gatekey.MFATypeTOTP) {
		err = s.engine.ActivateTOTP(ctx, claims.Hasura.UserID, req.Code)
	} else {
		err = s.engine.DeactivateMFA(ctx, claims.Hasura.UserID, req.Code)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type elevateTOTPRequest struct {
	Code string `json:"code"`
}

func (r elevateTOTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required),
	)
}

func (s *Server) handleElevateTOTP(c *fiber.Ctx) error {
	var req elevateTOTPRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	claims := claimsFrom(c)
	session, err := s.engine.ElevateTOTP(requestContext(c), claims.Hasura.UserID, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(session)
}

type elevateWebAuthnRequest struct {
	Email string `json:"email"`
}

func (r elevateWebAuthnRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

func (s *Server) handleElevateWebAuthnBegin(c *fiber.Ctx) error {
	var req elevateWebAuthnRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	options, err := s.engine.BeginElevation(requestContext(c), req.Email)
	if err != nil {
		return err
	}
	return sendRawJSON(c, options)
}

type elevateWebAuthnVerifyRequest struct {
	Email      string          `json:"email"`
	Credential json.RawMessage `json:"credential"`
}

func (r elevateWebAuthnVerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Credential, validation.Required),
	)
}

func (s *Server) handleElevateWebAuthnFinish(c *fiber.Ctx) error {
	var req elevateWebAuthnVerifyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	session, err := s.engine.FinishElevation(requestContext(c), req.Email, req.Credential)
	if err != nil {
		return err
	}
	return c.JSON(session)
}

func (s *Server) handleSecurityKeyRegisterBegin(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	options, err := s.engine.BeginSecurityKeyRegistration(requestContext(c), claims.Hasura.UserID)
	if err != nil {
		return err
	}
	return sendRawJSON(c, options)
}

type securityKeyRegisterVerifyRequest struct {
	Nickname   string          `json:"nickname"`
	Credential json.RawMessage `json:"credential"`
}

func (r securityKeyRegisterVerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Credential, validation.Required),
	)
}

func (s *Server) handleSecurityKeyRegisterFinish(c *fiber.Ctx) error {
	var req securityKeyRegisterVerifyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	claims := claimsFrom(c)
	key, err := s.engine.FinishSecurityKeyRegistration(requestContext(c), claims.Hasura.UserID, req.Nickname, req.Credential)
	if err != nil {
		return err
	}
	return c.JSON(key)
}

func (s *Server) handleListSecurityKeys(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	keys, err := s.engine.ListSecurityKeys(requestContext(c), claims.Hasura.UserID, claims.IsElevated())
	if err != nil {
		return err
	}
	return c.JSON(keys)
}

func (s *Server) handleRemoveSecurityKey(c *fiber.Ctx) error {
	claims := claimsFrom(c)
	err := s.engine.RemoveSecurityKey(requestContext(c), claims.Hasura.UserID, c.Params("id"), claims.IsElevated())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
