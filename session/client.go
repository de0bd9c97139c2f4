package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gatekey "github.com/halvard/gatekey"
)

// Client is the HTTP implementation of [AuthAPI], speaking the JSON wire
// format of the httpapi server.
type Client struct {
	baseURL string
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.http = httpClient }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// signInResult mirrors the server's sign-in response: a session, an MFA
// challenge, or neither when the registration awaits email verification.
type signInResult struct {
	Session *Session `json:"session"`
	MFA     *struct {
		Ticket string `json:"ticket"`
	} `json:"mfa"`
}

func (r signInResult) toAuthResult() AuthResult {
	if r.MFA != nil {
		return AuthResult{MFATicket: r.MFA.Ticket}
	}
	if r.Session == nil {
		return AuthResult{NeedsEmailVerification: true}
	}
	return AuthResult{Session: r.Session}
}

func (c *Client) SignUp(ctx context.Context, email, password string) (AuthResult, error) {
	var result signInResult
	err := c.post(ctx, "/signup/email-password", map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return AuthResult{}, err
	}
	return result.toAuthResult(), nil
}

func (c *Client) SignInPassword(ctx context.Context, email, password string) (AuthResult, error) {
	var result signInResult
	err := c.post(ctx, "/signin/email-password", map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return AuthResult{}, err
	}
	return result.toAuthResult(), nil
}

func (c *Client) StartPasswordlessEmail(ctx context.Context, email string) error {
	return c.post(ctx, "/signin/passwordless/email", map[string]string{"email": email}, nil)
}

func (c *Client) StartPasswordlessSMS(ctx context.Context, phoneNumber string) error {
	return c.post(ctx, "/signin/passwordless/sms", map[string]string{"phoneNumber": phoneNumber}, nil)
}

func (c *Client) VerifyOTP(ctx context.Context, identifier, code string) (AuthResult, error) {
	var result signInResult
	err := c.post(ctx, "/signin/otp", map[string]string{
		"identifier": identifier,
		"otp":        code,
	}, &result)
	if err != nil {
		return AuthResult{}, err
	}
	return result.toAuthResult(), nil
}

func (c *Client) VerifyMFA(ctx context.Context, ticket, code string) (AuthResult, error) {
	var result signInResult
	err := c.post(ctx, "/signin/mfa/totp", map[string]string{
		"ticket": ticket,
		"otp":    code,
	}, &result)
	if err != nil {
		return AuthResult{}, err
	}
	return result.toAuthResult(), nil
}

// Refresh exchanges a refresh token. The server returns the rotated
// session directly, not wrapped in a sign-in result.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	var rotated gatekey.Session
	err := c.post(ctx, "/token", map[string]string{"refreshToken": refreshToken}, &rotated)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Session: &Session{
		AccessToken:          rotated.AccessToken,
		AccessTokenExpiresIn: rotated.AccessTokenExpiresIn,
		RefreshToken:         rotated.RefreshToken,
		User:                 rotated.User,
	}}, nil
}

func (c *Client) SignOut(ctx context.Context, refreshToken string) error {
	return c.post(ctx, "/signout", map[string]string{"refreshToken": refreshToken}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return decodeFlowError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// decodeFlowError turns the server's error body into a [FlowError]. Bodies
// that are not the expected shape still yield a typed error.
func decodeFlowError(status int, raw []byte) *FlowError {
	var wire struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error != "" {
		return &FlowError{Code: wire.Error, Message: wire.Message}
	}
	return &FlowError{
		Code:    "internal-error",
		Message: fmt.Sprintf("unexpected response status %d", status),
	}
}
