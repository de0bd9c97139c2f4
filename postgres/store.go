package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	gatekey "github.com/halvard/gatekey"
)

// Compile-time interface assertion.
var _ gatekey.UserStore = (*UserStore)(nil)

const uniqueViolation = "23505"

// UserStore is the pgx-backed reference implementation of
// [gatekey.UserStore]. Email and phone number are stored as NULL when
// absent so partial unique indexes can enforce ownership.
type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, email, phone_number, display_name, password_hash,
	default_role, roles, email_verified, phone_number_verified, disabled,
	anonymous, active_mfa_type, totp_secret, pending_totp_secret, new_email,
	otp_method_last_used, totp_last_used_counter, created_at`

func (s *UserStore) scanUser(row pgx.Row) (gatekey.User, error) {
	var (
		user      gatekey.User
		email     *string
		phone     *string
		mfaType   string
		otpMethod string
	)

	err := row.Scan(
		&user.ID, &email, &phone, &user.DisplayName, &user.PasswordHash,
		&user.DefaultRole, &user.Roles, &user.EmailVerified,
		&user.PhoneNumberVerified, &user.Disabled, &user.Anonymous,
		&mfaType, &user.TOTPSecret, &user.PendingTOTPSecret, &user.NewEmail,
		&otpMethod, &user.TOTPLastUsedCounter, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gatekey.User{}, gatekey.ErrUserNotFound
		}
		return gatekey.User{}, fmt.Errorf("scan user: %w", err)
	}

	if email != nil {
		user.Email = *email
	}
	if phone != nil {
		user.PhoneNumber = *phone
	}
	user.ActiveMFAType = gatekey.MFAType(mfaType)
	user.OTPMethodLastUsed = gatekey.OTPChannel(otpMethod)
	return user, nil
}

func (s *UserStore) GetUserByID(ctx context.Context, id string) (gatekey.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return s.scanUser(row)
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (gatekey.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return s.scanUser(row)
}

func (s *UserStore) GetUserByPhoneNumber(ctx context.Context, phoneNumber string) (gatekey.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phoneNumber)
	return s.scanUser(row)
}

func (s *UserStore) CreateUser(ctx context.Context, input gatekey.CreateUserInput) (gatekey.User, error) {
	id := uuid.NewString()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (
			id, email, phone_number, display_name, password_hash,
			default_role, roles, email_verified, phone_number_verified,
			anonymous
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, nullable(input.Email), nullable(input.PhoneNumber),
		input.DisplayName, input.PasswordHash, input.DefaultRole,
		input.Roles, input.EmailVerified, input.PhoneNumberVerified,
		input.Anonymous,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return gatekey.User{}, gatekey.ErrEmailAlreadyInUse
		}
		return gatekey.User{}, fmt.Errorf("insert user: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

func (s *UserStore) DeleteUser(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatekey.ErrUserNotFound
	}
	return nil
}

func (s *UserStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return gatekey.ErrEmailAlreadyInUse
		}
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatekey.ErrUserNotFound
	}
	return nil
}

func (s *UserStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
}

func (s *UserStore) SetEmailVerified(ctx context.Context, id string, verified bool) error {
	return s.exec(ctx, `UPDATE users SET email_verified = $2 WHERE id = $1`, id, verified)
}

func (s *UserStore) SetNewEmail(ctx context.Context, id, newEmail string) error {
	return s.exec(ctx, `UPDATE users SET new_email = $2 WHERE id = $1`, id, newEmail)
}

func (s *UserStore) ApplyEmailChange(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE users
		SET email = NULLIF(new_email, ''), new_email = '', email_verified = TRUE
		WHERE id = $1 AND new_email <> ''`, id)
}

func (s *UserStore) SetOTPMethodLastUsed(ctx context.Context, id string, channel gatekey.OTPChannel) error {
	return s.exec(ctx, `UPDATE users SET otp_method_last_used = $2 WHERE id = $1`, id, string(channel))
}

func (s *UserStore) SetPendingTOTPSecret(ctx context.Context, id, secret string) error {
	return s.exec(ctx, `UPDATE users SET pending_totp_secret = $2 WHERE id = $1`, id, secret)
}

func (s *UserStore) ActivateTOTP(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE users
		SET totp_secret = pending_totp_secret,
		    pending_totp_secret = '',
		    active_mfa_type = 'totp'
		WHERE id = $1 AND pending_totp_secret <> ''`, id)
}

func (s *UserStore) DeactivateMFA(ctx context.Context, id string) error {
	return s.exec(ctx, `
		UPDATE users
		SET totp_secret = '', active_mfa_type = ''
		WHERE id = $1`, id)
}

func (s *UserStore) UpdateTOTPLastUsedCounter(ctx context.Context, id string, counter int64) error {
	return s.exec(ctx, `UPDATE users SET totp_last_used_counter = $2 WHERE id = $1`, id, counter)
}

func (s *UserStore) AddSecurityKey(ctx context.Context, key gatekey.SecurityKey) (gatekey.SecurityKey, error) {
	key.ID = uuid.NewString()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_security_keys (
			id, user_id, credential_id, public_key, sign_count, transports, nickname
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.CredentialID, key.PublicKey,
		int64(key.SignCount), key.Transports, key.Nickname,
	)
	if err != nil {
		return gatekey.SecurityKey{}, fmt.Errorf("insert security key: %w", err)
	}

	return key, nil
}

func (s *UserStore) ListSecurityKeys(ctx context.Context, userID string) ([]gatekey.SecurityKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, credential_id, public_key, sign_count, transports, nickname, added_at
		FROM user_security_keys
		WHERE user_id = $1
		ORDER BY added_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list security keys: %w", err)
	}
	defer rows.Close()

	var keys []gatekey.SecurityKey
	for rows.Next() {
		var (
			key       gatekey.SecurityKey
			signCount int64
		)
		err := rows.Scan(&key.ID, &key.UserID, &key.CredentialID, &key.PublicKey,
			&signCount, &key.Transports, &key.Nickname, &key.AddedAt)
		if err != nil {
			return nil, fmt.Errorf("scan security key: %w", err)
		}
		key.SignCount = uint32(signCount)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *UserStore) RemoveSecurityKey(ctx context.Context, userID, keyID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM user_security_keys WHERE id = $1 AND user_id = $2`, keyID, userID)
	if err != nil {
		return fmt.Errorf("delete security key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatekey.ErrSecurityKeyNotFound
	}
	return nil
}

func (s *UserStore) UpdateSecurityKeySignCount(ctx context.Context, keyID string, signCount uint32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_security_keys SET sign_count = $2 WHERE id = $1`, keyID, int64(signCount))
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatekey.ErrSecurityKeyNotFound
	}
	return nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
