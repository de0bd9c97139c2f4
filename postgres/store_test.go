package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatekey "github.com/halvard/gatekey"
)

// newTestStore connects to the database named by GATEKEY_TEST_DATABASE_URL
// and runs the embedded migrations. Tests are skipped when the variable is
// unset so the suite stays runnable without infrastructure.
func newTestStore(t *testing.T) *UserStore {
	t.Helper()

	dsn := os.Getenv("GATEKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GATEKEY_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, RunMigrations(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE users CASCADE`)
	require.NoError(t, err)

	return NewUserStore(pool)
}

func TestCreateAndLookupUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUser(ctx, gatekey.CreateUserInput{
		Email:       "pg@example.com",
		DisplayName: "PG",
		DefaultRole: "user",
		Roles:       []string{"user", "me"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	byEmail, err := store.GetUserByEmail(ctx, "pg@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
	assert.Equal(t, []string{"user", "me"}, byEmail.Roles)

	_, err = store.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, gatekey.ErrUserNotFound)

	_, err = store.CreateUser(ctx, gatekey.CreateUserInput{
		Email:       "pg@example.com",
		DefaultRole: "user",
		Roles:       []string{"user"},
	})
	assert.ErrorIs(t, err, gatekey.ErrEmailAlreadyInUse)
}

func TestAnonymousUsersShareNoEmail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.CreateUser(ctx, gatekey.CreateUserInput{
			DefaultRole: "anonymous",
			Roles:       []string{"anonymous"},
			Anonymous:   true,
		})
		require.NoError(t, err)
	}
}

func TestEmailChangeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, gatekey.CreateUserInput{
		Email:       "old@example.com",
		DefaultRole: "user",
		Roles:       []string{"user"},
	})
	require.NoError(t, err)

	require.NoError(t, store.SetNewEmail(ctx, user.ID, "new@example.com"))
	require.NoError(t, store.ApplyEmailChange(ctx, user.ID))

	updated, err := store.GetUserByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, updated.ID)
	assert.Empty(t, updated.NewEmail)
	assert.True(t, updated.EmailVerified)

	_, err = store.GetUserByEmail(ctx, "old@example.com")
	assert.ErrorIs(t, err, gatekey.ErrUserNotFound)
}

func TestTOTPLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, gatekey.CreateUserInput{
		Email:       "totp@example.com",
		DefaultRole: "user",
		Roles:       []string{"user"},
	})
	require.NoError(t, err)

	require.NoError(t, store.SetPendingTOTPSecret(ctx, user.ID, "SECRET"))
	require.NoError(t, store.ActivateTOTP(ctx, user.ID))

	activated, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, gatekey.MFATypeTOTP, activated.ActiveMFAType)
	assert.Equal(t, "SECRET", activated.TOTPSecret)
	assert.Empty(t, activated.PendingTOTPSecret)

	require.NoError(t, store.UpdateTOTPLastUsedCounter(ctx, user.ID, 52921337))
	counted, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(52921337), counted.TOTPLastUsedCounter)

	require.NoError(t, store.DeactivateMFA(ctx, user.ID))
	deactivated, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, deactivated.ActiveMFAType)
	assert.Empty(t, deactivated.TOTPSecret)
}

func TestSecurityKeyLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, gatekey.CreateUserInput{
		Email:       "keys@example.com",
		DefaultRole: "user",
		Roles:       []string{"user"},
	})
	require.NoError(t, err)

	key, err := store.AddSecurityKey(ctx, gatekey.SecurityKey{
		UserID:       user.ID,
		CredentialID: []byte{1, 2, 3},
		PublicKey:    []byte{4, 5, 6},
		Transports:   []string{"usb"},
		Nickname:     "yubi",
	})
	require.NoError(t, err)
	require.NotEmpty(t, key.ID)

	require.NoError(t, store.UpdateSecurityKeySignCount(ctx, key.ID, 9))

	keys, err := store.ListSecurityKeys(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, uint32(9), keys[0].SignCount)

	require.NoError(t, store.RemoveSecurityKey(ctx, user.ID, key.ID))
	assert.ErrorIs(t, store.RemoveSecurityKey(ctx, user.ID, key.ID), gatekey.ErrSecurityKeyNotFound)
}
