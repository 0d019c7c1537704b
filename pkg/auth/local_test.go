package auth

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alexedwards/argon2id"
	"github.com/pquerna/otp/totp"
	"github.com/resolvehq/resolve/pkg/observability"
	"github.com/resolvehq/resolve/pkg/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cheap parameters keep the hashing tests fast; verification reads the
// parameters back out of the encoded hash.
var testHashParams = &argon2id.Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func testAuthenticator(t *testing.T, cfg LocalConfig) (*LocalAuthenticator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	a := NewLocalAuthenticator(NewStore(db), logger, cfg)
	a.hashParams = testHashParams
	return a, mock
}

func localUser(t *testing.T, password string) *User {
	t.Helper()
	hash, err := argon2id.CreateHash(password, testHashParams)
	require.NoError(t, err)

	u := testUser()
	u.PasswordHash = hash
	return u
}

func TestLocalAuthenticator_Authenticate(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})
	user := localUser(t, "correct horse battery")

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs("tech@example.com").
		WillReturnRows(userRow(user))
	mock.ExpectExec("UPDATE users SET last_login_at").
		WithArgs(user.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := a.Authenticate(context.Background(), "tech@example.com", "correct horse battery", "")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalAuthenticator_Authenticate_WrongPassword(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})
	user := localUser(t, "correct horse battery")

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(userRow(user))

	_, err := a.Authenticate(context.Background(), "tech@example.com", "wrong password here", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLocalAuthenticator_Authenticate_UnknownEmail(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(sqlmock.NewRows(userColumns))

	// Indistinguishable from a wrong password.
	_, err := a.Authenticate(context.Background(), "nobody@example.com", "whatever password", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLocalAuthenticator_Authenticate_FederatedAccount(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})
	user := testUser()
	user.AuthSource = SourceOIDC
	user.PasswordHash = ""

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(userRow(user))

	_, err := a.Authenticate(context.Background(), "tech@example.com", "any password at all", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLocalAuthenticator_Authenticate_Disabled(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})
	user := localUser(t, "correct horse battery")
	user.Active = false

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(userRow(user))

	_, err := a.Authenticate(context.Background(), "tech@example.com", "correct horse battery", "")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestLocalAuthenticator_Authenticate_MFA(t *testing.T) {
	secret, code := totpPair(t)

	t.Run("code required", func(t *testing.T) {
		a, mock := testAuthenticator(t, LocalConfig{})
		user := localUser(t, "correct horse battery")
		user.MFAEnabled = true
		user.MFASecret = secret

		mock.ExpectQuery("SELECT (.+) FROM users").
			WillReturnRows(userRow(user))

		_, err := a.Authenticate(context.Background(), "tech@example.com", "correct horse battery", "")
		assert.ErrorIs(t, err, ErrMFARequired)
	})

	t.Run("invalid code", func(t *testing.T) {
		a, mock := testAuthenticator(t, LocalConfig{})
		user := localUser(t, "correct horse battery")
		user.MFAEnabled = true
		user.MFASecret = secret

		mock.ExpectQuery("SELECT (.+) FROM users").
			WillReturnRows(userRow(user))

		_, err := a.Authenticate(context.Background(), "tech@example.com", "correct horse battery", "12345")
		assert.ErrorIs(t, err, ErrMFAInvalid)
	})

	t.Run("valid code", func(t *testing.T) {
		a, mock := testAuthenticator(t, LocalConfig{})
		user := localUser(t, "correct horse battery")
		user.MFAEnabled = true
		user.MFASecret = secret

		mock.ExpectQuery("SELECT (.+) FROM users").
			WillReturnRows(userRow(user))
		mock.ExpectExec("UPDATE users SET last_login_at").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := a.Authenticate(context.Background(), "tech@example.com", "correct horse battery", code)
		require.NoError(t, err)
	})
}

func TestLocalAuthenticator_Register(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{AllowRegistration: true, DefaultRole: "user"})

	perms, _ := json.Marshal([]rbac.Permission{{Resource: "tickets", Action: "read"}})
	mock.ExpectQuery("SELECT (.+) FROM roles WHERE name").
		WithArgs("user").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "hierarchy_level", "permissions", "created_at", "updated_at"}).
			AddRow(int64(4), "user", 10, perms, time.Now(), time.Now()))
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(9), time.Now(), time.Now()))

	user, err := a.Register(context.Background(), "New.User@Example.com", "a long enough password", "New User")
	require.NoError(t, err)
	assert.Equal(t, "new.user@example.com", user.Email)
	assert.Equal(t, "New User", user.DisplayName)
	assert.Equal(t, int64(4), user.RoleID)
	assert.Equal(t, SourceLocal, user.AuthSource)
	assert.True(t, user.Active)
	assert.NotEmpty(t, user.PasswordHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalAuthenticator_Register_Disabled(t *testing.T) {
	a, _ := testAuthenticator(t, LocalConfig{AllowRegistration: false})

	_, err := a.Register(context.Background(), "new@example.com", "a long enough password", "New")
	assert.ErrorIs(t, err, ErrRegistrationDisabled)
}

func TestLocalAuthenticator_Register_Validation(t *testing.T) {
	a, _ := testAuthenticator(t, LocalConfig{AllowRegistration: true})

	_, err := a.Register(context.Background(), "not-an-email", "a long enough password", "X")
	assert.Error(t, err)

	_, err = a.Register(context.Background(), "new@example.com", "short", "X")
	assert.Error(t, err)
}

func TestLocalAuthenticator_ChangePassword(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})
	user := localUser(t, "old password value")

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(user.ID).
		WillReturnRows(userRow(user))
	mock.ExpectExec("UPDATE users SET password_hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := a.ChangePassword(context.Background(), user.ID, "old password value", "new password value!")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalAuthenticator_ChangePassword_WrongCurrent(t *testing.T) {
	a, mock := testAuthenticator(t, LocalConfig{})
	user := localUser(t, "old password value")

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(userRow(user))

	err := a.ChangePassword(context.Background(), user.ID, "not the old password", "new password value!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// totpPair generates a secret with a currently valid code.
func totpPair(t *testing.T) (secret, code string) {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "Resolve", AccountName: "tech@example.com"})
	require.NoError(t, err)
	code, err = totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	return key.Secret(), code
}

func TestVerifyTOTP(t *testing.T) {
	secret, code := totpPair(t)

	assert.True(t, VerifyTOTP(secret, code))
	assert.False(t, VerifyTOTP(secret, "12345"))
	assert.False(t, VerifyTOTP(secret, ""))
	assert.False(t, VerifyTOTP("", code))
}
