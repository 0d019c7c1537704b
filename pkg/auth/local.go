package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/resolvehq/resolve/pkg/observability"
)

// LocalAuthenticator verifies email/password credentials and handles
// self-service registration when enabled.
type LocalAuthenticator struct {
	store             *Store
	logger            *observability.Logger
	allowRegistration bool
	defaultRole       string
	hashParams        *argon2id.Params
}

// LocalConfig controls registration policy for the local authenticator.
type LocalConfig struct {
	AllowRegistration bool
	DefaultRole       string
}

func NewLocalAuthenticator(store *Store, logger *observability.Logger, cfg LocalConfig) *LocalAuthenticator {
	defaultRole := cfg.DefaultRole
	if defaultRole == "" {
		defaultRole = "user"
	}
	return &LocalAuthenticator{
		store:             store,
		logger:            logger,
		allowRegistration: cfg.AllowRegistration,
		defaultRole:       defaultRole,
		hashParams:        argon2id.DefaultParams,
	}
}

// Authenticate verifies the credential pair and returns the matching user.
// Invalid email and invalid password are indistinguishable to the caller.
// When the account has MFA enabled, a valid TOTP code must accompany the
// credentials or ErrMFARequired is returned.
func (a *LocalAuthenticator) Authenticate(ctx context.Context, email, password, totpCode string) (*User, error) {
	user, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a hash comparison anyway so response timing does not
			// reveal whether the email exists.
			_, _ = argon2id.ComparePasswordAndHash(password, dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if user.AuthSource != SourceLocal || user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}

	match, err := argon2id.ComparePasswordAndHash(password, user.PasswordHash)
	if err != nil || !match {
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		return nil, ErrAccountDisabled
	}

	if user.MFAEnabled {
		if totpCode == "" {
			return nil, ErrMFARequired
		}
		if !VerifyTOTP(user.MFASecret, totpCode) {
			return nil, ErrMFAInvalid
		}
	}

	if err := a.store.TouchLastLogin(ctx, user.ID); err != nil {
		a.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to record login time")
	}

	return user, nil
}

// Register creates a local account with the default role. Fails with
// ErrRegistrationDisabled unless self-service registration is enabled.
func (a *LocalAuthenticator) Register(ctx context.Context, email, password, name string) (*User, error) {
	if !a.allowRegistration {
		return nil, ErrRegistrationDisabled
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("invalid email address")
	}
	if len(password) < 12 {
		return nil, errors.New("password must be at least 12 characters")
	}

	hash, err := argon2id.CreateHash(password, a.hashParams)
	if err != nil {
		return nil, err
	}

	role, err := a.store.GetRoleByName(ctx, a.defaultRole)
	if err != nil {
		return nil, err
	}

	user := &User{
		Email:        email,
		DisplayName:  name,
		PasswordHash: hash,
		RoleID:       role.ID,
		AuthSource:   SourceLocal,
		Active:       true,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword rotates the stored hash after verifying the current
// password. The token version bump in SetPasswordHash invalidates every
// outstanding session token for the user.
func (a *LocalAuthenticator) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.AuthSource != SourceLocal {
		return ErrInvalidCredentials
	}
	match, err := argon2id.ComparePasswordAndHash(current, user.PasswordHash)
	if err != nil || !match {
		return ErrInvalidCredentials
	}
	if len(next) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	hash, err := argon2id.CreateHash(next, a.hashParams)
	if err != nil {
		return err
	}
	return a.store.SetPasswordHash(ctx, userID, hash)
}

// Precomputed hash of an unguessable value, used to equalize timing on
// unknown-email lookups.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=2$c29tZXNhbHRzb21lc2FsdA$RdescudvJCsgt3ub+b+dWRWJTmaaJObG"
