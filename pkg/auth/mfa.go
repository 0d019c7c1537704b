package auth

import (
	"context"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFAManager handles TOTP enrollment and verification for local accounts.
type MFAManager struct {
	store  *Store
	issuer string
}

func NewMFAManager(store *Store, issuer string) *MFAManager {
	if issuer == "" {
		issuer = "Resolve"
	}
	return &MFAManager{store: store, issuer: issuer}
}

// MFASetup is returned once at enrollment; the secret and URL are never
// retrievable afterwards.
type MFASetup struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// BeginSetup generates a new TOTP secret for the user and stores it in a
// pending (disabled) state. MFA only becomes enforced after ConfirmSetup
// verifies a code against the secret.
func (m *MFAManager) BeginSetup(ctx context.Context, userID int64) (*MFASetup, error) {
	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: user.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	if err := m.store.SetMFASecret(ctx, userID, key.Secret(), false); err != nil {
		return nil, err
	}

	return &MFASetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmSetup verifies the first code and enables enforcement.
func (m *MFAManager) ConfirmSetup(ctx context.Context, userID int64, code string) error {
	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return ErrMFANotSetup
	}
	if !VerifyTOTP(user.MFASecret, code) {
		return ErrMFAInvalid
	}
	return m.store.SetMFASecret(ctx, userID, user.MFASecret, true)
}

// Disable removes the secret after verifying a current code.
func (m *MFAManager) Disable(ctx context.Context, userID int64, code string) error {
	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotSetup
	}
	if !VerifyTOTP(user.MFASecret, code) {
		return ErrMFAInvalid
	}
	return m.store.SetMFASecret(ctx, userID, "", false)
}

// VerifyTOTP checks a six-digit code against the secret with the standard
// one-period skew window.
func VerifyTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}
