package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/resolvehq/resolve/pkg/rbac"
)

// SessionClaims is the payload of the internal session token. The permission
// list is a snapshot at issuance; role edits apply to future tokens only.
type SessionClaims struct {
	UserID       int64    `json:"uid"`
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	Permissions  []string `json:"permissions"`
	TokenVersion int      `json:"token_version"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HMAC-signed session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	store  *Store
	now    func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration, store *Store) *TokenIssuer {
	return &TokenIssuer{
		secret: secret,
		ttl:    ttl,
		issuer: "resolve",
		store:  store,
		now:    time.Now,
	}
}

// Issue signs a session token for the user with a permission snapshot taken
// from the role at call time.
func (t *TokenIssuer) Issue(user *User, role *Role) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)

	perms := make([]string, len(role.Permissions))
	for i, p := range role.Permissions {
		perms[i] = p.String()
	}

	claims := SessionClaims{
		UserID:       user.ID,
		Email:        user.Email,
		Role:         role.Name,
		Permissions:  perms,
		TokenVersion: user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a session token, including the stored
// token_version check that makes logout-all and password changes effective
// against outstanding tokens.
func (t *TokenIssuer) Verify(ctx context.Context, raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	user, err := t.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if user.TokenVersion != claims.TokenVersion {
		return nil, ErrTokenRevoked
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}

	return claims, nil
}

// Principal converts verified claims into an authorization principal.
func (c *SessionClaims) Principal(hierarchyLevel int) *rbac.Principal {
	perms := make([]rbac.Permission, 0, len(c.Permissions))
	for _, s := range c.Permissions {
		if p, ok := rbac.ParsePermission(s); ok {
			perms = append(perms, p)
		}
	}
	return &rbac.Principal{
		UserID:         c.UserID,
		Email:          c.Email,
		Role:           c.Role,
		HierarchyLevel: hierarchyLevel,
		Permissions:    perms,
	}
}
