package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/resolvehq/resolve/pkg/async"
	"github.com/resolvehq/resolve/pkg/observability"
)

const (
	apiKeyPrefix      = "resolve"
	lookupIDBytes     = 4  // 8 hex chars
	secretBytes       = 16 // 32 hex chars
	usageTouchTimeout = 5 * time.Second
)

// APIKeyEngine issues and validates bearer API keys. Only the SHA-256 hash
// of the full key string is stored; the plaintext is returned exactly once
// at issuance or regeneration.
type APIKeyEngine struct {
	store   *Store
	limiter *KeyRateLimiter
	logger  *observability.Logger
}

func NewAPIKeyEngine(store *Store, limiter *KeyRateLimiter, logger *observability.Logger) *APIKeyEngine {
	return &APIKeyEngine{store: store, limiter: limiter, logger: logger}
}

// IssuedKey carries the one-time plaintext alongside the stored metadata.
type IssuedKey struct {
	Key       *APIKey `json:"key"`
	Plaintext string  `json:"plaintext"`
}

// Generate mints a key of the form resolve_<lookup>_<secret>, persists its
// hash and metadata, and returns the plaintext for one-time display.
func (e *APIKeyEngine) Generate(ctx context.Context, key *APIKey) (*IssuedKey, error) {
	lookupID, err := randomToken(lookupIDBytes)
	if err != nil {
		return nil, err
	}
	secret, err := randomToken(secretBytes)
	if err != nil {
		return nil, err
	}

	plaintext := fmt.Sprintf("%s_%s_%s", apiKeyPrefix, lookupID, secret)

	key.LookupID = lookupID
	key.KeyHash = hashKey(plaintext)
	if len(key.Scopes) == 0 {
		key.Scopes = []string{ScopeAll}
	}

	if err := e.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return &IssuedKey{Key: key, Plaintext: plaintext}, nil
}

// Regenerate replaces the secret of an existing key, invalidating the old
// plaintext immediately while keeping name, scopes, and restrictions.
func (e *APIKeyEngine) Regenerate(ctx context.Context, keyID, ownerID int64) (*IssuedKey, error) {
	key, err := e.store.GetAPIKeyByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.UserID != ownerID {
		return nil, ErrKeyNotFound
	}
	if key.Revoked {
		return nil, ErrKeyRevoked
	}

	lookupID, err := randomToken(lookupIDBytes)
	if err != nil {
		return nil, err
	}
	secret, err := randomToken(secretBytes)
	if err != nil {
		return nil, err
	}
	plaintext := fmt.Sprintf("%s_%s_%s", apiKeyPrefix, lookupID, secret)

	if err := e.store.ReplaceAPIKeySecret(ctx, keyID, ownerID, hashKey(plaintext), lookupID); err != nil {
		return nil, err
	}

	key.LookupID = lookupID
	return &IssuedKey{Key: key, Plaintext: plaintext}, nil
}

// IsAPIKey reports whether a bearer credential looks like an API key rather
// than a session token.
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, apiKeyPrefix+"_")
}

// parseKey splits a presented key into its lookup id and validates shape.
func parseKey(credential string) (lookupID string, ok bool) {
	parts := strings.Split(credential, "_")
	if len(parts) != 3 || parts[0] != apiKeyPrefix {
		return "", false
	}
	if len(parts[1]) != 8 || len(parts[2]) != 32 {
		return "", false
	}
	return parts[1], true
}

// Validate authenticates a presented key and enforces its restrictions.
// Checks run in a fixed order after the hash match: revocation, expiry,
// source IP allow-list, then scope. The per-key rate limit is charged last
// so rejected requests never consume quota. Usage accounting records every
// presentation of an identified key, rejected or not.
func (e *APIKeyEngine) Validate(ctx context.Context, credential, sourceIP, requiredScope string) (*APIKey, error) {
	lookupID, ok := parseKey(credential)
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	key, err := e.store.GetAPIKeyByLookupID(ctx, lookupID)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hashKey(credential))) != 1 {
		return nil, ErrInvalidAPIKey
	}

	// The key is identified at this point; account for the attempt even if a
	// restriction rejects it below. The write happens off the request path so
	// a slow store never delays the caller.
	keyID := key.ID
	async.SafeGo(ctx, usageTouchTimeout, "api key usage touch", func(ctx context.Context) error {
		return e.store.TouchAPIKey(ctx, keyID)
	})

	if key.Revoked {
		return nil, ErrKeyRevoked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}
	if !ipAllowed(sourceIP, key.AllowedIPs) {
		return nil, ErrIPNotAllowed
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return nil, ErrInsufficientScope
	}

	if key.RateLimit > 0 {
		allowed, retryAfter, err := e.limiter.Allow(ctx, fmt.Sprintf("apikey:%d", key.ID), key.RateLimit)
		if err != nil {
			e.logger.WithError(err).WithField("key_id", key.ID).Warn("rate limiter unavailable, allowing request")
		}
		if !allowed {
			return nil, &RateLimitedError{RetryAfter: retryAfter}
		}
	}

	return key, nil
}

// ipAllowed checks the source address against the key's allow-list. Entries
// may be bare IPs or CIDR blocks; an empty list allows everything.
func ipAllowed(sourceIP string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// randomToken returns 2n hex characters. Hex keeps the key string free of the
// underscore separator used between its segments.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
