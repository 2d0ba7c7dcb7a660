// Package session issues and verifies the signed session credentials that
// represent an authenticated user between requests.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/supportchat/authgate/internal/identity"
)

// DefaultTTL applies when a caller passes a non-positive lifetime.
const DefaultTTL = 24 * time.Hour

// Verification failures. Deliberately coarse: callers must not be able to
// distinguish an expired session from a forged one in any user-visible
// way, so all three map to the same outward behavior.
var (
	ErrMalformed        = errors.New("session token malformed")
	ErrInvalidSignature = errors.New("session token signature invalid")
	ErrExpired          = errors.New("session token expired")
)

// Credential describes an issued session.
type Credential struct {
	SessionID string                 `json:"sessionId"`
	User      *identity.UserIdentity `json:"user"`
	IssuedAt  time.Time              `json:"issuedAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Claims is the JWT payload for a session.
type Claims struct {
	User *identity.UserIdentity `json:"user"`
	jwt.RegisteredClaims
}

// Issuer creates and verifies session tokens with HMAC-SHA256. Its key
// list supports rotation: keys[0] signs, every entry verifies, so sessions
// signed before a rotation stay valid until they expire.
type Issuer struct {
	keys [][]byte
	ttl  time.Duration

	now func() time.Time
}

// NewIssuer builds an issuer from the ordered secret list. ttl <= 0 falls
// back to DefaultTTL.
func NewIssuer(secrets []string, ttl time.Duration) (*Issuer, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("at least one signing secret is required")
	}
	keys := make([][]byte, len(secrets))
	for i, s := range secrets {
		if s == "" {
			return nil, fmt.Errorf("signing secret %d is empty", i)
		}
		keys[i] = []byte(s)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{keys: keys, ttl: ttl, now: time.Now}, nil
}

// TTL returns the configured session lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue creates a fresh session for user. Every call produces a distinct
// session ID regardless of the subject, so two logins by the same user
// yield unrelated credentials.
func (i *Issuer) Issue(user *identity.UserIdentity) (*Credential, string, error) {
	if user == nil {
		return nil, "", fmt.Errorf("cannot issue a session for a nil identity")
	}

	now := i.now()
	cred := &Credential{
		SessionID: uuid.NewString(),
		User:      user,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}

	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.SessionID,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.keys[0])
	if err != nil {
		return nil, "", fmt.Errorf("sign session token: %w", err)
	}
	return cred, signed, nil
}

// Verify checks a token against every key in rotation order and returns
// the embedded credential. The signing method allow-list rejects "none"
// and any non-HMAC algorithm outright.
func (i *Issuer) Verify(token string) (*Credential, error) {
	var lastErr error
	for _, key := range i.keys {
		cred, err := i.verifyWithKey(token, key)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		// Only a signature mismatch warrants trying the next key;
		// malformed or expired tokens fail the same way under every key.
		if !errors.Is(err, ErrInvalidSignature) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (i *Issuer) verifyWithKey(token string, key []byte) (*Credential, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}
	if !parsed.Valid || claims.User == nil || claims.ID == "" ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}

	return &Credential{
		SessionID: claims.ID,
		User:      claims.User,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GenerateSecret produces a random signing secret. Sessions signed with a
// generated secret do not survive a restart; development convenience only.
func GenerateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithClock replaces the issuer's time source. Test hook.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}
