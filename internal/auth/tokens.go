package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/argus-siem/argus/internal/store"
)

var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenRevoked   = errors.New("auth: token revoked")
)

// Claims is the verified identity extracted from a bearer token. For user
// tokens Subject is the email and UserID is set; for device tokens Subject
// is the device ID and Role is RoleDevice.
type Claims struct {
	Subject string
	Role    string
	UserID  int64
}

type tokenClaims struct {
	Role   string `json:"role"`
	UserID int64  `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 bearer tokens.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner builds a signer with the shared HMAC secret and the user
// token TTL.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

// SignUser issues a dashboard token with the configured expiry.
func (t *TokenSigner) SignUser(u *store.User) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Role:   u.Role,
		UserID: u.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// SignDevice issues the long-lived agent credential. Device tokens carry no
// expiry: they live until the device is disabled.
func (t *TokenSigner) SignDevice(deviceID string) (string, error) {
	claims := tokenClaims{
		Role: store.RoleDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  deviceID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a bearer token.
func (t *TokenSigner) Verify(raw string) (*Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrTokenMalformed
	}
	return &Claims{Subject: claims.Subject, Role: claims.Role, UserID: claims.UserID}, nil
}
