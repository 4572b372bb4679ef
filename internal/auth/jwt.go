package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"filedash/internal/db"
)

// Errors returned by TokenService, matching the Error kinds a Token Service
// contract distinguishes: malformed, bad signature, expired, revoked.
var (
	ErrMalformed        = errors.New("token is malformed")
	ErrSignatureInvalid = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token has expired")
	ErrRevoked          = errors.New("token has been revoked")
	ErrSecretTooShort   = errors.New("jwt secret must be at least 32 bytes")
)

// Claims is the JWT payload minted for every issued token.
type Claims struct {
	jwt.RegisteredClaims
	Email string  `json:"email"`
	Role  db.Role `json:"role"`
}

// revocationStore is the subset of *db.DB the token service depends on.
type revocationStore interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	RevokeToken(ctx context.Context, jti, userID string) error
	CreateSession(ctx context.Context, jti, userID string, issuedAt, expiresAt int64) error
}

// TokenService mints and verifies bearer tokens against a process-wide
// signing secret, consulting the revocation table on every verification.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	store  revocationStore
}

// NewTokenService constructs a TokenService. secret must be at least 32
// bytes; ttl defaults to 24 hours when zero.
func NewTokenService(secret []byte, ttl time.Duration, store revocationStore) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: secret, ttl: ttl, store: store}, nil
}

// Issue signs a new token for user and records its session.
func (s *TokenService) Issue(ctx context.Context, u *db.User) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(s.ttl)
	jti := uuid.NewString()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        jti,
		},
		Email: u.Email,
		Role:  u.Role,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	if s.store != nil {
		if err := s.store.CreateSession(ctx, jti, u.ID, now.Unix(), expiry.Unix()); err != nil {
			return "", time.Time{}, err
		}
	}

	return signed, expiry, nil
}

// Verify parses and validates a token string: signature, then expiry, then
// revocation, short-circuiting on the first failure. No clock-skew leniency
// is applied past exp.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformed
		}
	}

	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		return nil, ErrExpired
	}

	if s.store != nil {
		revoked, err := s.store.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrRevoked
		}
	}

	return claims, nil
}

// Revoke idempotently inserts a revocation record for jti.
func (s *TokenService) Revoke(ctx context.Context, jti, userID string) error {
	if s.store == nil {
		return nil
	}
	return s.store.RevokeToken(ctx, jti, userID)
}
