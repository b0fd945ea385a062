package utils // package utils provides helpers for token issuance and password hashing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is wrapped by every verification failure: malformed,
// expired, signed with another secret or algorithm, or of the wrong type.
var ErrInvalidToken = errors.New("invalid token")

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenType separates the two token classes inside the claims. The signing
// secrets already separate them; the claim guards against a deployment that
// configured the same secret twice.
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Claims is the payload of both token classes. UserID is duplicated in sub
// so standard tooling can read it.
type Claims struct {
	UserID string    `json:"userId"`
	Type   TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// IssuedToken is a signed token with its id (jti) and expiry.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies access and refresh tokens with independent
// HS256 secrets and lifetimes. It holds no per-token state.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

type IssuerOption func(*TokenIssuer)

// WithTTLs overrides the access and refresh lifetimes. Non-positive values
// keep the defaults.
func WithTTLs(access, refresh time.Duration) IssuerOption {
	return func(i *TokenIssuer) {
		if access > 0 {
			i.accessTTL = access
		}
		if refresh > 0 {
			i.refreshTTL = refresh
		}
	}
}

// WithClock replaces time.Now for both issuance and verification.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) { i.now = now }
}

func NewTokenIssuer(accessSecret, refreshSecret string, opts ...IssuerOption) *TokenIssuer {
	i := &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		now:           time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// AccessTTL is the lifetime of access tokens; session expiry is derived from it.
func (i *TokenIssuer) AccessTTL() time.Duration { return i.accessTTL }

// Now returns the issuer's current time.
func (i *TokenIssuer) Now() time.Time { return i.now().UTC() }

func (i *TokenIssuer) IssueAccessToken(userID string) (IssuedToken, error) {
	return i.issue(userID, AccessTokenType, i.accessSecret, i.accessTTL)
}

func (i *TokenIssuer) IssueRefreshToken(userID string) (IssuedToken, error) {
	return i.issue(userID, RefreshTokenType, i.refreshSecret, i.refreshTTL)
}

func (i *TokenIssuer) VerifyAccessToken(raw string) (Claims, error) {
	return i.verify(raw, AccessTokenType, i.accessSecret)
}

func (i *TokenIssuer) VerifyRefreshToken(raw string) (Claims, error) {
	return i.verify(raw, RefreshTokenType, i.refreshSecret)
}

func (i *TokenIssuer) issue(userID string, typ TokenType, secret []byte, ttl time.Duration) (IssuedToken, error) {
	if userID == "" {
		return IssuedToken{}, errors.New("issue token: empty user id")
	}
	now := i.Now()
	exp := now.Add(ttl)
	id := uuid.NewString()

	claims := Claims{
		UserID: userID,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return IssuedToken{Token: signed, ID: id, ExpiresAt: exp}, nil
}

func (i *TokenIssuer) verify(raw string, typ TokenType, secret []byte) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Type != typ {
		return Claims{}, fmt.Errorf("%w: want %s token, got %q", ErrInvalidToken, typ, claims.Type)
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	return claims, nil
}
