package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the "iss" claim on minted tokens. Verification does not require it.
const Issuer = "aero-call-mailbox"

// Claims identifies a mailbox user. The identity travels in "sub".
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	claims, err := v.Claims(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Claims verifies an HS256 token and returns its claims. exp and sub are
// required.
func (v *JWTVerifier) Claims(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingCredentials
	}
	if len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.Subject == "" || !validIdentity(claims.Subject) {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidCredentials)
	}
	return claims, nil
}

// IssueToken mints a token for identity valid for ttl from now.
func IssueToken(secret, identity, name string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if identity == "" || !validIdentity(identity) {
		return "", fmt.Errorf("invalid identity %q", identity)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be > 0")
	}
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
