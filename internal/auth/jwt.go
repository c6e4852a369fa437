package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"realtime-ws-server/internal/session"
)

// Verification error kinds. The upgrade handler treats all three as
// 401; they are distinguished for logs and tests.
var (
	ErrTokenMalformed   = errors.New("auth: malformed token")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrInvalidSignature = errors.New("auth: invalid token signature")
)

// Claims carries the identity attested by the issuing service.
// Sub shadows the registered "sub" claim with a parsed UUID; expiry
// validation rides on the embedded RegisteredClaims.
type Claims struct {
	Sub   uuid.UUID `json:"sub"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a shared symmetric secret.
// Pure function of (token, secret, current time); no network calls.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates signature and expiry and returns the identity
// snapshot to attach at registration.
func (v *Verifier) Verify(tokenString string) (session.Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return session.Identity{}, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return session.Identity{}, ErrTokenMalformed
	}

	var expiresAt int64
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Unix()
	}
	return session.Identity{
		Subject:   claims.Sub,
		Name:      claims.Name,
		Email:     claims.Email,
		ExpiresAt: expiresAt,
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
}

// Sign issues a token for the given identity. Used by tests and local
// tooling; the production issuer lives in the auth service.
func (v *Verifier) Sign(sub uuid.UUID, name, email string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Sub:   sub,
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
