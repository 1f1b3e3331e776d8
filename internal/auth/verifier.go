package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated indicates the presented token could not be verified.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrMissingSigningSecret indicates the verifier was built without a secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	// ErrMissingIssuer indicates the verifier was built without an issuer.
	ErrMissingIssuer = errors.New("auth: issuer required")
)

// Identity is the verified principal bound to a connection for its lifetime.
type Identity struct {
	UserID      string
	DisplayName string
}

// accessClaims mirrors the JWT payload emitted by the identity service.
type accessClaims struct {
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenVerifierConfig describes how to validate identity-service JWTs.
type TokenVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenVerifier validates HS256 JWTs issued by the external identity service.
type TokenVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Verify validates the supplied token string and returns the bound identity.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrUnauthenticated, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: subject required", ErrUnauthenticated)
	}

	displayName := strings.TrimSpace(claims.DisplayName)
	if displayName == "" {
		displayName = claims.Subject
	}
	return Identity{UserID: claims.Subject, DisplayName: displayName}, nil
}
