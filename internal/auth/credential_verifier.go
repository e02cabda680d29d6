package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("credential verifier: signing secret required")
	ErrMissingIssuer        = errors.New("credential verifier: issuer required")
	ErrMissingCredential    = errors.New("credential verifier: credential required")
	ErrInvalidCredential    = errors.New("credential verifier: invalid credential")
	ErrExpiredCredential    = errors.New("credential verifier: credential expired")
	ErrMissingSubject       = errors.New("credential verifier: subject required")
)

// Claims mirrors the JWT payload minted by the authentication service.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// CredentialVerifierConfig describes how bearer credentials are validated.
type CredentialVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// CredentialVerifier validates HS256 bearer credentials attached to inbound
// events. It never mutates state; session teardown on failure is owned by the
// gateway.
type CredentialVerifier struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewCredentialVerifier constructs a verifier with the provided configuration.
func NewCredentialVerifier(cfg CredentialVerifierConfig) (*CredentialVerifier, error) {
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
	return &CredentialVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		clock:         clock,
	}, nil
}

// VerifyCredential validates the supplied token string and returns the parsed
// claims. Missing, malformed, and expired credentials map to distinct
// sentinel errors.
func (v *CredentialVerifier) VerifyCredential(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingCredential
	}

	claims := &Claims{}
	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCredential, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredCredential
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidCredential
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}
