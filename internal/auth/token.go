// ABOUTME: Credential validators: HS256 JWTs with a scope claim, and bcrypt-hashed static tokens
// ABOUTME: Both resolve a bearer credential into an Identity

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Credential errors
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
	ErrMissingCredential = errors.New("missing credential")
)

// MinSecretLength is the shortest accepted JWT signing secret.
const MinSecretLength = 32

// Validator resolves a bearer credential into an identity.
type Validator interface {
	Validate(ctx context.Context, credential string) (*Identity, error)
}

// JWTValidator accepts HS256 JWTs carrying "sub" and a space separated
// "scope" claim.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the given secret.
func NewJWTValidator(secret []byte) (*JWTValidator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return &JWTValidator{secret: secret}, nil
}

// Validate parses and verifies the token.
func (v *JWTValidator) Validate(_ context.Context, credential string) (*Identity, error) {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidCredential)
	}
	scope, _ := claims["scope"].(string)
	return &Identity{Subject: sub, Scopes: strings.Fields(scope)}, nil
}

// Generate signs a token for subject with the given scopes.
func (v *JWTValidator) Generate(subject string, scopes []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// StaticToken is a configured long-lived credential stored as a bcrypt hash.
type StaticToken struct {
	Subject string
	Hash    string
	Scopes  []string
}

// StaticValidator matches credentials against bcrypt hashes.
type StaticValidator struct {
	tokens []StaticToken
}

// NewStaticValidator creates a validator over tokens. Hashes are checked
// for well-formedness up front.
func NewStaticValidator(tokens []StaticToken) (*StaticValidator, error) {
	for _, t := range tokens {
		if t.Subject == "" {
			return nil, errors.New("static token: subject is required")
		}
		if _, err := bcrypt.Cost([]byte(t.Hash)); err != nil {
			return nil, fmt.Errorf("static token %q: %w", t.Subject, err)
		}
	}
	return &StaticValidator{tokens: tokens}, nil
}

// Validate compares credential against every configured hash.
func (v *StaticValidator) Validate(_ context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	for _, t := range v.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(credential)) == nil {
			return &Identity{Subject: t.Subject, Scopes: t.Scopes}, nil
		}
	}
	return nil, ErrInvalidCredential
}

// HashToken returns the bcrypt hash to store for a static token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingCredential
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Chain tries validators in order and returns the first identity. JWTs are
// recognized by shape so a malformed JWT is not checked against every hash.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	looksJWT := strings.Count(credential, ".") == 2
	err := ErrInvalidCredential
	for _, v := range c {
		if _, isJWT := v.(*JWTValidator); isJWT != looksJWT {
			continue
		}
		id, verr := v.Validate(ctx, credential)
		if verr == nil {
			return id, nil
		}
		if errors.Is(verr, ErrExpiredCredential) {
			err = verr
		}
	}
	return nil, err
}

