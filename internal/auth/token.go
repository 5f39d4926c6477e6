// Package auth implements the AIPipe token service: minting and verifying
// HS256 identity tokens with salt-based revocation, and exchanging
// third-party OIDC credentials for identity tokens.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/aipipe/aipipe/internal"
)

var hs256Only = jwt.WithValidMethods([]string{"HS256"})

// CredentialVerifier validates an externally-issued OIDC credential and
// returns the verified email plus profile claims (name, picture).
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (email string, profile map[string]string, err error)
}

// TokenResponse is returned by the credential exchange: the minted token
// plus the profile fields the login page displays.
type TokenResponse struct {
	Token   string `json:"token"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Service mints and verifies identity tokens. Tokens carry no expiry;
// revocation is effected by rotating the per-email salt, which invalidates
// all previously minted tokens for that email.
type Service struct {
	secret []byte
	salts  map[string]string
	admins map[string]struct{}
	creds  CredentialVerifier
}

// New creates a Service. salts and admins are read-only after start;
// creds may be nil when the credential exchange endpoint is not used.
func New(secret string, salts map[string]string, admins []string, creds CredentialVerifier) *Service {
	adminSet := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		adminSet[a] = struct{}{}
	}
	return &Service{
		secret: []byte(secret),
		salts:  salts,
		admins: adminSet,
		creds:  creds,
	}
}

// Mint signs an identity token for email. The salt claim is included only
// when the salt map has an entry for the email, so rotating a salt in
// config is enough to orphan older tokens.
func (s *Service) Mint(email string) (string, error) {
	claims := jwt.MapClaims{"email": email}
	if salt, ok := s.salts[email]; ok {
		claims["salt"] = salt
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return tok, nil
}

// Verify checks an identity token's signature and salt, returning the
// caller identity. ErrUnauthorized means the signature is bad;
// ErrRevoked means the token predates a salt rotation.
func (s *Service) Verify(token string) (*gateway.Identity, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, hs256Only)
	if err != nil || !parsed.Valid {
		return nil, gateway.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gateway.ErrUnauthorized
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, gateway.ErrUnauthorized
	}

	if want, ok := s.salts[email]; ok {
		got, _ := claims["salt"].(string)
		if got != want {
			return nil, gateway.ErrRevoked
		}
	}
	return &gateway.Identity{Email: email}, nil
}

// IsAdmin reports whether email is in the admin set.
func (s *Service) IsAdmin(email string) bool {
	_, ok := s.admins[email]
	return ok
}

// MintFromCredential verifies a third-party OIDC credential and mints an
// identity token for its verified email.
func (s *Service) MintFromCredential(ctx context.Context, credential string) (*TokenResponse, error) {
	if s.creds == nil {
		return nil, errors.New("credential verification is not configured")
	}
	email, profile, err := s.creds.Verify(ctx, credential)
	if err != nil {
		return nil, err
	}
	tok, err := s.Mint(email)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		Token:   tok,
		Email:   email,
		Name:    profile["name"],
		Picture: profile["picture"],
	}, nil
}
