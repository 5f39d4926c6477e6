package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/aipipe/aipipe/internal"
)

// OIDCVerifier validates issuer-signed OIDC JWTs against the issuer's
// published JWKS. The keyfunc refreshes the key set in the background,
// so key rotation at the issuer needs no restart.
type OIDCVerifier struct {
	keys keyfunc.Keyfunc
}

// NewOIDCVerifier fetches the JWKS from jwksURL and returns a verifier.
func NewOIDCVerifier(ctx context.Context, jwksURL string) (*OIDCVerifier, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load jwks %s: %w", jwksURL, err)
	}
	return &OIDCVerifier{keys: k}, nil
}

// Verify checks the credential's signature and the email_verified claim.
// Only RS256 is accepted; Google signs ID tokens with RSA keys.
func (v *OIDCVerifier) Verify(_ context.Context, credential string) (string, map[string]string, error) {
	parsed, err := jwt.Parse(credential, v.keys.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !parsed.Valid {
		return "", nil, gateway.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, gateway.ErrUnauthorized
	}
	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	if email == "" || !verified {
		return "", nil, gateway.ErrUnauthorized
	}

	profile := map[string]string{}
	if name, _ := claims["name"].(string); name != "" {
		profile["name"] = name
	}
	if pic, _ := claims["picture"].(string); pic != "" {
		profile["picture"] = pic
	}
	return email, profile, nil
}
