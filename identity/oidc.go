package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OIDCVerifier accepts ID tokens issued by the campus OpenID Connect provider.
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	roleClaim string
}

// NewOIDCVerifier discovers the provider at issuer.
func NewOIDCVerifier(ctx context.Context, issuer, clientID, roleClaim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "oidc.NewProvider %s", issuer)
	}
	return NewOIDCVerifierFrom(provider.Verifier(&oidc.Config{ClientID: clientID}), roleClaim), nil
}

func NewOIDCVerifierFrom(verifier *oidc.IDTokenVerifier, roleClaim string) *OIDCVerifier {
	if roleClaim == "" {
		roleClaim = "role"
	}
	return &OIDCVerifier{verifier: verifier, roleClaim: roleClaim}
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		log.Debug().Err(err).Msg("ID token rejected")
		return nil, apperrors.ErrUnauthenticated
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apperrors.ErrUnauthenticated
	}

	role, ok := roleFromClaim(claims[v.roleClaim])
	if !ok || idToken.Subject == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	return &Principal{ID: idToken.Subject, Role: role}, nil
}

// roleFromClaim accepts a single role or a list, preferring instructor.
func roleFromClaim(v interface{}) (Role, bool) {
	switch c := v.(type) {
	case string:
		return ParseRole(c)
	case []interface{}:
		found := Role("")
		for _, item := range c {
			role, ok := ParseRole(fmt.Sprint(item))
			if !ok {
				continue
			}
			if role == RoleInstructor {
				return role, true
			}
			found = role
		}
		return found, found != ""
	}
	return "", false
}
