package config

type IdentityConfig interface {
	GetIdentitySecret() string
	GetOIDCIssuer() string
	GetOIDCClientID() string
	GetOIDCRoleClaim() string
}

type Identity struct{}

var _ IdentityConfig = Identity{}

// GetIdentitySecret is the HS256 secret shared with the campus login service.
func (Identity) GetIdentitySecret() string {
	return GetEnv("IDENTITY_SECRET", "")
}

// GetOIDCIssuer enables OIDC ID token verification when set.
func (Identity) GetOIDCIssuer() string {
	return GetEnv("OIDC_ISSUER", "")
}

func (Identity) GetOIDCClientID() string {
	return GetEnv("OIDC_CLIENT_ID", "")
}

func (Identity) GetOIDCRoleClaim() string {
	return GetEnv("OIDC_ROLE_CLAIM", "role")
}
