package identity

import (
	"context"
	"strings"

	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
)

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// ParseRole maps a claim value onto a known role.
func ParseRole(v string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleInstructor:
		return RoleInstructor, true
	case RoleStudent:
		return RoleStudent, true
	}
	return "", false
}

// Principal is the authenticated caller, as asserted by the campus identity provider.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (p *Principal) IsInstructor() bool {
	return p != nil && p.Role == RoleInstructor
}

func (p *Principal) IsStudent() bool {
	return p != nil && p.Role == RoleStudent
}

// Verifier turns a bearer credential into a Principal.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	for _, v := range c {
		if p, err := v.Verify(ctx, rawToken); err == nil {
			return p, nil
		}
	}
	return nil, apperrors.ErrUnauthenticated
}

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
