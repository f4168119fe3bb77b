package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Claims carried by bearer tokens from the campus login service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// HMACVerifier accepts HS256 bearer tokens signed with a shared secret.
type HMACVerifier struct {
	secret  []byte
	nowFunc func() time.Time
}

type HMACOption func(*HMACVerifier)

// WithClock sets the time used for expiry checks and issuing (primarily for testing)
func WithClock(now func() time.Time) HMACOption {
	return func(v *HMACVerifier) {
		v.nowFunc = now
	}
}

func NewHMACVerifier(secret []byte, options ...HMACOption) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity secret is required")
	}
	v := &HMACVerifier{secret: secret, nowFunc: time.Now}
	for _, opt := range options {
		opt(v)
	}
	return v, nil
}

func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.nowFunc),
	)
	if err != nil || !parsed.Valid {
		log.Debug().Err(err).Msg("Bearer token rejected")
		return nil, apperrors.ErrUnauthenticated
	}

	role, ok := ParseRole(claims.Role)
	if !ok || claims.Subject == "" {
		return nil, apperrors.ErrUnauthenticated
	}
	return &Principal{ID: claims.Subject, Role: role}, nil
}

// Issue signs a bearer token for p. Used by development tooling and tests;
// production tokens come from the campus login service.
func (v *HMACVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.nowFunc()
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "HMACVerifier.Issue")
	}
	return signed, nil
}
