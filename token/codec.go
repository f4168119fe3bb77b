package token

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	claimSessionID = "sid"
	claimEpoch     = "epc"
	claimIssuedAt  = "iat_ms"
	claimExpiresAt = "exp_ms"
)

// Token is a signed, time-boxed credential binding a session to a token epoch.
// Value is the string handed to the QR encoder; the other fields are readable copies.
type Token struct {
	SessionID string    `json:"session_id"`
	Epoch     uint64    `json:"epoch"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Value     string    `json:"token"`
}

// Claims are the verified fields of a presented token.
type Claims struct {
	SessionID string
	Epoch     uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec issues and verifies attendance tokens. It is stateless and never
// consults the session registry.
type Codec struct {
	keys *SessionKeys
	skew time.Duration
}

type CodecOption func(*Codec)

// WithClockSkew tolerates issuer/verifier clock differences up to d on both
// the expiry and the issued-at checks.
func WithClockSkew(d time.Duration) CodecOption {
	return func(c *Codec) {
		if d > 0 {
			c.skew = d
		}
	}
}

func NewCodec(secret []byte, options ...CodecOption) (*Codec, error) {
	keys, err := NewSessionKeys(secret)
	if err != nil {
		return nil, errors.Wrap(err, "NewCodec")
	}
	c := &Codec{keys: keys}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// GenerateSecret returns a random hex encoded master secret.
func GenerateSecret() (string, error) {
	b := make([]byte, keyLength)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "GenerateSecret rand.Read")
	}
	return hex.EncodeToString(b), nil
}

// Issue produces a token for (sessionID, epoch) valid in [issuedAt, issuedAt+ttl).
// Times are carried with millisecond precision.
func (c *Codec) Issue(sessionID string, epoch uint64, issuedAt time.Time, ttl time.Duration) (*Token, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("Codec.Issue: session id is required")
	}
	if ttl <= 0 {
		return nil, errors.New("Codec.Issue: ttl must be positive")
	}

	iat := time.UnixMilli(issuedAt.UnixMilli())
	exp := time.UnixMilli(iat.Add(ttl).UnixMilli())

	signer, err := c.keys.SignerFor(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "Codec.Issue")
	}

	value, err := signer.Sign(jwt.MapClaims{
		claimSessionID: sessionID,
		claimEpoch:     epoch,
		claimIssuedAt:  iat.UnixMilli(),
		claimExpiresAt: exp.UnixMilli(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Codec.Issue")
	}

	return &Token{
		SessionID: sessionID,
		Epoch:     epoch,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Value:     value,
	}, nil
}

// Verify checks the signature and time box of raw at now. Every failure is
// reported as ErrInvalidToken; the actual cause is only logged.
func (c *Codec) Verify(raw string, now time.Time) (*Claims, error) {
	claims, err := c.verify(raw, now)
	if err != nil {
		log.Debug().Err(err).Msg("Token verification failed")
		return nil, apperrors.ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) verify(raw string, now time.Time) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty token")
	}

	// The session id selects the derived key, so it has to be read before the
	// signature can be checked.
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, "parse unverified")
	}
	unverifiedClaims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("error extracting claims")
	}
	sessionID, _ := unverifiedClaims[claimSessionID].(string)
	if sessionID == "" {
		return nil, errors.New("token missing session id")
	}

	signer, err := c.keys.SignerFor(sessionID)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signer.GetSigningMethod().Alg()}),
		jwt.WithoutClaimsValidation(),
		jwt.WithJSONNumber(),
	)
	parsed, err := parser.Parse(raw, signer.GetVerificationKey)
	if err != nil {
		return nil, errors.Wrap(err, "signature check")
	}
	if !parsed.Valid {
		return nil, errors.New("signature check failed")
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("error extracting claims from token")
	}

	epoch, err := int64Claim(mapClaims, claimEpoch)
	if err != nil || epoch < 0 {
		return nil, errors.New("token has invalid epoch")
	}
	iat, err := int64Claim(mapClaims, claimIssuedAt)
	if err != nil {
		return nil, err
	}
	exp, err := int64Claim(mapClaims, claimExpiresAt)
	if err != nil {
		return nil, err
	}
	if exp <= iat {
		return nil, errors.New("token expires before it is issued")
	}

	nowMs := now.UnixMilli()
	skew := c.skew.Milliseconds()
	if nowMs >= exp+skew {
		return nil, errors.Errorf("token expired %dms ago", nowMs-exp)
	}
	if iat > nowMs+skew {
		return nil, errors.Errorf("token issued %dms in the future", iat-nowMs)
	}

	return &Claims{
		SessionID: sessionID,
		Epoch:     uint64(epoch),
		IssuedAt:  time.UnixMilli(iat),
		ExpiresAt: time.UnixMilli(exp),
	}, nil
}

func int64Claim(claims jwt.MapClaims, name string) (int64, error) {
	switch v := claims[name].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, errors.Wrapf(err, "claim %s", name)
		}
		return n, nil
	case float64:
		return int64(v), nil
	default:
		return 0, errors.Errorf("claim %s missing or not a number", name)
	}
}
