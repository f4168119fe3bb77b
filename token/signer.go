package token

import (
	"crypto/sha256"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLength        = 32
	minSecretLength  = 16
	keyDerivationTag = "attendance-token:"
)

// Signer is an interface for signing and verifying attendance tokens
type Signer interface {
	// Sign creates a signed JWS from claims
	Sign(claims jwt.MapClaims) (string, error)

	// GetVerificationKey returns the key used to check a parsed token's signature
	GetVerificationKey(token *jwt.Token) (any, error)

	// GetSigningMethod returns the JWT signing method used
	GetSigningMethod() jwt.SigningMethod
}

// HMACsigner implements Signer using symmetric HMAC-SHA256
type HMACsigner struct {
	secret []byte
}

// NewHMACSigner creates a new HMAC signer with the given key
func NewHMACSigner(secret []byte) *HMACsigner {
	return &HMACsigner{
		secret: secret,
	}
}

func (h *HMACsigner) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(h.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token with HMAC")
	}
	return signedToken, nil
}

func (h *HMACsigner) GetVerificationKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return h.secret, nil
}

func (h *HMACsigner) GetSigningMethod() jwt.SigningMethod {
	return jwt.SigningMethodHS256
}

// SessionKeys derives one HMAC key per session from a master secret (HKDF-SHA256),
// so a key recovered for one session cannot sign tokens for another.
type SessionKeys struct {
	master []byte
}

func NewSessionKeys(master []byte) (*SessionKeys, error) {
	if len(master) < minSecretLength {
		return nil, errors.Errorf("token secret must be at least %d bytes", minSecretLength)
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &SessionKeys{master: m}, nil
}

// SignerFor returns the signer bound to sessionID.
func (k *SessionKeys) SignerFor(sessionID string) (Signer, error) {
	key := make([]byte, keyLength)
	r := hkdf.New(sha256.New, k.master, nil, []byte(keyDerivationTag+sessionID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "SessionKeys.SignerFor hkdf")
	}
	return NewHMACSigner(key), nil
}
