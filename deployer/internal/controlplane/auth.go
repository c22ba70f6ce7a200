package controlplane

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 5 * time.Minute

// UnescapeKey turns literal "\n" sequences into newlines. Keys provisioned
// through single-line environment variables arrive escaped.
func UnescapeKey(raw string) string {
	return strings.ReplaceAll(raw, `\n`, "\n")
}

// KeySigner mints short-lived ES256 bearer tokens from a tenant API key.
type KeySigner struct {
	key    *ecdsa.PrivateKey
	keyID  string
	issuer string
	now    func() time.Time
}

// NewKeySigner parses a PEM encoded EC private key.
func NewKeySigner(pemKey, keyID, tenant string) (*KeySigner, error) {
	if strings.TrimSpace(pemKey) == "" {
		return nil, fmt.Errorf("api key required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(UnescapeKey(pemKey)))
	if err != nil {
		return nil, fmt.Errorf("parse api key: %w", err)
	}
	return &KeySigner{key: key, keyID: keyID, issuer: tenant, now: time.Now}, nil
}

func (s *KeySigner) Token() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.keyID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign control plane token: %w", err)
	}
	return signed, nil
}

// PublicKey exposes the verification key, mostly for tests and key registration.
func (s *KeySigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}
