package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceTokenProvider mints short-lived RS256 service tokens used as bearer
// credentials on outbound calls, for destinations that reject long-lived
// static tokens. Minted tokens are cached until shortly before expiry.
type ServiceTokenProvider struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
	subject    string
	ttl        time.Duration

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewServiceTokenProvider parses a PEM-encoded RSA private key and returns a
// provider minting tokens with the given issuer, audience and subject.
func NewServiceTokenProvider(privateKeyPEM, issuer, audience, subject string, ttl time.Duration) (*ServiceTokenProvider, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try parsing as PKCS8
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %v", err)
		}
		var ok bool
		privateKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &ServiceTokenProvider{
		privateKey: privateKey,
		issuer:     issuer,
		audience:   audience,
		subject:    subject,
		ttl:        ttl,
	}, nil
}

// Token returns a signed service token, reusing the cached one while it has
// at least 30 seconds of life left.
func (p *ServiceTokenProvider) Token(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Until(p.expires) > 30*time.Second {
		return p.cached, nil
	}

	now := time.Now()
	expires := now.Add(p.ttl)
	claims := jwt.MapClaims{
		"iss": p.issuer,
		"aud": p.audience,
		"sub": p.subject,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}

	p.cached = signed
	p.expires = expires
	return signed, nil
}

// StaticTokenProvider returns a fixed token. Useful for tests and for
// destinations using simple shared secrets.
type StaticTokenProvider string

// Token implements the rules.TokenProvider interface.
func (s StaticTokenProvider) Token(_ context.Context) (string, error) {
	return string(s), nil
}
