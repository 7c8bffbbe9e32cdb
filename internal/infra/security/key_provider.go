package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrSigningKeyUnavailable = errors.New("no signing key configured")
	ErrKeyNotFound           = errors.New("key not found")
)

// KeyProvider supplies the RSA keys used for internal access tokens.
type KeyProvider interface {
	SigningKeyID() string
	GetSigningKey() (*rsa.PrivateKey, error)
	GetVerificationKey(kid string) (*rsa.PublicKey, error)
}

// DevKeyProvider loads PEM keys from a directory. The file name without extension is the kid;
// the first private key found (in directory order) signs.
type DevKeyProvider struct {
	keys       map[string]*rsa.PublicKey
	signingKID string
	signingKey *rsa.PrivateKey
}

// NewDevKeyProvider creates a new DevKeyProvider.
func NewDevKeyProvider(keyDir string) (*DevKeyProvider, error) {
	files, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	provider := &DevKeyProvider{
		keys: make(map[string]*rsa.PublicKey),
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		path := filepath.Join(keyDir, file.Name())
		keyData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}

		// Try to parse as private key first
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block from %s", path)
		}

		kid := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		if private := parsePrivateKey(block.Bytes); private != nil {
			if provider.signingKey == nil {
				provider.signingKey = private
				provider.signingKID = kid
			}
			provider.keys[kid] = &private.PublicKey
			continue
		}
		if public := parsePublicKey(block.Bytes); public != nil {
			provider.keys[kid] = public
			continue
		}

		return nil, fmt.Errorf("failed to parse key from file %s", path)
	}

	if provider.signingKey == nil {
		return nil, errors.New("no private key found for signing")
	}

	return provider, nil
}

func parsePrivateKey(der []byte) *rsa.PrivateKey {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey
		}
	}
	return nil
}

func parsePublicKey(der []byte) *rsa.PublicKey {
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key
	}
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey
		}
	}
	return nil
}

// SigningKeyID returns the kid of the signing key.
func (p *DevKeyProvider) SigningKeyID() string { return p.signingKID }

// ListVerificationKeys exposes every loaded public key for JWKS publication.
func (p *DevKeyProvider) ListVerificationKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(p.keys))
	for kid, key := range p.keys {
		out[kid] = key
	}
	return out
}

// GetSigningKey returns the private key for signing tokens.
func (p *DevKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) {
	return p.signingKey, nil
}

// GetVerificationKey returns the public key for verifying tokens.
func (p *DevKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	key, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// EphemeralKeyProvider holds a freshly generated in-memory key. Tokens it signs do not
// survive a restart, so it is only selected outside production.
type EphemeralKeyProvider struct {
	kid string
	key *rsa.PrivateKey
}

// NewEphemeralKeyProvider generates a 2048-bit RSA key identified by kid.
func NewEphemeralKeyProvider(kid string) (*EphemeralKeyProvider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	if strings.TrimSpace(kid) == "" {
		kid = "ephemeral"
	}
	return &EphemeralKeyProvider{kid: kid, key: key}, nil
}

// SigningKeyID returns the kid of the generated key.
func (p *EphemeralKeyProvider) SigningKeyID() string { return p.kid }

// GetSigningKey returns the generated key.
func (p *EphemeralKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) { return p.key, nil }

// GetVerificationKey returns the public half of the generated key.
func (p *EphemeralKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	if kid != p.kid {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return &p.key.PublicKey, nil
}

// ListVerificationKeys exposes the key for JWKS publication.
func (p *EphemeralKeyProvider) ListVerificationKeys() map[string]*rsa.PublicKey {
	return map[string]*rsa.PublicKey{p.kid: &p.key.PublicKey}
}

// NewKeyProvider selects a key source. A key directory always wins; without one, production
// refuses to start and other environments fall back to an ephemeral key.
func NewKeyProvider(env, keyDir string) (KeyProvider, error) {
	if strings.TrimSpace(keyDir) != "" {
		if _, err := os.Stat(keyDir); err == nil {
			return NewDevKeyProvider(keyDir)
		}
	}
	if env == "production" {
		return nil, ErrSigningKeyUnavailable
	}
	return NewEphemeralKeyProvider("dev")
}
