package security

import (
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
	ErrSigningKeyUnavailable = errors.New("signing key not available")
	ErrKeyNotFound           = errors.New("key not found")
)

// KeyProvider defines the interface for providing cryptographic keys.
type KeyProvider interface {
	GetSigningKey() (*rsa.PrivateKey, error)
	GetVerificationKey(kid string) (*rsa.PublicKey, error)
}

// DirKeyProvider loads PEM keys from a directory. The file name without extension is the kid.
// Private keys are only honoured when signing is allowed (development).
type DirKeyProvider struct {
	keys       map[string]*rsa.PublicKey
	signingKey *rsa.PrivateKey
}

// NewDirKeyProvider reads every PEM file in keyDir.
func NewDirKeyProvider(keyDir string, allowSigning bool) (*DirKeyProvider, error) {
	files, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	provider := &DirKeyProvider{keys: make(map[string]*rsa.PublicKey)}
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		path := filepath.Join(keyDir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}

		kid := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		private, public, err := parseRSAKey(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		provider.keys[kid] = public
		if private != nil && allowSigning && provider.signingKey == nil {
			provider.signingKey = private
		}
	}

	if len(provider.keys) == 0 {
		return nil, fmt.Errorf("no keys found in %s", keyDir)
	}
	if allowSigning && provider.signingKey == nil {
		return nil, errors.New("no private key found for signing")
	}

	return provider, nil
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, &key.PublicKey, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, &rsaKey.PublicKey, nil
		}
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return nil, key, nil
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return nil, rsaKey, nil
		}
	}

	return nil, nil, errors.New("unsupported key format")
}

// GetSigningKey returns the private key for signing tokens.
func (p *DirKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) {
	if p.signingKey == nil {
		return nil, ErrSigningKeyUnavailable
	}
	return p.signingKey, nil
}

// GetVerificationKey returns the public key for verifying tokens.
func (p *DirKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	key, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// ListVerificationKeys exposes every loaded public key.
func (p *DirKeyProvider) ListVerificationKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(p.keys))
	for kid, key := range p.keys {
		out[kid] = key
	}
	return out
}

// NewKeyProvider creates a KeyProvider based on the environment.
func NewKeyProvider(env, keyDir string) (KeyProvider, error) {
	switch env {
	case "development", "test":
		return NewDirKeyProvider(keyDir, true)
	case "production", "staging":
		return NewDirKeyProvider(keyDir, false)
	default:
		return nil, fmt.Errorf("unknown environment: %s", env)
	}
}
