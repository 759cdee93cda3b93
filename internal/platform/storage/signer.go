package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Signer produces RSA-SHA256 signatures for V4 signed URLs on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ServiceAccountSigner signs with a service account private key held in memory.
type ServiceAccountSigner struct {
	email string
	key   *rsa.PrivateKey
}

var _ Signer = (*ServiceAccountSigner)(nil)

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// NewServiceAccountSigner builds a signer from an email and a PEM private key. A service account
// JSON document is also accepted as key; its client_email is used when email is blank.
func NewServiceAccountSigner(email, key string) (*ServiceAccountSigner, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "{") {
		var doc serviceAccountJSON
		if err := json.Unmarshal([]byte(key), &doc); err != nil {
			return nil, fmt.Errorf("storage: decode service account json: %w", err)
		}
		key = strings.TrimSpace(doc.PrivateKey)
		if strings.TrimSpace(email) == "" {
			email = doc.ClientEmail
		}
	}

	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return nil, errors.New("storage: signer email is required")
	case key == "":
		return nil, errors.New("storage: signer private key is required")
	}

	// env vars usually carry the PEM with escaped newlines
	rsaKey, err := decodeRSAKey(strings.ReplaceAll(key, `\n`, "\n"))
	if err != nil {
		return nil, err
	}
	return &ServiceAccountSigner{email: email, key: rsaKey}, nil
}

// Email reports the GoogleAccessID placed in signed URLs.
func (s *ServiceAccountSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes signs the SHA-256 digest of payload with PKCS#1 v1.5.
func (s *ServiceAccountSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: nothing to sign")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

func decodeRSAKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("storage: private key is not PEM encoded")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: private key is not RSA")
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse RSA private key: %w", err)
	}
	return rsaKey, nil
}
