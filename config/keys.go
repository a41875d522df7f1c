package config

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synqronlabs/raven-dkim/dkim"
)

var (
	ErrInvalidPEM       = errors.New("config: invalid PEM block")
	ErrUnsupportedKey   = errors.New("config: unsupported private key type")
	ErrUnknownAlgorithm = errors.New("config: unknown key algorithm")
)

// Key algorithms accepted by GenerateKey.
const (
	KeyRSA2048 = "rsa2048"
	KeyRSA4096 = "rsa4096"
	KeyEd25519 = "ed25519"
)

// LoadPrivateKey reads a PEM encoded signing key from path.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	pemBlob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(pemBlob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// ParsePrivateKey decodes a PKCS #8 or PKCS #1 PEM private key. Only RSA
// and Ed25519 keys can sign DKIM messages.
func ParsePrivateKey(pemBlob []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return nil, fmt.Errorf("%w: ECDSA", ErrUnsupportedKey)
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
	}
	if err != nil {
		return nil, err
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return nil, fmt.Errorf("%w: ECDSA", ErrUnsupportedKey)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// GenerateKey creates a new signing key. algo is one of KeyRSA2048,
// KeyRSA4096 or KeyEd25519.
func GenerateKey(algo string) (crypto.Signer, error) {
	switch algo {
	case KeyRSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case KeyRSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	case KeyEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algo)
	}
}

// MarshalPrivateKey encodes key as a PKCS #8 PEM block.
func MarshalPrivateKey(key crypto.Signer) ([]byte, error) {
	keyBlob, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBlob,
	}), nil
}

// DNSRecord returns the TXT record value publishing the public half of key.
func DNSRecord(key crypto.Signer) (string, error) {
	rec, err := dkim.NewRecord(key.Public())
	if err != nil {
		return "", err
	}
	return rec.ToTXT()
}

// WriteKey stores key at keyPath with 0600 permissions and its DNS record
// next to it at keyPath + ".dns". Existing key files are never overwritten.
// The record value is returned.
func WriteKey(keyPath string, key crypto.Signer) (string, error) {
	wrapErr := func(err error) error {
		return fmt.Errorf("config: write %s: %w", keyPath, err)
	}

	keyPEM, err := MarshalPrivateKey(key)
	if err != nil {
		return "", wrapErr(err)
	}
	record, err := DNSRecord(key)
	if err != nil {
		return "", wrapErr(err)
	}

	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", wrapErr(err)
		}
	}

	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", wrapErr(err)
	}
	if _, err := f.Write(keyPEM); err != nil {
		f.Close()
		return "", wrapErr(err)
	}
	if err := f.Close(); err != nil {
		return "", wrapErr(err)
	}

	if err := os.WriteFile(keyPath+".dns", []byte(record+"\n"), 0o644); err != nil {
		return "", wrapErr(err)
	}
	return record, nil
}
