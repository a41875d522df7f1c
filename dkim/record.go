package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
)

// Record represents a DKIM DNS TXT record (RFC 6376 Section 3.6.1).
// The record is retrieved from <selector>._domainkey.<domain>.
type Record struct {
	// Version is the record version, must be "DKIM1".
	Version string

	// Hashes is the list of acceptable hash algorithms (e.g., "sha256").
	// Empty means all algorithms are acceptable.
	Hashes []string

	// Key is the key type: "rsa" (default) or "ed25519".
	Key string

	// Notes contains optional human-readable notes.
	Notes string

	// Pubkey is the raw public key data (base64-decoded).
	// Empty means the key has been revoked.
	Pubkey []byte

	// Services lists acceptable service types.
	// Empty or containing "*" means all services.
	Services []string

	// Flags contains key flags:
	//   "y" - Domain is testing DKIM
	//   "s" - i= domain must exactly match d= domain
	Flags []string

	// PublicKey is the parsed public key.
	// This is *rsa.PublicKey or ed25519.PublicKey.
	PublicKey crypto.PublicKey
}

// NewRecord returns the record publishing pub.
func NewRecord(pub crypto.PublicKey) (*Record, error) {
	r := &Record{Version: "DKIM1", PublicKey: pub}
	switch pub.(type) {
	case *rsa.PublicKey:
		r.Key = "rsa"
	case ed25519.PublicKey:
		r.Key = "ed25519"
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
	pk, err := marshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	r.Pubkey = pk
	return r, nil
}

// ServiceAllowed returns true if the given service is allowed by this key.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == "*" || strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

func (r *Record) hasFlag(flag string) bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool { return strings.EqualFold(f, flag) })
}

// IsTesting returns true if the key is marked for testing (t=y).
func (r *Record) IsTesting() bool {
	return r.hasFlag("y")
}

// RequireStrictAlignment returns true if strict alignment is required (t=s).
func (r *Record) RequireStrictAlignment() bool {
	return r.hasFlag("s")
}

// HashAllowed returns true if the given hash algorithm is allowed.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Hashes, func(h string) bool { return strings.EqualFold(h, hash) })
}

// ToTXT generates a DNS TXT record string from this Record.
func (r *Record) ToTXT() (string, error) {
	var parts []string

	if r.Version != "DKIM1" {
		return "", fmt.Errorf("%w: invalid version %q", ErrSyntax, r.Version)
	}
	parts = append(parts, "v=DKIM1")

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}

	// Key type (optional, default is "rsa")
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}

	if r.Notes != "" {
		parts = append(parts, "n="+encodeQPSection(r.Notes))
	}

	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}

	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	// Public key (required, empty means revoked)
	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		pk, err = marshalPublicKey(r.PublicKey)
		if err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

// marshalPublicKey converts a public key to bytes for the p= tag.
func marshalPublicKey(key crypto.PublicKey) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// encodeQPSection encodes a string for use in DKIM record notes.
func encodeQPSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		if c > ' ' && c < 0x7f && c != '=' && c != ';' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// looksLikeDKIM guesses whether a TXT string that failed to parse was meant
// as a DKIM key record rather than some unrelated TXT data.
func looksLikeDKIM(txt string) bool {
	t := strings.TrimSpace(txt)
	return strings.HasPrefix(t, "v=DKIM1") || strings.Contains(t, "p=") || strings.Contains(t, "k=")
}

// ParseRecord parses a DKIM DNS TXT record.
// It returns the parsed record and a boolean indicating whether the text is a
// DKIM record at all; unrelated TXT data yields false and an error.
//
// A record with an empty p= is returned together with ErrKeyRevoked. Errors
// otherwise wrap ErrSyntax or ErrUnsupportedKeyType.
func ParseRecord(txt string) (*Record, bool, error) {
	tags, err := parseTagList(txt)
	if err != nil {
		return nil, looksLikeDKIM(txt), fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	for i, t := range tags {
		switch t.name {
		case "v":
			if t.value != "DKIM1" {
				return nil, false, fmt.Errorf("%w: not a DKIM1 record", ErrSyntax)
			}
			if i != 0 {
				return nil, true, fmt.Errorf("%w: v= must be the first tag", ErrSyntax)
			}

		case "h":
			if record.Hashes, err = splitList(t.value, ":"); err != nil {
				return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
			}

		case "k":
			record.Key = strings.ToLower(t.value)

		case "n":
			record.Notes = decodeQPSection(t.value)

		case "p":
			if t.value != "" {
				if record.Pubkey, err = decodeBase64(t.value); err != nil {
					return nil, true, fmt.Errorf("%w: public key: %v", ErrSyntax, err)
				}
			}

		case "s":
			if record.Services, err = splitList(t.value, ":"); err != nil {
				return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
			}

		case "t":
			if record.Flags, err = splitList(t.value, ":"); err != nil {
				return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
			}
		}
	}

	// Public key is required (but can be empty for revoked keys)
	if _, ok := tags.get("p"); !ok {
		if _, hasV := tags.get("v"); !hasV {
			return nil, false, fmt.Errorf("%w: not a DKIM record", ErrSyntax)
		}
		return nil, true, fmt.Errorf("%w: missing public key (p=)", ErrSyntax)
	}

	if record.Key != "rsa" && record.Key != "ed25519" {
		return nil, true, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, record.Key)
	}

	if len(record.Pubkey) == 0 {
		return record, true, ErrKeyRevoked
	}

	pk, err := parsePublicKey(record.Key, record.Pubkey)
	if err != nil {
		return nil, true, err
	}
	record.PublicKey = pk
	return record, true, nil
}

// parsePublicKey parses a public key based on the key type.
func parsePublicKey(keyType string, data []byte) (crypto.PublicKey, error) {
	switch keyType {
	case "rsa":
		// RSA keys are published as SubjectPublicKeyInfo; some signers
		// publish the bare PKCS #1 structure instead.
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			if rsaPK, err2 := x509.ParsePKCS1PublicKey(data); err2 == nil {
				return rsaPK, nil
			}
			return nil, fmt.Errorf("%w: invalid RSA public key: %v", ErrSyntax, err)
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: expected RSA public key, got %T", ErrUnsupportedKeyType, pk)
		}
		return rsaPK, nil

	case "ed25519":
		// Ed25519 key is raw bytes
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: invalid Ed25519 public key size: %d", ErrSyntax, len(data))
		}
		return ed25519.PublicKey(data), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, keyType)
	}
}

// decodeQPSection decodes a quoted-printable encoded section.
func decodeQPSection(s string) string {
	return decodeCopiedHeader(s)
}
