// Package dkim implements DomainKeys Identified Mail (DKIM) signatures per RFC 6376.
//
// DKIM allows a sender to associate a domain name with an email message,
// thus vouching for its authenticity. A message is signed by adding a
// DKIM-Signature header, which contains a cryptographic signature of the
// message headers and body.
//
// This implementation supports:
//   - RSA-SHA256 (RFC 6376)
//   - Ed25519-SHA256 (RFC 8463)
//
// RSA-SHA1 signatures are rejected as required by RFC 8301.
//
// # Basic Usage
//
// Signing a message:
//
//	signer := dkim.Signer{
//	    Domain:     "example.com",
//	    Selector:   "selector1",
//	    PrivateKey: privateKey,
//	    Headers:    dkim.DefaultSignedHeaders,
//	}
//	header, err := signer.Sign(msg)
//
// Verifying a message:
//
//	v := &dkim.Verifier{Resolver: resolver}
//	outcome := v.Verify(ctx, msg, fromDomain)
//	if outcome.Status == dkim.StatusPass {
//	    // At least one signature verified
//	}
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the result of DKIM verification per RFC 8601.
type Status string

const (
	// StatusPass indicates the signature was verified successfully.
	StatusPass Status = "pass"

	// StatusFail indicates the signature verification failed.
	StatusFail Status = "fail"

	// StatusPolicy indicates the signature is not accepted by policy.
	StatusPolicy Status = "policy"

	// StatusNeutral indicates the message is unsigned, or the signature
	// failed under a key in test mode.
	StatusNeutral Status = "neutral"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid syntax).
	StatusPermerror Status = "permerror"
)

// Algorithm is a DKIM signing algorithm (a= tag).
// Only the values declared below are valid.
type Algorithm string

const (
	// AlgRSASHA256 is the RSA-SHA256 algorithm (required by RFC 6376).
	AlgRSASHA256 Algorithm = "rsa-sha256"

	// AlgEd25519SHA256 is the Ed25519-SHA256 algorithm (RFC 8463).
	AlgEd25519SHA256 Algorithm = "ed25519-sha256"
)

// ParseAlgorithm validates an a= tag value.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgRSASHA256, AlgEd25519SHA256:
		return a, nil
	case "rsa-sha1":
		return "", fmt.Errorf("%w: rsa-sha1 is not accepted (RFC 8301)", ErrSigAlgorithmUnknown)
	default:
		return "", fmt.Errorf("%w: %q", ErrSigAlgorithmUnknown, s)
	}
}

// KeyType returns the k= value a key record must carry for this algorithm.
func (a Algorithm) KeyType() string {
	switch a {
	case AlgEd25519SHA256:
		return "ed25519"
	default:
		return "rsa"
	}
}

// HashName returns the hash part of the algorithm as used in the record's
// h= tag.
func (a Algorithm) HashName() string {
	return "sha256"
}

// Hash returns the digest function of the algorithm.
func (a Algorithm) Hash() crypto.Hash {
	return crypto.SHA256
}

// Canonicalization represents header/body canonicalization algorithms.
type Canonicalization string

const (
	// CanonSimple uses the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed uses the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

func parseCanonicalization(s string) (Canonicalization, error) {
	switch c := Canonicalization(strings.ToLower(s)); c {
	case CanonSimple, CanonRelaxed:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrCanonicalizationUnknown, s)
	}
}

// Common errors.
var (
	// DNS lookup errors.
	ErrNoRecord        = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords = errors.New("dkim: multiple DKIM DNS records found")
	ErrDNS             = errors.New("dkim: DNS lookup failed")
	ErrSyntax          = errors.New("dkim: syntax error in DKIM record")

	// Signature verification errors.
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with DNS record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by DNS record")
	ErrKeyNotForEmail          = errors.New("dkim: DNS record not allowed for email")
	ErrDomainIdentityMismatch  = errors.New("dkim: domain and identity mismatch")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrSigFuture               = errors.New("dkim: signature timestamp is in the future")
	ErrInvalidTimestamps       = errors.New("dkim: signature timestamp is not before expiration")
	ErrBodyHashMismatch        = errors.New("dkim: body hash does not match")
	ErrBodyTooShort            = errors.New("dkim: body is shorter than l= length")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail header is malformed")
	ErrTagSyntax               = errors.New("dkim: malformed tag list")
	ErrInvalidEncoding         = errors.New("dkim: invalid base64 value")
	ErrFromRequired            = errors.New("dkim: From header is required")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key has been revoked")
	ErrUnsupportedKeyType      = errors.New("dkim: unsupported key type")
	ErrWeakKey                 = errors.New("dkim: key is too weak")
	ErrPolicy                  = errors.New("dkim: signature rejected by policy")
	ErrMissingTag              = errors.New("dkim: missing required tag")
	ErrDuplicateTag            = errors.New("dkim: duplicate tag")
	ErrInvalidVersion          = errors.New("dkim: invalid version")
	ErrTLD                     = errors.New("dkim: signed domain is top-level domain")
	ErrBodyHashLength          = errors.New("dkim: body hash length mismatch")
	ErrTooManySignatures       = errors.New("dkim: too many signatures")
	ErrNoSignature             = errors.New("dkim: message has no DKIM-Signature")

	// Signing errors.
	ErrNoHeaders    = errors.New("dkim: no headers to sign")
	ErrSignerConfig = errors.New("dkim: invalid signer configuration")
)

// Result represents the result of verifying a single DKIM-Signature.
type Result struct {
	// Status is the verification result.
	Status Status

	// Signature is the parsed DKIM-Signature header.
	// Nil when the header could not be parsed.
	Signature *Signature

	// Record is the parsed DKIM DNS record.
	Record *Record

	// RecordAuthentic indicates if the DNS record was DNSSEC-validated.
	RecordAuthentic bool

	// Err contains any error that occurred during verification.
	Err error
}

// DefaultSignedHeaders is the default list of headers to sign.
// These headers are commonly signed for message integrity.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Reply-To",
}

// MinimumSignedHeaders is the minimum set of headers that should be signed.
var MinimumSignedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
}

// timeNow is used for testing.
var timeNow = time.Now

// cryptoRand is the random source for signing.
var cryptoRand = rand.Reader

// algorithmForKey picks the signing algorithm from the public half of key,
// so keys held outside the process (crypto.Signer implementations) work too.
func algorithmForKey(key crypto.Signer) (Algorithm, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no private key", ErrSignerConfig)
	}
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return AlgRSASHA256, nil
	case ed25519.PublicKey:
		return AlgEd25519SHA256, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key.Public())
	}
}

// signWithKey signs the header digest.
func signWithKey(key crypto.Signer, alg Algorithm, digest []byte) ([]byte, error) {
	switch alg {
	case AlgRSASHA256:
		// PKCS #1 v1.5 over the digest.
		return key.Sign(cryptoRand, digest, alg.Hash())
	case AlgEd25519SHA256:
		// RFC 8463 signs the SHA-256 digest with PureEdDSA.
		return key.Sign(cryptoRand, digest, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}

// verifyWithKey verifies a signature over the header digest.
func verifyWithKey(key any, alg Algorithm, digest, signature []byte) error {
	switch alg {
	case AlgRSASHA256:
		k, ok := key.(*rsa.PublicKey)
		if !ok {
			return ErrSigAlgMismatch
		}
		return rsa.VerifyPKCS1v15(k, alg.Hash(), digest, signature)
	case AlgEd25519SHA256:
		k, ok := key.(ed25519.PublicKey)
		if !ok {
			return ErrSigAlgMismatch
		}
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}
