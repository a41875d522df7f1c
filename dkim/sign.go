package dkim

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/synqronlabs/raven-dkim/message"
	"github.com/synqronlabs/raven-dkim/utils"
)

// Signer provides DKIM message signing.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the signing key. Its public half must be an
	// *rsa.PublicKey or ed25519.PublicKey.
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign. It must contain From.
	// DefaultSignedHeaders is a reasonable choice.
	Headers []string

	// HeaderCanonicalization is the header canonicalization algorithm.
	// Default is CanonRelaxed.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization is the body canonicalization algorithm.
	// Default is CanonRelaxed.
	BodyCanonicalization Canonicalization

	// Identity is the signing identity (i= tag), e.g. "user@example.com".
	// It must be in Domain or one of its subdomains. Omitted when empty.
	Identity string

	// Time is the signing time (t= tag). The current time is used when zero.
	Time time.Time

	// Expiration is the signature validity period (x= tag).
	// If zero, no expiration is set.
	Expiration time.Duration

	// BodyLength adds an l= tag covering the whole canonical body. Content
	// appended later is then not covered by the signature.
	BodyLength bool

	// OversignHeaders causes header names to be repeated to prevent header addition.
	// When enabled, each header in Headers is signed one more time than it appears
	// in the message, which prevents additional headers with the same name from
	// being added later.
	OversignHeaders bool

	// CopyHeaders adds a z= tag with a copy of the signed header fields,
	// useful for diagnosing verification failures.
	CopyHeaders bool
}

type signParams struct {
	alg        Algorithm
	headerCan  Canonicalization
	bodyCan    Canonicalization
	signedList []string
}

func (s *Signer) params(m *message.Message) (signParams, error) {
	var p signParams
	if s.Domain == "" || s.Selector == "" {
		return p, fmt.Errorf("%w: domain and selector are required", ErrSignerConfig)
	}
	if utils.ContainsNonASCII(s.Domain) || utils.ContainsNonASCII(s.Selector) {
		return p, fmt.Errorf("%w: domain and selector must be ASCII", ErrSignerConfig)
	}
	if s.Identity != "" {
		at := strings.LastIndexByte(s.Identity, '@')
		if at < 0 || !isSameOrSubdomain(s.Identity[at+1:], s.Domain) {
			return p, fmt.Errorf("%w: identity %q not in %s", ErrDomainIdentityMismatch, s.Identity, s.Domain)
		}
	}

	var err error
	if p.alg, err = algorithmForKey(s.PrivateKey); err != nil {
		return p, err
	}
	if p.headerCan, err = canonOrDefault(s.HeaderCanonicalization); err != nil {
		return p, err
	}
	if p.bodyCan, err = canonOrDefault(s.BodyCanonicalization); err != nil {
		return p, err
	}

	if len(s.Headers) == 0 {
		return p, ErrNoHeaders
	}
	hasFrom := false
	for _, h := range s.Headers {
		if strings.EqualFold(strings.TrimSpace(h), "from") {
			hasFrom = true
		}
		if h == "" || strings.ContainsAny(h, ": \t\r\n") {
			return p, fmt.Errorf("%w: invalid header name %q", ErrSignerConfig, h)
		}
	}
	if !hasFrom {
		return p, fmt.Errorf("%w: From must be in the signed header list", ErrFromRequired)
	}

	// Verify exactly one From header exists (RFC 6376 requirement)
	if n := m.Headers.Count("From"); n != 1 {
		return p, fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, n)
	}

	p.signedList = s.signedHeaders(m.Headers)
	return p, nil
}

func canonOrDefault(c Canonicalization) (Canonicalization, error) {
	if c == "" {
		return CanonRelaxed, nil
	}
	return parseCanonicalization(string(c))
}

// signedHeaders builds the h= list: the configured names that are present
// in the message, plus one extra occurrence of each when oversigning.
func (s *Signer) signedHeaders(headers message.Headers) []string {
	// Filter to only headers present in the message
	present := make(map[string]int)
	for _, h := range headers {
		present[headerKey(h.Name)]++
	}

	var list []string
	for _, h := range s.Headers {
		if present[strings.ToLower(h)] > 0 {
			list = append(list, h)
		}
	}

	if s.OversignHeaders {
		counts := make(map[string]int)
		for _, h := range list {
			counts[strings.ToLower(h)]++
		}
		for _, h := range list {
			lh := strings.ToLower(h)
			for counts[lh] < present[lh]+1 {
				list = append(list, h)
				counts[lh]++
			}
		}
	}
	return list
}

// Sign signs the message and returns the DKIM-Signature header field,
// "DKIM-Signature: ..." terminated by CRLF, ready to be prepended to the
// message. The message is not modified.
func (s *Signer) Sign(m *message.Message) (string, error) {
	p, err := s.params(m)
	if err != nil {
		return "", err
	}
	canonBody := CanonicalizeBody(p.bodyCan, m.Body)
	return s.sign(m.Headers, p, canonBody)
}

// SignMessage returns a copy of m with the DKIM-Signature header prepended.
func (s *Signer) SignMessage(m *message.Message) (*message.Message, error) {
	h, err := s.Sign(m)
	if err != nil {
		return nil, err
	}
	return m.Prepend(signatureField(h)), nil
}

// signatureField turns the header returned by Sign into a message.Header.
func signatureField(h string) message.Header {
	value := strings.TrimSuffix(strings.TrimPrefix(h, HeaderName+":"), crlf)
	return message.Header{Name: HeaderName, Value: value}
}

func (s *Signer) sign(headers message.Headers, p signParams, canonBody []byte) (string, error) {
	sig := NewSignature()
	sig.Domain = strings.ToLower(s.Domain)
	sig.Selector = s.Selector
	sig.Algorithm = p.alg
	sig.HeaderCanonicalization = p.headerCan
	sig.BodyCanonicalization = p.bodyCan
	sig.SignedHeaders = p.signedList
	sig.Identity = s.Identity

	now := s.Time
	if now.IsZero() {
		now = timeNow()
	}
	sig.SignTime = now.Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	if s.BodyLength {
		sig.Length = int64(len(canonBody))
	}
	sig.BodyHash = hashCanonicalBody(canonBody)

	if s.CopyHeaders {
		for _, h := range selectHeaders(headers, p.signedList) {
			sig.CopiedHeaders = append(sig.CopiedHeaders, strings.TrimSpace(h.Name)+":"+h.Value)
		}
	}

	// Generate signature header without the actual signature
	unsigned := sig.Format(false)
	digest := computeDataHash(p.headerCan, headers, p.signedList, HeaderName, unsigned)

	signature, err := signWithKey(s.PrivateKey, p.alg, digest)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	return sig.Header(), nil
}

// SignMultiple signs the message with multiple signers.
// Returns multiple DKIM-Signature headers concatenated.
// Body canonicalization is computed once per canonicalization algorithm.
func SignMultiple(m *message.Message, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	bodies := make(map[Canonicalization][]byte)
	var result strings.Builder

	for i := range signers {
		s := &signers[i]
		p, err := s.params(m)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		body, ok := bodies[p.bodyCan]
		if !ok {
			body = CanonicalizeBody(p.bodyCan, m.Body)
			bodies[p.bodyCan] = body
		}
		h, err := s.sign(m.Headers, p, body)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(h)
	}

	return result.String(), nil
}
