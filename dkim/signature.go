package dkim

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// HeaderName is the name of the signature header field.
const HeaderName = "DKIM-Signature"

// Signature represents a parsed DKIM-Signature header (RFC 6376 Section 3.5).
type Signature struct {
	// Required fields
	Version       int       // v= Version, must be 1
	Algorithm     Algorithm // a= Algorithm
	Signature     []byte    // b= Signature data
	BodyHash      []byte    // bh= Body hash
	Domain        string    // d= Signing domain
	SignedHeaders []string  // h= Signed header fields
	Selector      string    // s= Selector

	// Optional fields
	HeaderCanonicalization Canonicalization // c= header part, default simple
	BodyCanonicalization   Canonicalization // c= body part, default simple
	Identity               string           // i= Agent or User Identifier (AUID)
	Length                 int64            // l= Body length limit (-1 if not set)
	QueryMethods           []string         // q= Query methods
	SignTime               int64            // t= Signature timestamp (-1 if not set)
	ExpireTime             int64            // x= Signature expiration (-1 if not set)
	CopiedHeaders          []string         // z= Copied header fields
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:                1,
		HeaderCanonicalization: CanonSimple,
		BodyCanonicalization:   CanonSimple,
		Length:                 -1,
		SignTime:               -1,
		ExpireTime:             -1,
	}
}

// IdentityDomain returns the domain part of i=, or d= when i= is absent.
func (s *Signature) IdentityDomain() string {
	if s.Identity == "" {
		return s.Domain
	}
	if i := strings.LastIndexByte(s.Identity, '@'); i >= 0 {
		return strings.ToLower(s.Identity[i+1:])
	}
	return strings.ToLower(s.Identity)
}

// IsExpired reports whether x= lies before now.
func (s *Signature) IsExpired(now time.Time) bool {
	return s.ExpireTime >= 0 && s.ExpireTime < now.Unix()
}

// IsFuture reports whether t= lies after now plus skew.
func (s *Signature) IsFuture(now time.Time, skew time.Duration) bool {
	return s.SignTime >= 0 && s.SignTime > now.Add(skew).Unix()
}

// headerWriter helps create DKIM-Signature headers with proper folding.
// It tracks line length and folds to the next line when needed (RFC 5322).
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

const maxLineLen = 76

// add adds text, potentially folding to a new line if it exceeds maxLineLen.
func (w *headerWriter) add(sep, text string) {
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+len(text) > maxLineLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

// addf formats and adds text.
func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be wrapped at any position (like base64).
func (w *headerWriter) addWrap(data string) {
	for len(data) > 0 {
		n := maxLineLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLineLen - 1
		}
		n = min(n, len(data))
		w.b.WriteString(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// addList adds a list tag such as h= whose items are joined by sep and may
// be folded between items.
func (w *headerWriter) addList(tag, sep string, items []string) {
	for i, item := range items {
		lead := ""
		if i == 0 {
			item = tag + "=" + item
			lead = " "
		}
		if i < len(items)-1 {
			item += sep
		} else {
			item += ";"
		}
		w.add(lead, item)
	}
}

// Format returns the header field value (the text after "DKIM-Signature:"),
// folded to fit 78-character lines. Tags are written in a fixed order:
// v d s a c i q t x l h z bh b. If includeSignature is false, b= is left
// empty, which is the form covered by the signature itself.
func (s *Signature) Format(includeSignature bool) string {
	w := &headerWriter{lineLen: len(HeaderName) + 1}

	w.addf(" ", "v=%d;", s.Version)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)
	w.addf(" ", "c=%s/%s;", s.HeaderCanonicalization, s.BodyCanonicalization)

	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}
	// Query methods (only if not default dns/txt)
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.addf(" ", "q=%s;", strings.Join(s.QueryMethods, ":"))
	}
	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}
	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	w.addList("h", ":", s.SignedHeaders)

	if len(s.CopiedHeaders) > 0 {
		encoded := make([]string, len(s.CopiedHeaders))
		for i, h := range s.CopiedHeaders {
			name, value, ok := strings.Cut(h, ":")
			if ok {
				encoded[i] = name + ":" + encodeCopiedHeader(value)
			} else {
				encoded[i] = encodeCopiedHeader(h)
			}
		}
		w.addList("z", "|", encoded)
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap(base64.StdEncoding.EncodeToString(s.Signature))
	}

	return w.b.String()
}

// Header returns the complete header field, terminated by CRLF.
func (s *Signature) Header() string {
	return HeaderName + ":" + s.Format(true) + crlf
}

// encodeCopiedHeader encodes a header value for the z= tag using DKIM quoted-printable.
func encodeCopiedHeader(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// DKIM-safe-char: printable ASCII except ; = | :
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' && c != ':' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// decodeCopiedHeader decodes a DKIM quoted-printable encoded header.
func decodeCopiedHeader(s string) string {
	s = removeFWS(s)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}

// ParseSignature parses a DKIM-Signature header value (the text after the
// colon). Errors wrap ErrTagSyntax, ErrMissingTag, ErrInvalidVersion,
// ErrSigAlgorithmUnknown, ErrCanonicalizationUnknown, ErrInvalidEncoding,
// ErrBodyHashLength, ErrInvalidTimestamps or ErrDomainIdentityMismatch.
func ParseSignature(value string) (*Signature, error) {
	tags, err := parseTagList(value)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if _, ok := tags.get(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTag, name)
		}
	}

	sig := NewSignature()
	for _, t := range tags {
		switch t.name {
		case "v":
			if t.value != "1" {
				return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, t.value)
			}

		case "a":
			if sig.Algorithm, err = ParseAlgorithm(t.value); err != nil {
				return nil, err
			}

		case "b":
			if sig.Signature, err = decodeBase64(t.value); err != nil {
				return nil, fmt.Errorf("b=: %w", err)
			}
			if len(sig.Signature) == 0 {
				return nil, fmt.Errorf("%w: b= is empty", ErrTagSyntax)
			}

		case "bh":
			if sig.BodyHash, err = decodeBase64(t.value); err != nil {
				return nil, fmt.Errorf("bh=: %w", err)
			}

		case "c":
			header, body, hasBody := strings.Cut(t.value, "/")
			if sig.HeaderCanonicalization, err = parseCanonicalization(header); err != nil {
				return nil, err
			}
			if hasBody {
				if sig.BodyCanonicalization, err = parseCanonicalization(body); err != nil {
					return nil, err
				}
			}

		case "d":
			sig.Domain = strings.ToLower(strings.TrimSuffix(t.value, "."))
			if sig.Domain == "" {
				return nil, fmt.Errorf("%w: empty d=", ErrTagSyntax)
			}

		case "h":
			if sig.SignedHeaders, err = splitList(t.value, ":"); err != nil {
				return nil, err
			}

		case "i":
			sig.Identity = decodeCopiedHeader(t.value)

		case "l":
			if sig.Length, err = parseDecimal(t.value); err != nil {
				return nil, fmt.Errorf("l=: %w", err)
			}

		case "q":
			if sig.QueryMethods, err = splitList(t.value, ":"); err != nil {
				return nil, err
			}

		case "s":
			sig.Selector = strings.ToLower(t.value)
			if sig.Selector == "" {
				return nil, fmt.Errorf("%w: empty s=", ErrTagSyntax)
			}

		case "t":
			if sig.SignTime, err = parseDecimal(t.value); err != nil {
				return nil, fmt.Errorf("t=: %w", err)
			}

		case "x":
			if sig.ExpireTime, err = parseDecimal(t.value); err != nil {
				return nil, fmt.Errorf("x=: %w", err)
			}

		case "z":
			for h := range strings.SplitSeq(t.value, "|") {
				sig.CopiedHeaders = append(sig.CopiedHeaders, decodeCopiedHeader(h))
			}
		}
		// Unknown tags are ignored (RFC 6376 Section 3.2).
	}

	if n := sig.Algorithm.Hash().Size(); len(sig.BodyHash) != n {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrBodyHashLength, len(sig.BodyHash), n)
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, fmt.Errorf("%w: t=%d x=%d", ErrInvalidTimestamps, sig.SignTime, sig.ExpireTime)
	}

	// The identity must be in the signing domain or one of its subdomains.
	if sig.Identity != "" {
		if !strings.Contains(sig.Identity, "@") {
			return nil, fmt.Errorf("%w: i= %q has no @", ErrTagSyntax, sig.Identity)
		}
		if !isSameOrSubdomain(sig.IdentityDomain(), sig.Domain) {
			return nil, fmt.Errorf("%w: identity domain %s not under signing domain %s",
				ErrDomainIdentityMismatch, sig.IdentityDomain(), sig.Domain)
		}
	}

	return sig, nil
}

// stripSignatureValue returns the header value with the b= tag's value
// (including surrounding whitespace) removed. Everything else, folding
// included, is kept byte for byte.
func stripSignatureValue(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	rest := value
	for {
		part, after, more := strings.Cut(rest, ";")
		if name, _, ok := strings.Cut(part, "="); ok && trimFWS(name) == "b" {
			b.WriteString(part[:len(name)+1])
		} else {
			b.WriteString(part)
		}
		if !more {
			break
		}
		b.WriteByte(';')
		rest = after
	}
	return b.String()
}

func decodeBase64(s string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(removeFWS(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return decoded, nil
}

// parseDecimal parses the 1*76DIGIT values of l=, t= and x=. Values past
// the int64 range are clamped to math.MaxInt64 (RFC 6376 3.5: far future).
func parseDecimal(s string) (int64, error) {
	if s == "" || len(s) > 76 {
		return 0, fmt.Errorf("%w: invalid number %q", ErrTagSyntax, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: invalid number %q", ErrTagSyntax, s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTagSyntax, err)
	}
	return n, nil
}

// isSameOrSubdomain reports whether sub equals parent or lies below it.
func isSameOrSubdomain(sub, parent string) bool {
	sub = strings.ToLower(strings.TrimSuffix(sub, "."))
	parent = strings.ToLower(strings.TrimSuffix(parent, "."))
	return sub == parent || strings.HasSuffix(sub, "."+parent)
}
