package dkim

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/synqronlabs/raven-dkim/message"
)

// headerKey is the lookup form of a field name.
func headerKey(name string) string {
	return strings.ToLower(strings.TrimRight(name, " \t"))
}

// selectHeaders picks the fields named in signed, in h= order. Each name
// consumes the most recent unused field with that name, so repeated names
// walk up the header section from the bottom. Names with no field left
// select nothing.
func selectHeaders(headers message.Headers, signed []string) []message.Header {
	// Build a map of headers in reverse order (most recent first)
	byName := make(map[string][]message.Header)
	for i := len(headers) - 1; i >= 0; i-- {
		k := headerKey(headers[i].Name)
		byName[k] = append(byName[k], headers[i])
	}

	selected := make([]message.Header, 0, len(signed))
	for _, name := range signed {
		k := strings.ToLower(strings.TrimSpace(name))
		hdrs := byName[k]
		if len(hdrs) == 0 {
			continue
		}
		selected = append(selected, hdrs[0])
		byName[k] = hdrs[1:]
	}
	return selected
}

// computeBodyHash canonicalizes body, truncates it to length octets when
// length is not negative, and returns its SHA-256 digest.
func computeBodyHash(c Canonicalization, body []byte, length int64) ([]byte, error) {
	canon := CanonicalizeBody(c, body)
	if length >= 0 {
		if length > int64(len(canon)) {
			return nil, fmt.Errorf("%w: l=%d, canonical body has %d octets", ErrBodyTooShort, length, len(canon))
		}
		canon = canon[:length]
	}
	return hashCanonicalBody(canon), nil
}

func hashCanonicalBody(canon []byte) []byte {
	sum := sha256.Sum256(canon)
	return sum[:]
}

// headerBlock builds the data covered by the signature: the selected
// headers, each canonicalized with its CRLF, followed by the canonicalized
// DKIM-Signature field whose b= value is empty, without a trailing CRLF.
func headerBlock(c Canonicalization, headers message.Headers, signed []string, sigName, sigValue string) []byte {
	var b strings.Builder
	for _, h := range selectHeaders(headers, signed) {
		b.WriteString(CanonicalizeHeader(c, h.Name, h.Value))
	}
	sig := CanonicalizeHeader(c, sigName, sigValue)
	b.WriteString(strings.TrimSuffix(sig, crlf))
	return []byte(b.String())
}

// computeDataHash returns the SHA-256 digest of the header block.
func computeDataHash(c Canonicalization, headers message.Headers, signed []string, sigName, sigValue string) []byte {
	sum := sha256.Sum256(headerBlock(c, headers, signed, sigName, sigValue))
	return sum[:]
}
