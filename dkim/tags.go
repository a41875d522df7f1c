package dkim

import (
	"fmt"
	"strings"
)

// tag is one tag=value pair of a tag-list (RFC 6376 Section 3.2).
type tag struct {
	name  string
	value string
}

// tagList is a parsed tag-list in the order the tags appeared.
type tagList []tag

func (l tagList) get(name string) (string, bool) {
	for _, t := range l {
		if t.name == name {
			return t.value, true
		}
	}
	return "", false
}

// parseTagList splits s into tags. Whitespace (including folding) around
// names and values is dropped; whitespace inside values is kept. Empty
// entries, such as a trailing semicolon, are skipped.
func parseTagList(s string) (tagList, error) {
	var tags tagList
	seen := make(map[string]bool)

	for part := range strings.SplitSeq(s, ";") {
		if isFWS(part) {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no '='", ErrTagSyntax, strings.TrimSpace(part))
		}
		name = trimFWS(name)
		if !validTagName(name) {
			return nil, fmt.Errorf("%w: invalid tag name %q", ErrTagSyntax, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, name)
		}
		seen[name] = true
		tags = append(tags, tag{name: name, value: trimFWS(value)})
	}
	return tags, nil
}

// validTagName reports whether s is ALPHA *ALNUMPUNC.
func validTagName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '_'):
		default:
			return false
		}
	}
	return true
}

func isFWSByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isFWS(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isFWSByte(s[i]) {
			return false
		}
	}
	return true
}

func trimFWS(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return r < 0x80 && isFWSByte(byte(r)) })
}

// removeFWS deletes all whitespace, as needed for base64 values that may be
// folded anywhere.
func removeFWS(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x80 && isFWSByte(byte(r)) {
			return -1
		}
		return r
	}, s)
}

// splitList splits a colon-separated list (h=, q=, s=, t=) and trims each
// element. Empty elements are reported as an error.
func splitList(s, sep string) ([]string, error) {
	var out []string
	for item := range strings.SplitSeq(s, sep) {
		item = trimFWS(item)
		if item == "" {
			return nil, fmt.Errorf("%w: empty element in %q", ErrTagSyntax, s)
		}
		out = append(out, item)
	}
	return out, nil
}
