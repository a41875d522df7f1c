package dkim

import (
	"bytes"
	"strings"
)

const crlf = "\r\n"

// CanonicalizeHeader returns the canonical form of a header field, including
// the terminating CRLF. value is the raw text after the colon.
//
// Simple keeps the field as is, only normalizing bare LF line endings to CRLF.
// Relaxed:
//   - Convert header name to lowercase
//   - Unfold header lines
//   - Compress WSP to single space
//   - Remove WSP around the value
func CanonicalizeHeader(c Canonicalization, name, value string) string {
	if c == CanonRelaxed {
		return canonicalizeHeaderRelaxed(name, value) + crlf
	}
	return normalizeNewlines(name+":"+value) + crlf
}

func canonicalizeHeaderRelaxed(name, value string) string {
	name = strings.ToLower(strings.TrimRight(name, " \t"))

	var b strings.Builder
	b.Grow(len(name) + 1 + len(value))
	b.WriteString(name)
	b.WriteByte(':')

	// Unfolding removes the line breaks; the WSP that followed them is
	// compressed with the rest.
	pendingWS := false
	wrote := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '\r', '\n':
			continue
		case ' ', '\t':
			pendingWS = true
			continue
		}
		if pendingWS && wrote {
			b.WriteByte(' ')
		}
		pendingWS = false
		b.WriteByte(c)
		wrote = true
	}
	return b.String()
}

// normalizeNewlines turns bare LF into CRLF.
func normalizeNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// CanonicalizeBody returns the canonical form of a message body.
//
// Simple body canonicalization:
//   - Multiple trailing empty lines become one CRLF
//   - A missing final CRLF is added
//   - Empty body becomes single CRLF
//
// Relaxed body canonicalization:
//   - Ignore all whitespace at end of lines
//   - Compress whitespace in lines to single space
//   - Ignore all empty lines at end of body
//   - Empty body stays empty
//
// Bare LF is accepted as a line ending in both modes and emitted as CRLF.
func CanonicalizeBody(c Canonicalization, body []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(body) + 2)

	// Empty lines are held back until a non-empty line shows they are not
	// trailing.
	pendingEmpty := 0
	forEachLine(body, func(line []byte) {
		if c == CanonRelaxed {
			line = relaxLine(line)
		}
		if len(line) == 0 {
			pendingEmpty++
			return
		}
		for ; pendingEmpty > 0; pendingEmpty-- {
			out.WriteString(crlf)
		}
		out.Write(line)
		out.WriteString(crlf)
	})

	if c != CanonRelaxed && out.Len() == 0 {
		out.WriteString(crlf)
	}
	return out.Bytes()
}

// forEachLine calls fn for every line of body without its terminator.
// A CR directly before LF belongs to the terminator.
func forEachLine(body []byte, fn func(line []byte)) {
	for len(body) > 0 {
		i := bytes.IndexByte(body, '\n')
		if i < 0 {
			fn(body)
			return
		}
		line := body[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		fn(line)
		body = body[i+1:]
	}
}

// relaxLine compresses WSP runs to one SP and drops trailing WSP.
func relaxLine(line []byte) []byte {
	line = bytes.TrimRight(line, " \t")
	if bytes.IndexByte(line, '\t') < 0 && !bytes.Contains(line, []byte("  ")) {
		return line
	}
	out := make([]byte, 0, len(line))
	prevWS := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			if !prevWS {
				out = append(out, ' ')
				prevWS = true
			}
			continue
		}
		out = append(out, b)
		prevWS = false
	}
	return out
}
