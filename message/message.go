// Package message holds the parsed form of an RFC 5322 message that DKIM
// signing and verification operate on.
//
// Header values are kept exactly as they appeared on the wire (folding
// whitespace included) because the "simple" canonicalization hashes them
// byte for byte. The body is kept as raw bytes for the same reason.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/synqronlabs/raven-dkim/utils"
)

// Errors returned by this package.
var (
	ErrMalformed = errors.New("message: malformed header section")
	ErrNoFrom    = errors.New("message: no usable From header")
)

// Header is a single header field.
type Header struct {
	// Name is the field name as written, without the colon.
	Name string
	// Value is everything after the first colon, including leading
	// whitespace and folded continuation lines, without the final line
	// terminator.
	Value string
}

// String returns the field in wire form, terminated by CRLF.
func (h Header) String() string {
	return h.Name + ":" + h.Value + "\r\n"
}

// Headers is the ordered header section of a message.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns all header values with the given name (case-insensitive).
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Count returns how many fields carry the given name (case-insensitive).
func (h Headers) Count(name string) int {
	n := 0
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			n++
		}
	}
	return n
}

// Message is a parsed message: ordered raw headers and the raw body.
type Message struct {
	Headers Headers
	Body    []byte
}

// Parse reads a complete message. Both CRLF and bare LF line endings are
// accepted. A message without a header/body separator is treated as headers
// only.
func Parse(r io.Reader) (*Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// ParseBytes parses a message held in memory.
func ParseBytes(data []byte) (*Message, error) {
	if !hasHeaderTerminator(data) {
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data[:len(data):len(data)], '\r', '\n')
		}
		data = append(data[:len(data):len(data)], '\r', '\n')
	}

	br := bufio.NewReader(bytes.NewReader(data))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Message{Headers: make(Headers, 0, hdr.Len())}
	for f := hdr.Fields(); f.Next(); {
		raw, err := f.Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		h, err := splitField(raw)
		if err != nil {
			return nil, err
		}
		m.Headers = append(m.Headers, h)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	m.Body = body
	return m, nil
}

func hasHeaderTerminator(data []byte) bool {
	if bytes.HasPrefix(data, []byte("\r\n")) || bytes.HasPrefix(data, []byte("\n")) {
		return true
	}
	return bytes.Contains(data, []byte("\n\r\n")) || bytes.Contains(data, []byte("\n\n"))
}

func splitField(raw []byte) (Header, error) {
	s := strings.TrimSuffix(string(raw), "\n")
	s = strings.TrimSuffix(s, "\r")
	name, value, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return Header{}, fmt.Errorf("%w: field without name: %q", ErrMalformed, s)
	}
	return Header{Name: name, Value: value}, nil
}

// Bytes serializes the message: each header with CRLF, an empty line, and
// the body.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	for _, h := range m.Headers {
		buf.WriteString(h.String())
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body)
	return buf.Bytes()
}

// Prepend returns a copy of m with h inserted as the first header field.
// The body is shared with m.
func (m *Message) Prepend(h Header) *Message {
	headers := make(Headers, 0, len(m.Headers)+1)
	headers = append(headers, h)
	headers = append(headers, m.Headers...)
	return &Message{Headers: headers, Body: m.Body}
}

// FromDomain returns the lowercased domain of the single author address in
// the From header.
func (m *Message) FromDomain() (string, error) {
	values := m.Headers.GetAll("From")
	if len(values) != 1 {
		return "", fmt.Errorf("%w: found %d From headers", ErrNoFrom, len(values))
	}
	addrs, err := mail.ParseAddressList(strings.TrimSpace(values[0]))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoFrom, err)
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("%w: %d addresses", ErrNoFrom, len(addrs))
	}
	_, domain, ok := strings.Cut(addrs[0].Address, "@")
	if !ok || domain == "" {
		return "", fmt.Errorf("%w: address without domain", ErrNoFrom)
	}
	return strings.ToLower(domain), nil
}
