// Package dns provides the TXT lookup capability consumed by DKIM
// verification, along with production resolvers, a caching wrapper and a
// strict test double.
//
// The verifier depends only on the Resolver interface. A lookup either
// returns records, fails with ErrDNSNotFound when the name holds no TXT data,
// or fails with a transient error (timeout, SERVFAIL, network failure) that
// callers may retry.
package dns

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Errors returned by resolvers in this package.
var (
	ErrDNSNotFound = errors.New("dns: no such record")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
	ErrDNSNetwork  = errors.New("dns: network error")
)

// Result holds the records returned by a lookup.
type Result struct {
	// Records are the TXT strings. Multi-string TXT records are joined.
	Records []string

	// Authentic reports whether the upstream resolver set the AD bit.
	Authentic bool

	// TTL is the smallest TTL of the returned records. Zero when the
	// resolver cannot report one.
	TTL time.Duration
}

// Resolver is the interface for the DNS lookups required by DKIM.
//
// Implementations must be safe for concurrent use.
type Resolver interface {
	// LookupTXT retrieves the TXT records published at name.
	LookupTXT(ctx context.Context, name string) (Result, error)
}

// IsNotFound reports whether err means the name has no records.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsServFail reports whether err is a SERVFAIL response.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether retrying the lookup later may succeed.
func IsTemporary(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	return IsTimeout(err) ||
		IsServFail(err) ||
		errors.Is(err, ErrDNSRefused) ||
		errors.Is(err, ErrDNSNetwork) ||
		errors.Is(err, context.Canceled)
}

// ensureAbsolute ensures the domain name ends with a dot (FQDN format).
func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
