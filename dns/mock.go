package dns

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// MockResolver is a Resolver used for testing.
// TXT maps FQDNs (with trailing dot) to records. A name mapped to an empty
// slice is a registered "no such record" answer.
type MockResolver struct {
	TXT map[string][]string

	// Fail contains names that return a temporary error (SERVFAIL).
	// Format: "txt name.", e.g. "txt sel._domainkey.example.com.".
	Fail []string

	// Timeout contains names that return ErrDNSTimeout, in the same format.
	Timeout []string

	// AllAuthentic sets the default value for Authentic in responses.
	// Overridden by Authentic and Inauthentic lists.
	AllAuthentic bool

	// Authentic contains names that will have Authentic=true.
	Authentic []string

	// Inauthentic contains names that will have Authentic=false.
	Inauthentic []string

	// Unexpected, when set, makes the resolver strict: it is called for
	// every lookup of a name that is not registered in TXT, Fail or Timeout,
	// and the lookup fails with ErrUnexpectedLookup instead of a not-found
	// answer.
	Unexpected func(name string)
}

// ErrUnexpectedLookup is returned by a strict MockResolver for names it does
// not serve.
var ErrUnexpectedLookup = errors.New("dns: lookup of unregistered name in strict mock")

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

// result checks for failures and returns the authentication status.
func (r MockResolver) result(ctx context.Context, mr mockReq) (Result, error) {
	result := Result{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if slices.Contains(r.Fail, mr.String()) {
		return result, ErrDNSServFail
	}
	if slices.Contains(r.Timeout, mr.String()) {
		return result, ErrDNSTimeout
	}

	if slices.Contains(r.Authentic, mr.String()) {
		result.Authentic = true
	}
	if slices.Contains(r.Inauthentic, mr.String()) {
		result.Authentic = false
	}

	return result, nil
}

// LookupTXT returns TXT records for the given name.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result, error) {
	fqdn := ensureAbsolute(name)
	mr := mockReq{"txt", fqdn}

	result, err := r.result(ctx, mr)
	if err != nil {
		return result, err
	}

	records, ok := r.TXT[fqdn]
	if !ok && r.Unexpected != nil {
		r.Unexpected(fqdn)
		return result, fmt.Errorf("%w: %s", ErrUnexpectedLookup, fqdn)
	}
	if len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}
