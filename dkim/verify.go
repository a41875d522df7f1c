package dkim

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/raven-dkim/dns"
	"github.com/synqronlabs/raven-dkim/message"
	"github.com/synqronlabs/raven-dkim/utils"
)

// Verifier provides DKIM signature verification.
// A Verifier is safe for concurrent use once configured.
type Verifier struct {
	// Resolver is the DNS resolver used to fetch key records.
	Resolver dns.Resolver

	// Logger receives debug output for each signature.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// IgnoreTestMode ignores the t=y flag in DKIM records.
	// When false (default), signatures from domains in test mode
	// that fail verification return StatusNeutral instead of StatusFail.
	IgnoreTestMode bool

	// Policy is a function that can reject signatures based on policy.
	// Return an error to reject the signature with StatusPolicy.
	// If nil, all signatures are accepted.
	Policy func(*Signature) error

	// MinRSAKeyBits is the minimum RSA key size to accept.
	// Default is 1024 (per RFC 8301).
	MinRSAKeyBits int

	// ClockSkew is how far in the future a t= timestamp may lie.
	// Default is 5 minutes.
	ClockSkew time.Duration

	// MaxSignatures bounds how many DKIM-Signature headers are evaluated.
	// Further signatures get StatusPermerror without a DNS lookup.
	// Default is 16.
	MaxSignatures int

	// Concurrency bounds how many signatures are verified in parallel.
	// Default is 8.
	Concurrency int
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func (v *Verifier) clockSkew() time.Duration {
	if v.ClockSkew > 0 {
		return v.ClockSkew
	}
	return 5 * time.Minute
}

func (v *Verifier) maxSignatures() int {
	if v.MaxSignatures > 0 {
		return v.MaxSignatures
	}
	return 16
}

func (v *Verifier) concurrency() int {
	if v.Concurrency > 0 {
		return v.Concurrency
	}
	return 8
}

func (v *Verifier) minRSAKeyBits() int {
	if v.MinRSAKeyBits > 0 {
		return v.MinRSAKeyBits
	}
	return 1024 // RFC 8301 minimum
}

// Verify checks every DKIM-Signature of the message and aggregates the
// per-signature results into one Outcome. fromDomain, typically the result
// of message.FromDomain, is used to prefer an aligned passing signature when
// reporting Outcome.Domain; it may be empty.
func (v *Verifier) Verify(ctx context.Context, m *message.Message, fromDomain string) *Outcome {
	id := utils.GenerateID()
	log := v.logger().With(slog.String("verification_id", id))

	results := v.verifyAll(ctx, m, log)
	out := aggregate(id, results, fromDomain)

	log.Debug("dkim verification finished",
		slog.String("status", string(out.Status)),
		slog.String("domain", out.Domain),
		slog.Int("signatures", len(results)),
	)
	return out
}

// VerifyAll verifies all DKIM-Signature headers in the message.
// Returns a result for each signature found, in header order.
func (v *Verifier) VerifyAll(ctx context.Context, m *message.Message) []Result {
	return v.verifyAll(ctx, m, v.logger())
}

func (v *Verifier) verifyAll(ctx context.Context, m *message.Message, log *slog.Logger) []Result {
	var sigHeaders []message.Header
	for _, h := range m.Headers {
		if headerKey(h.Name) == "dkim-signature" {
			sigHeaders = append(sigHeaders, h)
		}
	}
	if len(sigHeaders) == 0 {
		return nil
	}

	results := make([]Result, len(sigHeaders))
	limit := v.maxSignatures()

	// Each goroutine writes only its own slot and never returns an error,
	// so one signature's failure does not cancel the others.
	var g errgroup.Group
	g.SetLimit(v.concurrency())
	for i, h := range sigHeaders {
		if i >= limit {
			results[i] = Result{
				Status: StatusPermerror,
				Err:    fmt.Errorf("%w: limit is %d", ErrTooManySignatures, limit),
			}
			continue
		}
		g.Go(func() error {
			results[i] = v.verifySignature(ctx, m, h)
			r := &results[i]
			attrs := []any{
				slog.Int("index", i),
				slog.String("status", string(r.Status)),
			}
			if r.Signature != nil {
				attrs = append(attrs,
					slog.String("domain", r.Signature.Domain),
					slog.String("selector", r.Signature.Selector),
				)
			}
			if r.Err != nil {
				attrs = append(attrs, slog.Any("error", r.Err))
			}
			log.Debug("dkim signature checked", attrs...)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// verifySignature runs the full check of one DKIM-Signature header.
func (v *Verifier) verifySignature(ctx context.Context, m *message.Message, h message.Header) Result {
	sig, err := ParseSignature(h.Value)
	if err != nil {
		return Result{
			Status: StatusPermerror,
			Err:    fmt.Errorf("parsing signature: %w", err),
		}
	}
	res := Result{Signature: sig}

	if err := v.checkSignatureParams(sig); err != nil {
		res.Status, res.Err = StatusPermerror, err
		return res
	}

	if v.Policy != nil {
		if err := v.Policy(sig); err != nil {
			res.Status, res.Err = StatusPolicy, fmt.Errorf("%w: %v", ErrPolicy, err)
			return res
		}
	}

	now := timeNow()
	if sig.IsExpired(now) {
		res.Status, res.Err = StatusFail, fmt.Errorf("%w: expired at %d", ErrSigExpired, sig.ExpireTime)
		return res
	}
	if sig.IsFuture(now, v.clockSkew()) {
		res.Status, res.Err = StatusFail, fmt.Errorf("%w: t=%d", ErrSigFuture, sig.SignTime)
		return res
	}

	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	res.Record, res.RecordAuthentic = record, authentic
	if err != nil {
		if IsTemporaryError(err) {
			res.Status = StatusTemperror
		} else {
			res.Status = StatusPermerror
		}
		res.Err = err
		return res
	}

	res.Status, res.Err = v.verifyWithRecord(record, sig, m, h)

	// Handle test mode
	if !v.IgnoreTestMode && record.IsTesting() && res.Status == StatusFail {
		res.Status = StatusNeutral
	}
	return res
}

// checkSignatureParams validates signature parameters that do not need the
// key record.
func (v *Verifier) checkSignatureParams(sig *Signature) error {
	// From header must be signed
	hasFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return fmt.Errorf("%w: From header must be signed", ErrFromRequired)
	}

	// The signing domain must be below a public suffix; nobody can sign
	// for "com" or "co.uk".
	if isTLD(sig.Domain) {
		return fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	// Check query methods (only dns/txt is supported)
	if len(sig.QueryMethods) > 0 {
		hasDNS := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") || strings.EqualFold(m, "dns") {
				hasDNS = true
				break
			}
		}
		if !hasDNS {
			return fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
		}
	}

	return nil
}

// verifyWithRecord checks the record constraints, then the body hash, then
// the signature itself.
func (v *Verifier) verifyWithRecord(record *Record, sig *Signature, m *message.Message, h message.Header) (Status, error) {
	// Check hash algorithm is allowed
	if !record.HashAllowed(sig.Algorithm.HashName()) {
		return StatusPermerror, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.Algorithm.HashName())
	}

	// Check key type matches
	if !strings.EqualFold(record.Key, sig.Algorithm.KeyType()) {
		return StatusPermerror, fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.Algorithm)
	}

	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok {
		if bits, minBits := rsaKey.N.BitLen(), v.minRSAKeyBits(); bits < minBits {
			return StatusPermerror, fmt.Errorf("%w: %d bits, minimum %d", ErrWeakKey, bits, minBits)
		}
	}

	if !record.ServiceAllowed("email") {
		return StatusPermerror, ErrKeyNotForEmail
	}

	// Check strict domain alignment if required
	if record.RequireStrictAlignment() && sig.Identity != "" && sig.IdentityDomain() != sig.Domain {
		return StatusPermerror, fmt.Errorf("%w: strict alignment required", ErrDomainIdentityMismatch)
	}

	// A body that no longer matches makes the signature check pointless.
	bodyHash, err := computeBodyHash(sig.BodyCanonicalization, m.Body, sig.Length)
	if err != nil {
		return StatusFail, err
	}
	if !bytes.Equal(sig.BodyHash, bodyHash) {
		return StatusFail, ErrBodyHashMismatch
	}

	digest := computeDataHash(sig.HeaderCanonicalization, m.Headers, sig.SignedHeaders, h.Name, stripSignatureValue(h.Value))
	if err := verifyWithKey(record.PublicKey, sig.Algorithm, digest, sig.Signature); err != nil {
		if errors.Is(err, ErrSigVerify) {
			return StatusFail, err
		}
		return StatusFail, fmt.Errorf("%w: %v", ErrSigVerify, err)
	}

	return StatusPass, nil
}

// lookup retrieves and parses the DKIM record from DNS.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	if v.Resolver == nil {
		return nil, false, fmt.Errorf("%w: no resolver configured", ErrDNS)
	}

	// Build the DNS name: <selector>._domainkey.<domain>
	name := selector + "._domainkey." + domain + "."

	result, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	// Find a valid DKIM record
	var (
		dkimRecord *Record
		recordErr  error
		found      int
	)
	for _, txt := range result.Records {
		record, isDKIM, err := ParseRecord(txt)
		if !isDKIM {
			continue
		}
		found++
		dkimRecord, recordErr = record, err
	}

	switch {
	case found == 0:
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	case found > 1:
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
	case recordErr != nil:
		return dkimRecord, result.Authentic, recordErr
	}
	return dkimRecord, result.Authentic, nil
}

// IsTemporaryError returns true if the error is temporary.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if dns.IsTemporary(err) {
		return true
	}
	// A lookup failure that is not "no such record" may succeed later.
	if errors.Is(err, ErrDNS) && !dns.IsNotFound(err) {
		return true
	}
	// Multiple records is a temporary error (might be fixed by DNS admin)
	return errors.Is(err, ErrMultipleRecords)
}

// isTLD checks if a domain is at or above the organizational domain level.
// A domain is considered a TLD if it's a public suffix (like "com", "co.uk").
// Uses the Public Suffix List from publicsuffix.org for accurate detection.
func isTLD(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}

	// EffectiveTLDPlusOne fails when the domain is itself a public suffix.
	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return true
	}
	return !isSameOrSubdomain(domain, etldPlusOne)
}

// organizationalDomain returns the registrable domain (eTLD+1), or domain
// itself when that cannot be determined.
func organizationalDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if org, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		return org
	}
	return domain
}
