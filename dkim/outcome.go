package dkim

import (
	"errors"
	"fmt"

	"github.com/emersion/go-msgauth/authres"
)

// Outcome is the aggregated verification result of one message.
// It is built once by Verifier.Verify and not modified afterwards.
type Outcome struct {
	// ID identifies this verification in logs.
	ID string

	// Status is the overall result.
	Status Status

	// Domain is the d= of the signature that determined Status. Empty when
	// no signature could be parsed.
	Domain string

	// Err explains a non-pass Status.
	Err error

	// Results holds the per-signature results in header order.
	Results []Result
}

// statusRank orders non-pass statuses; the highest one is reported.
var statusRank = map[Status]int{
	StatusTemperror: 5,
	StatusFail:      4,
	StatusPermerror: 3,
	StatusPolicy:    2,
	StatusNeutral:   1,
}

// aggregate folds per-signature results into an Outcome. Any pass makes the
// message pass; an aligned pass is preferred for the reported domain.
func aggregate(id string, results []Result, fromDomain string) *Outcome {
	out := &Outcome{ID: id, Results: results}
	if len(results) == 0 {
		out.Status = StatusNeutral
		out.Err = ErrNoSignature
		return out
	}

	if pass := bestPass(results, fromDomain); pass != nil {
		out.Status = StatusPass
		out.Domain = pass.Signature.Domain
		return out
	}

	var worst *Result
	for i := range results {
		r := &results[i]
		if worst == nil || statusRank[r.Status] > statusRank[worst.Status] {
			worst = r
		}
	}
	out.Status = worst.Status
	out.Err = worst.Err
	if worst.Signature != nil {
		out.Domain = worst.Signature.Domain
	}
	return out
}

// bestPass returns the passing result whose domain matches fromDomain,
// else one in the same organizational domain, else the first pass.
func bestPass(results []Result, fromDomain string) *Result {
	var first, relaxed *Result
	for i := range results {
		r := &results[i]
		if r.Status != StatusPass {
			continue
		}
		if first == nil {
			first = r
		}
		if fromDomain == "" {
			continue
		}
		if r.Signature.Domain == fromDomain {
			return r
		}
		if relaxed == nil && organizationalDomain(r.Signature.Domain) == organizationalDomain(fromDomain) {
			relaxed = r
		}
	}
	if relaxed != nil {
		return relaxed
	}
	return first
}

// Summary returns the bare result word: pass, fail, neutral, policy,
// permerror or temperror.
func (o *Outcome) Summary() string {
	return string(o.Status)
}

// WithDetail returns the result word followed by the reason in
// parentheses, e.g. "fail (dkim: body hash does not match)". A pass has
// no detail.
func (o *Outcome) WithDetail() string {
	if o.Err == nil {
		return o.Summary()
	}
	return fmt.Sprintf("%s (%s)", o.Status, o.Err)
}

// AuthResults formats the outcome as an Authentication-Results header value
// (RFC 8601) for the given authserv-id, with one dkim= entry per signature.
func (o *Outcome) AuthResults(hostname string) string {
	if len(o.Results) == 0 {
		return authres.Format(hostname, []authres.Result{
			&authres.DKIMResult{Value: authres.ResultNone},
		})
	}

	results := make([]authres.Result, 0, len(o.Results))
	for _, r := range o.Results {
		res := &authres.DKIMResult{Value: authresValue(r.Status)}
		if r.Err != nil {
			res.Reason = reason(r.Err)
		}
		if r.Signature != nil {
			res.Domain = r.Signature.Domain
			res.Identifier = r.Signature.Identity
		}
		results = append(results, res)
	}
	return authres.Format(hostname, results)
}

func authresValue(s Status) authres.ResultValue {
	switch s {
	case StatusPass:
		return authres.ResultPass
	case StatusFail:
		return authres.ResultFail
	case StatusPolicy:
		return authres.ResultPolicy
	case StatusNeutral:
		return authres.ResultNeutral
	case StatusTemperror:
		return authres.ResultTempError
	case StatusPermerror:
		return authres.ResultPermError
	default:
		return authres.ResultNone
	}
}

// reason returns the innermost sentinel message, which is shorter and
// more stable than the full wrapped error text.
func reason(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
