package dkim

import (
	"context"
	"crypto"

	"github.com/synqronlabs/raven-dkim/dns"
	"github.com/synqronlabs/raven-dkim/message"
)

// SignMessageMultiple returns a copy of m signed by every signer. The
// signatures are prepended in signer order, so the first signer's header
// ends up on top.
func SignMessageMultiple(m *message.Message, signers []Signer) (*message.Message, error) {
	out := m
	for i := len(signers) - 1; i >= 0; i-- {
		h, err := signers[i].Sign(m)
		if err != nil {
			return nil, err
		}
		out = out.Prepend(signatureField(h))
	}
	return out, nil
}

// QuickSign is a simplified signing function for common use cases:
// relaxed/relaxed canonicalization, DefaultSignedHeaders and oversigning.
func QuickSign(m *message.Message, domain, selector string, privateKey crypto.Signer) (*message.Message, error) {
	signer := &Signer{
		Domain:                 domain,
		Selector:               selector,
		PrivateKey:             privateKey,
		Headers:                DefaultSignedHeaders,
		HeaderCanonicalization: CanonRelaxed,
		BodyCanonicalization:   CanonRelaxed,
		OversignHeaders:        true,
	}
	return signer.SignMessage(m)
}

// VerifyMessage verifies the message with a default Verifier, using the
// From header domain for alignment when it can be determined.
func VerifyMessage(ctx context.Context, resolver dns.Resolver, m *message.Message) *Outcome {
	fromDomain, _ := m.FromDomain()
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, m, fromDomain)
}
