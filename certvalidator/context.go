// This file contains the immutable validation context.
package certvalidator

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// ContextKind names the kind of check a ValidationContext describes.
type ContextKind int

const (
	KindChain ContextKind = iota
	KindRevocationData
	KindOCSP
	KindCRL
	KindTimestamp
	KindCRLIssuer
	KindOCSPResponder
)

// String returns the string representation of the kind.
func (k ContextKind) String() string {
	switch k {
	case KindChain:
		return "chain"
	case KindRevocationData:
		return "revocation data"
	case KindOCSP:
		return "ocsp"
	case KindCRL:
		return "crl"
	case KindTimestamp:
		return "timestamp"
	case KindCRLIssuer:
		return "crl issuer"
	case KindOCSPResponder:
		return "ocsp responder"
	default:
		return fmt.Sprintf("ContextKind(%d)", int(k))
	}
}

// ParseContextKind converts a kind name back to a ContextKind.
// Underscores and dashes are accepted in place of spaces.
func ParseContextKind(s string) (ContextKind, error) {
	normalized := strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(s))
	for k := KindChain; k <= KindOCSPResponder; k++ {
		if k.String() == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown validation context %q", s)
}

// ValidationContext describes the check currently running and the checks
// that led to it. It is never mutated; With and WithRevocationTarget return
// a new child context. A context may be shared between goroutines.
type ValidationContext struct {
	kind   ContextKind
	parent *ValidationContext
	// target is the certificate whose revocation status this context, or
	// the nearest ancestor that set one, is checking.
	target *x509.Certificate
	depth  int
}

// NewValidationContext creates a root context.
func NewValidationContext(kind ContextKind) *ValidationContext {
	return &ValidationContext{kind: kind}
}

// Kind returns the kind of the context.
func (c *ValidationContext) Kind() ContextKind {
	return c.kind
}

// Parent returns the enclosing context, or nil for a root context.
func (c *ValidationContext) Parent() *ValidationContext {
	return c.parent
}

// With returns a child context of the given kind.
func (c *ValidationContext) With(kind ContextKind) *ValidationContext {
	depth := c.depth
	if kind == KindCRLIssuer || kind == KindOCSPResponder {
		depth++
	}
	return &ValidationContext{kind: kind, parent: c, target: c.target, depth: depth}
}

// WithRevocationTarget returns a child context that checks the revocation
// status of cert.
func (c *ValidationContext) WithRevocationTarget(kind ContextKind, cert *x509.Certificate) *ValidationContext {
	mustNotBeNil("WithRevocationTarget", "cert", cert == nil)
	child := c.With(kind)
	child.target = cert
	return child
}

// RevocationTarget returns the certificate whose revocation status is being
// checked, or nil outside a revocation check.
func (c *ValidationContext) RevocationTarget() *x509.Certificate {
	return c.target
}

// IsCheckingRevocationOf reports whether this context or any ancestor is
// checking the revocation status of cert.
func (c *ValidationContext) IsCheckingRevocationOf(cert *x509.Certificate) bool {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if ctx.target != nil && sameCertificate(ctx.target, cert) {
			return true
		}
	}
	return false
}

// CertificateSource returns the kind of the nearest CRL issuer, OCSP
// responder or timestamp context, or KindChain when there is none. It
// decides which trust bucket besides the general one may terminate a chain.
func (c *ValidationContext) CertificateSource() ContextKind {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		switch ctx.kind {
		case KindCRLIssuer, KindOCSPResponder, KindTimestamp:
			return ctx.kind
		}
	}
	return KindChain
}

// Depth returns the number of nested revocation signer validations.
func (c *ValidationContext) Depth() int {
	return c.depth
}

// String renders the path from the root, e.g. "chain > revocation data > ocsp".
func (c *ValidationContext) String() string {
	var kinds []string
	for ctx := c; ctx != nil; ctx = ctx.parent {
		kinds = append(kinds, ctx.kind.String())
	}
	for i, j := 0, len(kinds)-1; i < j; i, j = i+1, j-1 {
		kinds[i], kinds[j] = kinds[j], kinds[i]
	}
	return strings.Join(kinds, " > ")
}
