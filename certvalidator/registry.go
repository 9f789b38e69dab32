// This file contains the purpose-scoped trusted certificate store.
package certvalidator

import (
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
)

// TrustPurpose selects one of the trust buckets of a TrustStore.
type TrustPurpose int

const (
	TrustGeneral TrustPurpose = iota
	TrustOCSP
	TrustCRL
	TrustTimestamp
	TrustCA

	numTrustPurposes
)

// TrustPurposes lists every purpose in bucket order.
var TrustPurposes = []TrustPurpose{TrustGeneral, TrustOCSP, TrustCRL, TrustTimestamp, TrustCA}

// String returns the string representation of the purpose.
func (p TrustPurpose) String() string {
	switch p {
	case TrustGeneral:
		return "general"
	case TrustOCSP:
		return "ocsp"
	case TrustCRL:
		return "crl"
	case TrustTimestamp:
		return "timestamp"
	case TrustCA:
		return "ca"
	default:
		return fmt.Sprintf("TrustPurpose(%d)", int(p))
	}
}

func (p TrustPurpose) valid() bool {
	return p >= 0 && p < numTrustPurposes
}

// ParseTrustPurpose converts a purpose name back to a TrustPurpose.
func ParseTrustPurpose(s string) (TrustPurpose, error) {
	for _, p := range TrustPurposes {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown trust purpose %q", s)
}

// TrustStore is the read side of a trusted certificate registry.
type TrustStore interface {
	// IsTrusted reports whether cert's identity is in the bucket for purpose.
	IsTrusted(purpose TrustPurpose, cert *x509.Certificate) bool

	// GetTrusted looks up a certificate by identity in one bucket.
	GetTrusted(purpose TrustPurpose, id CertificateIdentity) (*x509.Certificate, bool)

	// GetKnown looks up a path-building certificate by identity.
	GetKnown(id CertificateIdentity) (*x509.Certificate, bool)

	// AllTrusted returns the union of all buckets.
	AllTrusted() []*x509.Certificate

	// AllKnown returns the path-building certificates.
	AllKnown() []*x509.Certificate
}

// TrustedCertificatesStore partitions trusted certificates by purpose and
// keeps a separate set of certificates that are only known for path
// building. A new store trusts nothing.
//
// Within a bucket certificates are keyed by CertificateIdentity; adding a
// certificate whose identity is already present replaces the old entry.
type TrustedCertificatesStore struct {
	mu      sync.RWMutex
	buckets [numTrustPurposes]map[CertificateIdentity]*x509.Certificate
	known   map[CertificateIdentity]*x509.Certificate
}

// NewTrustedCertificatesStore creates an empty store.
func NewTrustedCertificatesStore() *TrustedCertificatesStore {
	s := &TrustedCertificatesStore{
		known: make(map[CertificateIdentity]*x509.Certificate),
	}
	for i := range s.buckets {
		s.buckets[i] = make(map[CertificateIdentity]*x509.Certificate)
	}
	return s
}

// IsTrusted reports whether cert's identity is present in the bucket for purpose.
func (s *TrustedCertificatesStore) IsTrusted(purpose TrustPurpose, cert *x509.Certificate) bool {
	if cert == nil || !purpose.valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buckets[purpose][IdentityOf(cert)]
	return ok
}

// GetTrusted looks up a certificate by identity in the bucket for purpose.
func (s *TrustedCertificatesStore) GetTrusted(purpose TrustPurpose, id CertificateIdentity) (*x509.Certificate, bool) {
	if !purpose.valid() {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.buckets[purpose][id]
	return cert, ok
}

// GetKnown looks up a path-building certificate by identity.
func (s *TrustedCertificatesStore) GetKnown(id CertificateIdentity) (*x509.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.known[id]
	return cert, ok
}

// SetTrusted replaces the contents of the bucket for purpose.
func (s *TrustedCertificatesStore) SetTrusted(purpose TrustPurpose, certs ...*x509.Certificate) {
	if !purpose.valid() {
		return
	}
	bucket := make(map[CertificateIdentity]*x509.Certificate, len(certs))
	addAll(bucket, certs)

	s.mu.Lock()
	s.buckets[purpose] = bucket
	s.mu.Unlock()
}

// AddTrusted adds certs to the bucket for purpose.
func (s *TrustedCertificatesStore) AddTrusted(purpose TrustPurpose, certs ...*x509.Certificate) {
	if !purpose.valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	addAll(s.buckets[purpose], certs)
}

// AddKnown adds certs to the path-building set.
func (s *TrustedCertificatesStore) AddKnown(certs ...*x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addAll(s.known, certs)
}

// AllTrusted returns every trusted certificate once, in purpose order.
func (s *TrustedCertificatesStore) AllTrusted() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []*x509.Certificate
	for _, bucket := range s.buckets {
		for _, cert := range bucket {
			key := certKey(cert)
			if seen[key] {
				continue
			}
			seen[key] = true
			result = append(result, cert)
		}
	}
	return result
}

// AllKnown returns the path-building certificates.
func (s *TrustedCertificatesStore) AllKnown() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*x509.Certificate, 0, len(s.known))
	for _, cert := range s.known {
		result = append(result, cert)
	}
	return result
}

// Count returns the number of certificates in the bucket for purpose.
func (s *TrustedCertificatesStore) Count(purpose TrustPurpose) int {
	if !purpose.valid() {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.buckets[purpose])
}

func addAll(bucket map[CertificateIdentity]*x509.Certificate, certs []*x509.Certificate) {
	for _, cert := range certs {
		if cert == nil {
			continue
		}
		bucket[IdentityOf(cert)] = cert
	}
}
