// This file contains certificate identity and comparison helpers.
package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// id-pkix-ocsp-nocheck
var oidOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

const fingerprintIdentityPrefix = "sha256:"

// CertificateIdentity is the lookup key of a certificate in the trust store.
// It is derived from the subject name and is not collision free.
type CertificateIdentity string

// IdentityOf returns the identity of cert's subject. Certificates with an
// empty subject are identified by their SHA-256 fingerprint.
func IdentityOf(cert *x509.Certificate) CertificateIdentity {
	if id := NameIdentity(cert.Subject); id != "" {
		return id
	}
	fp := CertificateFingerprint(cert)
	return CertificateIdentity(fingerprintIdentityPrefix + hex.EncodeToString(fp[:]))
}

// IssuerIdentityOf returns the identity of the name cert was issued by.
func IssuerIdentityOf(cert *x509.Certificate) CertificateIdentity {
	return NameIdentity(cert.Issuer)
}

// NameIdentity canonicalises a distinguished name. Attribute values are
// whitespace-collapsed, NFKC normalised and case folded so that names which
// differ only in encoding or case map to the same identity.
func NameIdentity(name pkix.Name) CertificateIdentity {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}

	parts := make([]string, 0, len(atvs))
	for _, atv := range atvs {
		parts = append(parts, atv.Type.String()+"="+normalizeRDNValue(atv.Value))
	}
	return CertificateIdentity(strings.Join(parts, ","))
}

// rawNameIdentity canonicalises a DER encoded Name.
func rawNameIdentity(der []byte) (CertificateIdentity, bool) {
	var rdns pkix.RDNSequence
	if rest, err := asn1.Unmarshal(der, &rdns); err != nil || len(rest) > 0 {
		return "", false
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdns)
	return NameIdentity(name), true
}

func normalizeRDNValue(value interface{}) string {
	s, ok := value.(string)
	if !ok {
		return fmt.Sprint(value)
	}
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(norm.NFKC.String(s))
}

// CertificateFingerprint returns the SHA-256 fingerprint of a certificate.
func CertificateFingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// certKey creates a unique key for a certificate.
func certKey(cert *x509.Certificate) string {
	h := CertificateFingerprint(cert)
	return string(h[:])
}

// sameCertificate reports whether a and b have identical encodings.
func sameCertificate(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Raw, b.Raw)
}

func samePublicKey(a, b *x509.Certificate) bool {
	return bytes.Equal(a.RawSubjectPublicKeyInfo, b.RawSubjectPublicKeyInfo)
}

// IsSelfIssued checks if a certificate is self-issued (issuer == subject).
// A self-issued certificate may still be signed by a different key.
func IsSelfIssued(cert *x509.Certificate) bool {
	return NameIdentity(cert.Issuer) == NameIdentity(cert.Subject)
}

// isPotentialIssuer checks if issuer could have issued cert.
func isPotentialIssuer(issuer, cert *x509.Certificate) bool {
	if NameIdentity(issuer.Subject) != IssuerIdentityOf(cert) {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(issuer.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId)
	}
	return true
}

func hasExtKeyUsage(cert *x509.Certificate, usage x509.ExtKeyUsage) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == usage {
			return true
		}
	}
	return false
}

// hasOCSPNoCheck checks if the certificate carries id-pkix-ocsp-nocheck.
func hasOCSPNoCheck(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidOCSPNoCheck) {
			return true
		}
	}
	return false
}

func describe(cert *x509.Certificate) string {
	if s := cert.Subject.String(); s != "" {
		return s
	}
	return string(IdentityOf(cert))
}
