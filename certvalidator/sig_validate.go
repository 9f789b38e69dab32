// This file contains the signature verification primitive.
package certvalidator

import (
	"crypto/x509"
)

// SignatureVerifier checks a signature over bytes with a certificate's key.
type SignatureVerifier interface {
	VerifySignature(signer *x509.Certificate, algorithm x509.SignatureAlgorithm, signed, signature []byte) bool
}

// SignatureVerifierFunc adapts a function to SignatureVerifier.
type SignatureVerifierFunc func(signer *x509.Certificate, algorithm x509.SignatureAlgorithm, signed, signature []byte) bool

// VerifySignature calls f.
func (f SignatureVerifierFunc) VerifySignature(signer *x509.Certificate, algorithm x509.SignatureAlgorithm, signed, signature []byte) bool {
	return f(signer, algorithm, signed, signature)
}

// X509SignatureVerifier verifies signatures with crypto/x509.
type X509SignatureVerifier struct{}

// VerifySignature verifies signature over signed with signer's public key.
func (X509SignatureVerifier) VerifySignature(signer *x509.Certificate, algorithm x509.SignatureAlgorithm, signed, signature []byte) bool {
	if signer == nil || len(signature) == 0 {
		return false
	}
	return signer.CheckSignature(algorithm, signed, signature) == nil
}

// verifyIssuedBy checks the signature of cert against issuer's key.
func verifyIssuedBy(v SignatureVerifier, cert, issuer *x509.Certificate) bool {
	return v.VerifySignature(issuer, cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
}
