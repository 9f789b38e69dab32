// This file contains OCSP based revocation checking.
package certvalidator

import (
	"context"
	"crypto/x509"
	"time"

	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/certvalidator/report"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

// OCSPValidator checks the revocation status of a certificate against one
// OCSP response.
type OCSPValidator struct {
	resolver IssuerResolver
	signers  CertificateValidator
	validatorConfig
}

// NewOCSPValidator creates an OCSP validator. Responder chains are
// validated with signers.
func NewOCSPValidator(resolver IssuerResolver, signers CertificateValidator, opts ...ValidatorOption) *OCSPValidator {
	mustNotBeNil("NewOCSPValidator", "resolver", resolver == nil)
	mustNotBeNil("NewOCSPValidator", "signers", signers == nil)
	return &OCSPValidator{
		resolver:        resolver,
		signers:         signers,
		validatorConfig: newValidatorConfig("ocsp", DefaultSettings().OCSPFreshness, opts),
	}
}

// ValidateRevocation implements RevocationValidator.
func (v *OCSPValidator) ValidateRevocation(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert, issuer *x509.Certificate, data RevocationData, validationDate time.Time) RevocationOutcome {
	if data.OCSP == nil {
		return OutcomeInconclusive
	}
	return v.Validate(ctx, r, vctx, cert, issuer, data.OCSP, validationDate, data.GenerationDate)
}

// Validate appends the findings of checking cert against resp to r. issuer
// is the issuer of cert when known; it authorises the responder and narrows
// single response matching.
func (v *OCSPValidator) Validate(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert, issuer *x509.Certificate, resp *revinfo.OCSPResponse, validationDate, generationDate time.Time) RevocationOutcome {
	mustNotBeNil("OCSPValidator.Validate", "report", r == nil)
	mustNotBeNil("OCSPValidator.Validate", "context", vctx == nil)
	mustNotBeNil("OCSPValidator.Validate", "cert", cert == nil)
	mustNotBeNil("OCSPValidator.Validate", "resp", resp == nil)

	responder, ok := v.resolver.RetrieveOCSPResponderCertificate(ctx, resp)
	if !ok {
		r.AddForCertificate(cert, CheckOCSP, report.SeverityIndeterminate, "no OCSP responder certificate found")
		return OutcomeInconclusive
	}
	if !v.verifier.VerifySignature(responder, resp.SignatureAlgorithm, resp.SignedBytes, resp.Signature) {
		r.AddForCertificate(cert, CheckOCSP, report.SeverityIndeterminate,
			"OCSP response signature does not verify against %s", describe(responder))
		return OutcomeInconclusive
	}
	if !v.authorized(responder, issuer) {
		r.AddForCertificate(cert, CheckOCSP, report.SeverityIndeterminate,
			"OCSP responder %s is not authorised to answer for %s", describe(responder), describe(cert))
		return OutcomeInconclusive
	}

	single, ok := resp.FindResponse(cert, issuer)
	if !ok {
		r.AddForCertificate(cert, CheckOCSP, report.SeverityIndeterminate, "no matching single response")
		return OutcomeInconclusive
	}

	if !checkFreshness(r, cert, CheckOCSP, "OCSP response", single.ThisUpdate, single.NextUpdate, validationDate, generationDate, v.tolerance) {
		return OutcomeInconclusive
	}

	sub := report.NewValidationReport()
	v.signers.ValidateCertificate(ctx, sub, vctx.With(KindOCSPResponder), responder, generationDate)
	if sub.Status() >= report.StatusIndeterminate {
		v.logger.Debug("OCSP responder chain not validated",
			zap.String("responder", describe(responder)), zap.Stringer("status", sub.Status()))
		r.AddForCertificate(cert, CheckOCSP, report.SeverityIndeterminate,
			"OCSP responder %s could not be validated: %s", describe(responder), worstFinding(sub))
		return OutcomeInconclusive
	}
	r.Merge(sub)

	switch single.Status {
	case revinfo.StatusGood:
		r.AddForCertificate(cert, CheckOCSP, report.SeverityInfo,
			"certificate is GOOD according to OCSP response produced %s", formatTime(resp.ProducedAt))
		return OutcomeGood
	case revinfo.StatusRevoked:
		return recordRevocation(r, cert, CheckOCSP, single.RevocationTime, single.Reason, validationDate)
	default:
		r.AddForCertificate(cert, CheckOCSP, report.SeverityIndeterminate,
			"certificate status is UNKNOWN according to OCSP response produced %s", formatTime(resp.ProducedAt))
		return OutcomeInconclusive
	}
}

// authorized accepts the issuer of the certificate itself, a delegated
// responder carrying id-kp-OCSPSigning signed by that issuer's key, and a
// responder trusted directly for OCSP.
func (v *OCSPValidator) authorized(responder, issuer *x509.Certificate) bool {
	if issuer != nil && IdentityOf(responder) == IdentityOf(issuer) && samePublicKey(responder, issuer) {
		return true
	}
	if hasExtKeyUsage(responder, x509.ExtKeyUsageOCSPSigning) && v.delegatedBy(responder, issuer) {
		return true
	}
	return v.resolver.IsCertificateTrusted(responder, TrustOCSP)
}

// delegatedBy reports whether responder was issued by issuer. A same-named
// CA with a different key does not qualify.
func (v *OCSPValidator) delegatedBy(responder, issuer *x509.Certificate) bool {
	if issuer == nil {
		return true
	}
	return IssuerIdentityOf(responder) == IdentityOf(issuer) && verifyIssuedBy(v.verifier, responder, issuer)
}
