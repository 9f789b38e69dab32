// This file contains CRL based revocation checking.
package certvalidator

import (
	"context"
	"crypto/x509"
	"time"

	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/certvalidator/report"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

// ValidatorOption configures a CRLValidator or an OCSPValidator.
type ValidatorOption func(*validatorConfig)

type validatorConfig struct {
	verifier  SignatureVerifier
	tolerance time.Duration
	logger    *zap.Logger
}

// WithVerifier sets the signature primitive used on artifacts.
func WithVerifier(v SignatureVerifier) ValidatorOption {
	return func(c *validatorConfig) {
		if v != nil {
			c.verifier = v
		}
	}
}

// WithFreshnessTolerance bounds how long before the validation date an
// artifact may have been generated.
func WithFreshnessTolerance(d time.Duration) ValidatorOption {
	return func(c *validatorConfig) {
		if d > 0 {
			c.tolerance = d
		}
	}
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger *zap.Logger) ValidatorOption {
	return func(c *validatorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newValidatorConfig(name string, tolerance time.Duration, opts []ValidatorOption) validatorConfig {
	c := validatorConfig{
		verifier:  X509SignatureVerifier{},
		tolerance: tolerance,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.logger = c.logger.Named(name)
	return c
}

// CRLValidator checks the revocation status of a certificate against one CRL.
type CRLValidator struct {
	resolver IssuerResolver
	signers  CertificateValidator
	validatorConfig
}

// NewCRLValidator creates a CRL validator. Signer chains are validated with
// signers.
func NewCRLValidator(resolver IssuerResolver, signers CertificateValidator, opts ...ValidatorOption) *CRLValidator {
	mustNotBeNil("NewCRLValidator", "resolver", resolver == nil)
	mustNotBeNil("NewCRLValidator", "signers", signers == nil)
	return &CRLValidator{
		resolver:        resolver,
		signers:         signers,
		validatorConfig: newValidatorConfig("crl", DefaultSettings().CRLFreshness, opts),
	}
}

// ValidateRevocation implements RevocationValidator.
func (v *CRLValidator) ValidateRevocation(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert, _ *x509.Certificate, data RevocationData, validationDate time.Time) RevocationOutcome {
	if data.CRL == nil {
		return OutcomeInconclusive
	}
	return v.Validate(ctx, r, vctx, cert, data.CRL, validationDate, data.GenerationDate)
}

// Validate appends the findings of checking cert against crl to r.
// generationDate is when the CRL was obtained; the CRL must be current at
// that date and the date must lie within the freshness tolerance before
// validationDate.
func (v *CRLValidator) Validate(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert *x509.Certificate, crl *revinfo.CRL, validationDate, generationDate time.Time) RevocationOutcome {
	mustNotBeNil("CRLValidator.Validate", "report", r == nil)
	mustNotBeNil("CRLValidator.Validate", "context", vctx == nil)
	mustNotBeNil("CRLValidator.Validate", "cert", cert == nil)
	mustNotBeNil("CRLValidator.Validate", "crl", crl == nil)

	if crl.IsDelta {
		r.AddForCertificate(cert, CheckCRL, report.SeverityIndeterminate,
			"delta CRL from %s cannot be used without its base CRL", crl.Issuer)
		return OutcomeInconclusive
	}

	candidates := v.resolver.GetCrlIssuerCertificates(ctx, crl)
	if len(candidates) == 0 {
		r.AddForCertificate(cert, CheckCRL, report.SeverityIndeterminate,
			"no CRL issuer certificate found for %s", crl.Issuer)
		return OutcomeInconclusive
	}

	signer := v.selectSigner(ctx, r, vctx, cert, crl, candidates, generationDate)
	if signer == nil {
		r.AddForCertificate(cert, CheckCRL, report.SeverityIndeterminate,
			"no qualified CRL issuer for %s", crl.Issuer)
		return OutcomeInconclusive
	}

	if !checkFreshness(r, cert, CheckCRL, "CRL", crl.ThisUpdate, crl.NextUpdate, validationDate, generationDate, v.tolerance) {
		return OutcomeInconclusive
	}

	entry, found := crl.FindEntry(cert.SerialNumber)
	if !found {
		r.AddForCertificate(cert, CheckCRL, report.SeverityInfo,
			"certificate is not revoked according to the CRL of %s issued %s",
			crl.Issuer, formatTime(crl.ThisUpdate))
		return OutcomeGood
	}
	return recordRevocation(r, cert, CheckCRL, entry.RevocationTime, entry.Reason, validationDate)
}

// selectSigner returns the first candidate whose signature over the CRL
// verifies, that may sign CRLs, and whose own chain validates at
// generationDate in a CRL issuer context. Only the accepted signer's
// findings reach r; rejected candidates are reported when none qualifies.
func (v *CRLValidator) selectSigner(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert *x509.Certificate, crl *revinfo.CRL, candidates []*x509.Certificate, generationDate time.Time) *x509.Certificate {
	rejected := report.NewValidationReport()
	for _, candidate := range candidates {
		if !v.verifier.VerifySignature(candidate, crl.SignatureAlgorithm, crl.SignedBytes, crl.Signature) {
			v.logger.Debug("CRL signature does not verify", zap.String("candidate", describe(candidate)))
			continue
		}
		if candidate.KeyUsage != 0 && candidate.KeyUsage&x509.KeyUsageCRLSign == 0 {
			v.logger.Debug("CRL issuer candidate lacks cRLSign", zap.String("candidate", describe(candidate)))
			continue
		}

		sub := report.NewValidationReport()
		v.signers.ValidateCertificate(ctx, sub, vctx.With(KindCRLIssuer), candidate, generationDate)
		if sub.Status() >= report.StatusIndeterminate {
			rejected.AddForCertificate(cert, CheckCRL, report.SeverityIndeterminate,
				"CRL issuer %s could not be validated: %s", describe(candidate), worstFinding(sub))
			continue
		}
		r.Merge(sub)
		return candidate
	}
	r.Merge(rejected)
	return nil
}

// checkFreshness records an INVALID finding for every freshness rule the
// artifact breaks and reports whether it may be used.
func checkFreshness(r *report.ValidationReport, cert *x509.Certificate, check, what string, thisUpdate, nextUpdate, validationDate, generationDate time.Time, tolerance time.Duration) bool {
	fresh := true
	if generationDate.Before(thisUpdate) {
		r.AddForCertificate(cert, check, report.SeverityInvalid,
			"%s is not yet valid at %s (thisUpdate %s)", what, formatTime(generationDate), formatTime(thisUpdate))
		fresh = false
	}
	if !nextUpdate.IsZero() && generationDate.After(nextUpdate) {
		r.AddForCertificate(cert, check, report.SeverityInvalid,
			"%s is stale at %s (nextUpdate %s)", what, formatTime(generationDate), formatTime(nextUpdate))
		fresh = false
	}
	if generationDate.After(validationDate) {
		r.AddForCertificate(cert, check, report.SeverityInvalid,
			"%s was obtained at %s, after the validation date %s", what, formatTime(generationDate), formatTime(validationDate))
		fresh = false
	} else if validationDate.Sub(generationDate) > tolerance {
		r.AddForCertificate(cert, check, report.SeverityInvalid,
			"%s was obtained at %s, more than %s before the validation date %s",
			what, formatTime(generationDate), tolerance, formatTime(validationDate))
		fresh = false
	}
	return fresh
}

// recordRevocation applies point-in-time semantics: a revocation after the
// validation date does not affect the certificate at that date.
func recordRevocation(r *report.ValidationReport, cert *x509.Certificate, check string, revokedAt time.Time, reason revinfo.RevocationReason, validationDate time.Time) RevocationOutcome {
	if revokedAt.After(validationDate) {
		r.AddForCertificate(cert, check, report.SeverityInfo,
			"certificate was revoked on %s (%s), after the validation date %s",
			formatTime(revokedAt), reason, formatTime(validationDate))
		return OutcomeGood
	}
	r.AddForCertificate(cert, check, report.SeverityInvalid,
		"certificate was revoked on %s (%s)", formatTime(revokedAt), reason)
	return OutcomeRevoked
}

func worstFinding(r *report.ValidationReport) string {
	var worst *report.ReportItem
	for _, item := range r.Items() {
		if worst == nil || item.Severity() > worst.Severity() {
			worst = item
		}
	}
	if worst == nil {
		return "no findings"
	}
	return worst.Message()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
