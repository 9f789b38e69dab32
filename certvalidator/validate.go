// This file contains the chain validation orchestrator.
package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/certvalidator/report"
	"github.com/georgepadayatti/certtrust/metrics"
)

// Check names used in report items.
const (
	CheckChain          = "chain"
	CheckValidity       = "validity_period"
	CheckTrustAnchor    = "trust_anchor"
	CheckSignature      = "issuer_signature"
	CheckCAConstraint   = "ca_constraint"
	CheckTimestampUsage = "timestamp_usage"
	CheckRevocation     = "revocation"
	CheckCRL            = "crl"
	CheckOCSP           = "ocsp"
)

// RevocationOutcome is the conclusion drawn from one revocation artifact.
type RevocationOutcome int

const (
	// OutcomeInconclusive means the artifact could not be used.
	OutcomeInconclusive RevocationOutcome = iota
	OutcomeGood
	OutcomeRevoked
)

// String returns the string representation of the outcome.
func (o RevocationOutcome) String() string {
	switch o {
	case OutcomeInconclusive:
		return "inconclusive"
	case OutcomeGood:
		return "good"
	case OutcomeRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("RevocationOutcome(%d)", int(o))
	}
}

// CertificateValidator validates a certificate and its issuers, appending
// the findings to r. CRL and OCSP validators use it for signer chains.
type CertificateValidator interface {
	ValidateCertificate(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert *x509.Certificate, validationDate time.Time)
}

// RevocationValidator checks one certificate against one revocation
// artifact. issuer is the issuer of cert and may be nil.
type RevocationValidator interface {
	ValidateRevocation(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert, issuer *x509.Certificate, data RevocationData, validationDate time.Time) RevocationOutcome
}

// ChainValidatorOption configures a ChainValidator.
type ChainValidatorOption func(*ChainValidator)

// WithSettings replaces the default settings. Zero durations, limits and
// clock take their defaults. Revocation policies are used as given; the zero
// RevocationPolicy is Required with PreferOCSP, so start from DefaultSettings
// to keep the default CA policy.
func WithSettings(s Settings) ChainValidatorOption {
	return func(cv *ChainValidator) {
		cv.settings = s
	}
}

// WithRevocationSource sets where revocation artifacts come from. Without a
// source every certificate is treated as having no revocation data.
func WithRevocationSource(src RevocationDataSource) ChainValidatorOption {
	return func(cv *ChainValidator) {
		cv.source = src
	}
}

// WithSignatureVerifier replaces the signature primitive.
func WithSignatureVerifier(v SignatureVerifier) ChainValidatorOption {
	return func(cv *ChainValidator) {
		if v != nil {
			cv.verifier = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ChainValidatorOption {
	return func(cv *ChainValidator) {
		if logger != nil {
			cv.baseLogger = logger
		}
	}
}

// WithMetrics records validations on m.
func WithMetrics(m *metrics.Collector) ChainValidatorOption {
	return func(cv *ChainValidator) {
		cv.metrics = m
	}
}

// WithCRLValidator replaces the CRL validator.
func WithCRLValidator(v RevocationValidator) ChainValidatorOption {
	return func(cv *ChainValidator) {
		cv.crl = v
	}
}

// WithOCSPValidator replaces the OCSP validator.
func WithOCSPValidator(v RevocationValidator) ChainValidatorOption {
	return func(cv *ChainValidator) {
		cv.ocsp = v
	}
}

// ChainValidator walks a certificate chain from the end-entity certificate
// towards a trust anchor and checks each certificate on the way.
type ChainValidator struct {
	store    TrustStore
	resolver IssuerResolver
	source   RevocationDataSource
	verifier SignatureVerifier
	crl      RevocationValidator
	ocsp     RevocationValidator
	settings Settings

	baseLogger *zap.Logger
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewChainValidator creates a chain validator that anchors chains in store
// and completes them with resolver.
func NewChainValidator(store TrustStore, resolver IssuerResolver, opts ...ChainValidatorOption) *ChainValidator {
	mustNotBeNil("NewChainValidator", "store", store == nil)
	mustNotBeNil("NewChainValidator", "resolver", resolver == nil)

	cv := &ChainValidator{
		store:      store,
		resolver:   resolver,
		verifier:   X509SignatureVerifier{},
		settings:   DefaultSettings(),
		baseLogger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cv)
	}
	cv.settings = cv.settings.withDefaults()
	cv.logger = cv.baseLogger.Named("chain")

	if cv.crl == nil {
		cv.crl = NewCRLValidator(resolver, cv,
			WithVerifier(cv.verifier),
			WithFreshnessTolerance(cv.settings.CRLFreshness),
			WithValidatorLogger(cv.baseLogger))
	}
	if cv.ocsp == nil {
		cv.ocsp = NewOCSPValidator(resolver, cv,
			WithVerifier(cv.verifier),
			WithFreshnessTolerance(cv.settings.OCSPFreshness),
			WithValidatorLogger(cv.baseLogger))
	}
	return cv
}

// Settings returns the effective settings.
func (cv *ChainValidator) Settings() Settings {
	return cv.settings
}

// ValidateChain validates leaf and its issuers at validationDate and returns
// a new report carrying the resolved chain. A nil vctx is a chain context;
// a zero validationDate means now.
func (cv *ChainValidator) ValidateChain(ctx context.Context, vctx *ValidationContext, leaf *x509.Certificate, validationDate time.Time) *report.ValidationReport {
	mustNotBeNil("ValidateChain", "leaf", leaf == nil)
	if vctx == nil {
		vctx = NewValidationContext(KindChain)
	}
	start := cv.settings.Clock.Now()
	if validationDate.IsZero() {
		validationDate = start
	}

	r := report.NewValidationReport()
	chain := cv.validate(ctx, r, vctx, leaf, validationDate)
	r.SetChain(chain)

	status := r.Status()
	cv.metrics.ObserveValidation(status.String(), cv.settings.Clock.Since(start))
	cv.logger.Info("chain validated",
		zap.String("report", r.ID()),
		zap.String("subject", describe(leaf)),
		zap.String("context", vctx.String()),
		zap.Time("validation_date", validationDate),
		zap.Int("chain_length", len(chain)),
		zap.Stringer("status", status))
	return r
}

// ValidateCertificate is ValidateChain appending into an existing report.
func (cv *ChainValidator) ValidateCertificate(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert *x509.Certificate, validationDate time.Time) {
	mustNotBeNil("ValidateCertificate", "report", r == nil)
	mustNotBeNil("ValidateCertificate", "context", vctx == nil)
	mustNotBeNil("ValidateCertificate", "cert", cert == nil)
	cv.validate(ctx, r, vctx, cert, validationDate)
}

func (cv *ChainValidator) validate(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert *x509.Certificate, validationDate time.Time) []*x509.Certificate {
	if vctx.Depth() > cv.settings.MaxValidationDepth {
		r.AddForCertificate(cert, CheckChain, report.SeverityIndeterminate,
			"maximum validation depth %d exceeded (%s)", cv.settings.MaxValidationDepth, vctx)
		return []*x509.Certificate{cert}
	}

	chain := cv.resolver.RetrieveMissingCertificates(ctx, []*x509.Certificate{cert})
	source := vctx.CertificateSource()

	for i, c := range chain {
		if validationDate.Before(c.NotBefore) || validationDate.After(c.NotAfter) {
			r.AddForCertificate(c, CheckValidity, report.SeverityInvalid,
				"certificate is not valid at %s (valid %s to %s)",
				formatTime(validationDate), formatTime(c.NotBefore), formatTime(c.NotAfter))
		}
		if i > 0 && !c.IsCA {
			r.AddForCertificate(c, CheckCAConstraint, report.SeverityInvalid,
				"issuer %s is not a CA", describe(c))
		}
		if i == 0 && source == KindTimestamp && !hasExtKeyUsage(c, x509.ExtKeyUsageTimeStamping) {
			r.AddForCertificate(c, CheckTimestampUsage, report.SeverityInvalid,
				"certificate is not authorised for time stamping")
		}

		if purpose, ok := cv.trustAnchor(vctx, c, i); ok {
			r.AddForCertificate(c, CheckTrustAnchor, report.SeverityInfo,
				"%s is a trust anchor (trusted for %s)", describe(c), purpose)
			return chain[:i+1]
		}

		if i+1 == len(chain) {
			if IsSelfIssued(c) {
				r.AddForCertificate(c, CheckChain, report.SeverityIndeterminate,
					"self-issued certificate %s is not trusted", describe(c))
			} else {
				r.AddForCertificate(c, CheckChain, report.SeverityIndeterminate,
					"incomplete chain, no trust anchor reached")
			}
			return chain
		}

		issuer := chain[i+1]
		if !verifyIssuedBy(cv.verifier, c, issuer) {
			r.AddForCertificate(c, CheckSignature, report.SeverityInvalid,
				"signature does not verify against issuer %s", describe(issuer))
		}

		cv.checkRevocation(ctx, r, vctx, c, issuer, i, validationDate)
	}
	return chain
}

// trustAnchor reports whether cert at position in the chain terminates the
// chain in context vctx. The general bucket always applies; the CA bucket
// applies to issuers; the bucket matching the certificate source applies in
// CRL issuer, OCSP responder and timestamp contexts. A revocation signer
// that issued the certificate under check may also be anchored by the CA
// bucket. The configured certificate must carry the same public key.
func (cv *ChainValidator) trustAnchor(vctx *ValidationContext, cert *x509.Certificate, position int) (TrustPurpose, bool) {
	purposes := []TrustPurpose{TrustGeneral}
	if position > 0 {
		purposes = append(purposes, TrustCA)
	}
	switch vctx.CertificateSource() {
	case KindCRLIssuer:
		purposes = append(purposes, TrustCRL)
	case KindOCSPResponder:
		purposes = append(purposes, TrustOCSP)
	case KindTimestamp:
		purposes = append(purposes, TrustTimestamp)
	}
	if position == 0 {
		if target := vctx.RevocationTarget(); target != nil && isPotentialIssuer(cert, target) {
			purposes = append(purposes, TrustCA)
		}
	}

	id := IdentityOf(cert)
	for _, p := range purposes {
		if trusted, ok := cv.store.GetTrusted(p, id); ok && samePublicKey(trusted, cert) {
			return p, true
		}
	}
	return 0, false
}

// checkRevocation evaluates the revocation artifacts for cert in policy
// order and merges the first conclusive result. When none is conclusive
// every attempt is merged.
func (cv *ChainValidator) checkRevocation(ctx context.Context, r *report.ValidationReport, vctx *ValidationContext, cert, issuer *x509.Certificate, position int, validationDate time.Time) {
	policy := cv.settings.policyFor(cert.IsCA)
	if policy.Requirement == RevocationNotChecked {
		return
	}
	if position == 0 && vctx.CertificateSource() == KindOCSPResponder && hasOCSPNoCheck(cert) {
		r.AddForCertificate(cert, CheckRevocation, report.SeverityInfo,
			"OCSP responder certificate carries id-pkix-ocsp-nocheck, revocation not checked")
		return
	}
	if vctx.IsCheckingRevocationOf(cert) {
		r.AddForCertificate(cert, CheckRevocation, report.SeverityIndeterminate,
			"revocation status of %s is already being checked (%s)", describe(cert), vctx)
		return
	}

	var data []RevocationData
	if cv.source != nil {
		for _, d := range cv.source.RevocationData(ctx, cert, issuer) {
			if policy.accepts(d.Kind()) {
				data = append(data, d)
			}
		}
	}
	slices.SortStableFunc(data, func(a, b RevocationData) int {
		if ra, rb := policy.rank(a.Kind()), policy.rank(b.Kind()); ra != rb {
			return ra - rb
		}
		return b.GenerationDate.Compare(a.GenerationDate)
	})

	if len(data) == 0 {
		if policy.Requirement == RevocationRequired {
			r.AddForCertificate(cert, CheckRevocation, report.SeverityIndeterminate,
				"revocation status could not be determined: no revocation data available")
		} else {
			r.AddForCertificate(cert, CheckRevocation, report.SeverityInfo,
				"no revocation data available")
		}
		return
	}

	rctx := vctx.WithRevocationTarget(KindRevocationData, cert)
	attempts := make([]*report.ValidationReport, 0, len(data))
	for _, d := range data {
		sub := report.NewValidationReport()
		var outcome RevocationOutcome
		switch d.Kind() {
		case RevocationDataOCSP:
			outcome = cv.ocsp.ValidateRevocation(ctx, sub, rctx.With(KindOCSP), cert, issuer, d, validationDate)
		default:
			outcome = cv.crl.ValidateRevocation(ctx, sub, rctx.With(KindCRL), cert, issuer, d, validationDate)
		}
		cv.metrics.ObserveRevocationCheck(d.Kind().String(), outcome.String())
		cv.logger.Debug("revocation artifact evaluated",
			zap.String("subject", describe(cert)),
			zap.Stringer("kind", d.Kind()),
			zap.String("origin", d.Origin),
			zap.Stringer("outcome", outcome))

		if outcome != OutcomeInconclusive {
			r.Merge(sub)
			return
		}
		attempts = append(attempts, sub)
	}

	for _, sub := range attempts {
		r.Merge(sub)
	}
	if policy.Requirement == RevocationRequired {
		r.AddForCertificate(cert, CheckRevocation, report.SeverityIndeterminate,
			"revocation status could not be determined")
	}
}
