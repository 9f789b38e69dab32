package certvalidator

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/certvalidator/report"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

func goodTemplate(now time.Time) ocsp.Response {
	return ocsp.Response{Status: ocsp.Good, ThisUpdate: now.Add(-time.Hour)}
}

type ocspFixture struct {
	h         *testHierarchy
	store     *TrustedCertificatesStore
	retriever *IssuingCertificateRetriever
	validator *OCSPValidator
	vctx      *ValidationContext
	base      time.Time
}

func newOCSPFixture(t *testing.T, opts ...ValidatorOption) *ocspFixture {
	t.Helper()
	h := newHierarchy(t)
	store := h.trustedStore()
	retriever := NewIssuingCertificateRetriever(store)
	return &ocspFixture{
		h:         h,
		store:     store,
		retriever: retriever,
		validator: NewOCSPValidator(retriever, NewChainValidator(store, retriever), opts...),
		vctx:      NewValidationContext(KindChain).WithRevocationTarget(KindRevocationData, h.leaf.cert).With(KindOCSP),
		base:      time.Now().Truncate(time.Second),
	}
}

func (f *ocspFixture) validate(resp *revinfo.OCSPResponse, validationDate, generationDate time.Time) (*report.ValidationReport, RevocationOutcome) {
	r := report.NewValidationReport()
	outcome := f.validator.Validate(context.Background(), r, f.vctx, f.h.leaf.cert, f.h.inter.cert, resp, validationDate, generationDate)
	return r, outcome
}

func TestOCSPValidatorGood(t *testing.T) {
	f := newOCSPFixture(t)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

	r, outcome := f.validate(resp, f.base, f.base)

	assert.Equal(t, OutcomeGood, outcome)
	assert.Equal(t, report.StatusInfo, r.Status())
	assert.True(t, containsMessage(r, report.SeverityInfo, "GOOD"))
}

func TestOCSPValidatorRevoked(t *testing.T) {
	f := newOCSPFixture(t)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, ocsp.Response{
		Status:           ocsp.Revoked,
		ThisUpdate:       f.base.Add(-time.Hour),
		RevokedAt:        f.base.Add(-2 * time.Hour),
		RevocationReason: ocsp.Superseded,
	})

	r, outcome := f.validate(resp, f.base, f.base)

	assert.Equal(t, OutcomeRevoked, outcome)
	invalid := r.ItemsBySeverity(report.SeverityInvalid)
	require.Len(t, invalid, 1)
	assert.Equal(t, CheckOCSP, invalid[0].CheckName())
	assert.Contains(t, invalid[0].Message(), "superseded")
}

func TestOCSPValidatorRevokedAfterValidationDate(t *testing.T) {
	f := newOCSPFixture(t)
	revokedAt := f.base.Add(-10 * time.Minute)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, ocsp.Response{
		Status:     ocsp.Revoked,
		ThisUpdate: f.base.Add(-time.Hour),
		RevokedAt:  revokedAt,
	})
	generated := f.base.Add(-30 * time.Minute)

	r, outcome := f.validate(resp, revokedAt.Add(-time.Second), generated)
	assert.Equal(t, OutcomeGood, outcome)
	assert.Empty(t, r.ItemsBySeverity(report.SeverityInvalid))

	r, outcome = f.validate(resp, revokedAt, generated)
	assert.Equal(t, OutcomeRevoked, outcome)
	assert.Len(t, r.ItemsBySeverity(report.SeverityInvalid), 1)
}

func TestOCSPValidatorUnknown(t *testing.T) {
	f := newOCSPFixture(t)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, ocsp.Response{Status: ocsp.Unknown, ThisUpdate: f.base.Add(-time.Hour)})

	r, outcome := f.validate(resp, f.base, f.base)

	assert.Equal(t, OutcomeInconclusive, outcome)
	assert.True(t, containsMessage(r, report.SeverityIndeterminate, "UNKNOWN"))
}

func TestOCSPValidatorFreshness(t *testing.T) {
	f := newOCSPFixture(t)

	t.Run("NoNextUpdateIsAlwaysFresh", func(t *testing.T) {
		resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, ocsp.Response{Status: ocsp.Good, ThisUpdate: f.base.Add(-20 * 24 * time.Hour)})
		_, outcome := f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeGood, outcome)
	})

	thisUpdate, nextUpdate := f.base.Add(-2*time.Hour), f.base.Add(-time.Hour)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, ocsp.Response{Status: ocsp.Good, ThisUpdate: thisUpdate, NextUpdate: nextUpdate})

	t.Run("AtNextUpdate", func(t *testing.T) {
		r, outcome := f.validate(resp, f.base, nextUpdate)
		assert.Equal(t, OutcomeGood, outcome)
		assert.Empty(t, r.ItemsBySeverity(report.SeverityInvalid))
	})

	t.Run("AfterNextUpdate", func(t *testing.T) {
		r, outcome := f.validate(resp, f.base, nextUpdate.Add(time.Second))
		assert.Equal(t, OutcomeInconclusive, outcome)
		assert.True(t, containsMessage(r, report.SeverityInvalid, "stale"))
	})

	t.Run("BeforeThisUpdate", func(t *testing.T) {
		r, outcome := f.validate(resp, f.base, thisUpdate.Add(-time.Second))
		assert.Equal(t, OutcomeInconclusive, outcome)
		assert.True(t, containsMessage(r, report.SeverityInvalid, "not yet valid"))
	})

	t.Run("BeyondTolerance", func(t *testing.T) {
		r, outcome := f.validate(resp, nextUpdate.Add(31*24*time.Hour), nextUpdate)
		assert.Equal(t, OutcomeInconclusive, outcome)
		assert.True(t, containsMessage(r, report.SeverityInvalid, "before the validation date"))
	})
}

func TestOCSPValidatorNoResponder(t *testing.T) {
	f := newOCSPFixture(t)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))
	resp.Certificates = nil

	store := NewTrustedCertificatesStore()
	retriever := NewIssuingCertificateRetriever(store)
	v := NewOCSPValidator(retriever, NewChainValidator(store, retriever))
	r := report.NewValidationReport()
	outcome := v.Validate(context.Background(), r, f.vctx, f.h.leaf.cert, f.h.inter.cert, resp, f.base, f.base)

	assert.Equal(t, OutcomeInconclusive, outcome)
	assert.True(t, containsMessage(r, report.SeverityIndeterminate, "no OCSP responder certificate found"))
}

func TestOCSPValidatorBadSignature(t *testing.T) {
	reject := SignatureVerifierFunc(func(*x509.Certificate, x509.SignatureAlgorithm, []byte, []byte) bool { return false })
	f := newOCSPFixture(t, WithVerifier(reject))
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

	r, outcome := f.validate(resp, f.base, f.base)

	assert.Equal(t, OutcomeInconclusive, outcome)
	assert.True(t, containsMessage(r, report.SeverityIndeterminate, "signature does not verify"))
}

func TestOCSPValidatorResponderAuthorisation(t *testing.T) {
	f := newOCSPFixture(t)

	t.Run("UnrelatedResponder", func(t *testing.T) {
		rogue := issue(t, certSpec{cn: "Rogue Responder", parent: f.h.root})
		resp := rogue.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

		r, outcome := f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeInconclusive, outcome)
		assert.True(t, containsMessage(r, report.SeverityIndeterminate, "not authorised"))

		f.store.AddTrusted(TrustOCSP, rogue.cert)
		r, outcome = f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeGood, outcome, "a responder trusted for OCSP is authorised")
		assert.True(t, containsMessage(r, report.SeverityInfo, "trusted for ocsp"))
	})

	t.Run("DelegatedResponderFromOtherCA", func(t *testing.T) {
		delegated := issue(t, certSpec{cn: "Delegated Responder", parent: f.h.root,
			extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning}})
		resp := delegated.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

		r, outcome := f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeInconclusive, outcome)
		assert.True(t, containsMessage(r, report.SeverityIndeterminate, "not authorised"))
	})

	t.Run("DelegatedResponderFromSameNamedCA", func(t *testing.T) {
		otherRoot := issue(t, certSpec{cn: "Other Root", isCA: true})
		f.store.AddTrusted(TrustGeneral, otherRoot.cert)
		twin := issue(t, certSpec{cn: "Test Intermediate CA", isCA: true, parent: otherRoot})
		delegated := issue(t, certSpec{
			cn:          "Delegated Responder",
			parent:      twin,
			extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
			extensions:  []pkix.Extension{{Id: oidOCSPNoCheck, Value: []byte{0x05, 0x00}}},
		})
		f.retriever.AddKnownCertificates(twin.cert)
		resp := delegated.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

		r, outcome := f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeInconclusive, outcome)
		assert.True(t, containsMessage(r, report.SeverityIndeterminate, "not authorised"))
		assert.False(t, containsMessage(r, report.SeverityInfo, "GOOD"))
	})
}

func TestOCSPValidatorDelegatedResponder(t *testing.T) {
	f := newOCSPFixture(t)

	t.Run("WithNoCheck", func(t *testing.T) {
		delegated := issue(t, certSpec{
			cn:          "Delegated Responder",
			parent:      f.h.inter,
			extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
			extensions:  []pkix.Extension{{Id: oidOCSPNoCheck, Value: []byte{0x05, 0x00}}},
		})
		resp := delegated.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

		r, outcome := f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeGood, outcome)
		assert.True(t, containsMessage(r, report.SeverityInfo, "ocsp-nocheck"))
	})

	t.Run("WithoutNoCheck", func(t *testing.T) {
		delegated := issue(t, certSpec{
			cn:          "Delegated Responder",
			parent:      f.h.inter,
			extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
		})
		resp := delegated.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))

		r, outcome := f.validate(resp, f.base, f.base)
		assert.Equal(t, OutcomeInconclusive, outcome, "responder revocation status is required and unavailable")
		assert.True(t, containsMessage(r, report.SeverityIndeterminate, "could not be validated"))
	})
}

func TestOCSPValidatorNoMatchingSingleResponse(t *testing.T) {
	f := newOCSPFixture(t)
	other := issue(t, certSpec{cn: "Other Signer", parent: f.h.inter})
	resp := f.h.inter.ocspFor(t, other, f.h.inter, goodTemplate(f.base))

	r, outcome := f.validate(resp, f.base, f.base)

	assert.Equal(t, OutcomeInconclusive, outcome)
	assert.True(t, containsMessage(r, report.SeverityIndeterminate, "no matching single response"))
}

func TestOCSPValidatorMultipleSingleResponses(t *testing.T) {
	f := newOCSPFixture(t)
	sibling := issue(t, certSpec{cn: "Other Signer", parent: f.h.inter})
	revokedAt := f.base.Add(-2 * time.Hour)
	resp := f.h.inter.ocspMulti(t, f.base.Add(-time.Hour),
		ocspSingle{serial: sibling.cert.SerialNumber, issuer: f.h.inter},
		ocspSingle{serial: f.h.leaf.cert.SerialNumber, issuer: f.h.inter, revokedAt: revokedAt},
	)
	require.Len(t, resp.Responses, 2)

	r, outcome := f.validate(resp, f.base, f.base)

	assert.Equal(t, OutcomeRevoked, outcome)
	assert.Equal(t, report.StatusInvalid, r.Status())
	assert.True(t, containsMessage(r, report.SeverityInvalid, "revoked"))
}

func TestOCSPValidatorSameSerialFromOtherCA(t *testing.T) {
	f := newOCSPFixture(t)
	shared := issue(t, certSpec{cn: "Shared Responder", isCA: true})
	f.store.AddTrusted(TrustOCSP, shared.cert)
	otherCA := issue(t, certSpec{cn: "Other CA", isCA: true})

	resp := shared.ocspMulti(t, f.base.Add(-time.Hour),
		ocspSingle{serial: f.h.leaf.cert.SerialNumber, issuer: otherCA})

	r, outcome := f.validate(resp, f.base, f.base)
	assert.Equal(t, OutcomeInconclusive, outcome)
	assert.True(t, containsMessage(r, report.SeverityIndeterminate, "no matching single response"))

	resp = shared.ocspMulti(t, f.base.Add(-time.Hour),
		ocspSingle{serial: f.h.leaf.cert.SerialNumber, issuer: otherCA},
		ocspSingle{serial: f.h.leaf.cert.SerialNumber, issuer: f.h.inter})

	r, outcome = f.validate(resp, f.base, f.base)
	assert.Equal(t, OutcomeGood, outcome)
	assert.True(t, containsMessage(r, report.SeverityInfo, "GOOD"))
}

func TestOCSPValidatorValidateRevocation(t *testing.T) {
	f := newOCSPFixture(t)
	resp := f.h.inter.ocspFor(t, f.h.leaf, f.h.inter, goodTemplate(f.base))
	r := report.NewValidationReport()

	outcome := f.validator.ValidateRevocation(context.Background(), r, f.vctx, f.h.leaf.cert, f.h.inter.cert,
		RevocationData{OCSP: resp, GenerationDate: f.base}, f.base)
	assert.Equal(t, OutcomeGood, outcome)

	outcome = f.validator.ValidateRevocation(context.Background(), r, f.vctx, f.h.leaf.cert, f.h.inter.cert,
		RevocationData{CRL: &revinfo.CRL{}}, f.base)
	assert.Equal(t, OutcomeInconclusive, outcome)
}

func TestOCSPValidatorNilArguments(t *testing.T) {
	f := newOCSPFixture(t)
	assert.Panics(t, func() {
		f.validator.Validate(context.Background(), report.NewValidationReport(), f.vctx, f.h.leaf.cert, f.h.inter.cert, nil, f.base, f.base)
	})
	assert.Panics(t, func() {
		f.validator.Validate(context.Background(), report.NewValidationReport(), nil, f.h.leaf.cert, f.h.inter.cert, &revinfo.OCSPResponse{}, f.base, f.base)
	})
}
