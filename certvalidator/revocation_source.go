// This file contains the sources of revocation artifacts.
package certvalidator

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/certvalidator/fetchers"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

// RevocationDataKind distinguishes CRLs from OCSP responses.
type RevocationDataKind int

const (
	RevocationDataCRL RevocationDataKind = iota
	RevocationDataOCSP
)

// String returns the string representation of the kind.
func (k RevocationDataKind) String() string {
	if k == RevocationDataOCSP {
		return "ocsp"
	}
	return "crl"
}

// RevocationData is one revocation artifact together with the time it was
// obtained. Exactly one of CRL and OCSP is set.
type RevocationData struct {
	CRL  *revinfo.CRL
	OCSP *revinfo.OCSPResponse
	// GenerationDate is when the artifact was produced or retrieved; it is
	// the date the freshness rules are evaluated at.
	GenerationDate time.Time
	// Origin describes where the artifact came from, e.g. a URL.
	Origin string
}

// Kind returns the artifact type.
func (d RevocationData) Kind() RevocationDataKind {
	if d.OCSP != nil {
		return RevocationDataOCSP
	}
	return RevocationDataCRL
}

// RevocationDataSource supplies candidate artifacts for a certificate.
// issuer may be nil when it is not known.
type RevocationDataSource interface {
	RevocationData(ctx context.Context, cert, issuer *x509.Certificate) []RevocationData
}

// StaticRevocationSource serves artifacts supplied up front, e.g. the ones
// embedded in a signed document.
type StaticRevocationSource struct {
	archive        *revinfo.Archive
	generationDate time.Time
}

// NewStaticRevocationSource serves the artifacts of archive. A zero
// generationDate dates OCSP responses at ProducedAt and CRLs at ThisUpdate.
func NewStaticRevocationSource(archive *revinfo.Archive, generationDate time.Time) *StaticRevocationSource {
	mustNotBeNil("NewStaticRevocationSource", "archive", archive == nil)
	return &StaticRevocationSource{archive: archive, generationDate: generationDate}
}

// RevocationData returns the CRLs of cert's issuer and the OCSP responses
// with a single response about cert.
func (s *StaticRevocationSource) RevocationData(_ context.Context, cert, issuer *x509.Certificate) []RevocationData {
	var result []RevocationData
	issuerID := IssuerIdentityOf(cert)
	for _, crl := range s.archive.CRLs() {
		if NameIdentity(crl.Issuer) != issuerID {
			continue
		}
		result = append(result, RevocationData{
			CRL:            crl,
			GenerationDate: s.dateOr(crl.ThisUpdate),
			Origin:         originOf(crl.URL),
		})
	}
	for _, resp := range s.archive.OCSPResponses() {
		if _, ok := resp.FindResponse(cert, issuer); !ok {
			continue
		}
		result = append(result, RevocationData{
			OCSP:           resp,
			GenerationDate: s.dateOr(resp.ProducedAt),
			Origin:         originOf(resp.URL),
		})
	}
	return result
}

func (s *StaticRevocationSource) dateOr(t time.Time) time.Time {
	if s.generationDate.IsZero() {
		return t
	}
	return s.generationDate
}

func originOf(url string) string {
	if url == "" {
		return "static"
	}
	return url
}

// OnlineRevocationSource fetches OCSP responses from the responders and CRLs
// from the distribution points named in the certificate.
type OnlineRevocationSource struct {
	ocsp   *fetchers.OCSPFetcher
	crl    *fetchers.CRLFetcher
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewOnlineRevocationSource creates a source fetching through f. Artifacts
// are dated at clock's current time.
func NewOnlineRevocationSource(f *fetchers.Fetcher, clock clockwork.Clock, logger *zap.Logger) *OnlineRevocationSource {
	mustNotBeNil("NewOnlineRevocationSource", "fetcher", f == nil)
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OnlineRevocationSource{
		ocsp:   fetchers.NewOCSPFetcher(f),
		crl:    fetchers.NewCRLFetcher(f),
		clock:  clock,
		logger: logger.Named("online"),
	}
}

// RevocationData fetches what is available. Fetch failures are logged and
// yield no artifact.
func (s *OnlineRevocationSource) RevocationData(ctx context.Context, cert, issuer *x509.Certificate) []RevocationData {
	var result []RevocationData

	if issuer != nil && len(cert.OCSPServer) > 0 {
		resp, err := s.ocsp.FetchOCSP(ctx, cert, issuer)
		if err != nil {
			s.logger.Warn("OCSP fetch failed", zap.String("subject", describe(cert)), zap.Error(err))
		} else {
			result = append(result, RevocationData{OCSP: resp, GenerationDate: s.clock.Now(), Origin: resp.URL})
		}
	}

	crls, err := s.crl.FetchCRLsForCert(ctx, cert)
	switch {
	case errors.Is(err, fetchers.ErrNoDistributionPoints):
	case err != nil:
		s.logger.Warn("CRL fetch failed", zap.String("subject", describe(cert)), zap.Error(err))
	}
	for _, crl := range crls {
		result = append(result, RevocationData{CRL: crl, GenerationDate: s.clock.Now(), Origin: crl.URL})
	}
	return result
}

// MultiRevocationSource concatenates the artifacts of several sources.
type MultiRevocationSource []RevocationDataSource

// RevocationData queries every source in order.
func (m MultiRevocationSource) RevocationData(ctx context.Context, cert, issuer *x509.Certificate) []RevocationData {
	var result []RevocationData
	for _, src := range m {
		if src == nil {
			continue
		}
		result = append(result, src.RevocationData(ctx, cert, issuer)...)
	}
	return result
}
