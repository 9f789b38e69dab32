// This file contains issuer resolution and chain completion.
package certvalidator

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/x509"
	"sync"

	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/certvalidator/fetchers"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
	"github.com/georgepadayatti/certtrust/metrics"
)

// URIFetcher fetches the bytes published at a URI. *fetchers.Fetcher
// satisfies it.
type URIFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// CertificateParser decodes fetched certificate bytes.
type CertificateParser func(data []byte) ([]*x509.Certificate, error)

// IssuerResolver finds issuer and signer certificates.
type IssuerResolver interface {
	// RetrieveIssuerCertificate returns the issuer of cert. A self-issued
	// certificate is returned as its own issuer.
	RetrieveIssuerCertificate(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, bool)

	// RetrieveMissingCertificates extends a partial chain towards a trust
	// anchor.
	RetrieveMissingCertificates(ctx context.Context, chain []*x509.Certificate) []*x509.Certificate

	// GetCrlIssuerCertificates returns every candidate signer of crl.
	GetCrlIssuerCertificates(ctx context.Context, crl *revinfo.CRL) []*x509.Certificate

	// RetrieveOCSPResponderCertificate returns the certificate that signed resp.
	RetrieveOCSPResponderCertificate(ctx context.Context, resp *revinfo.OCSPResponse) (*x509.Certificate, bool)

	// IsCertificateTrusted reports whether cert is trusted for purpose.
	IsCertificateTrusted(cert *x509.Certificate, purpose TrustPurpose) bool
}

// RetrieverOption configures an IssuingCertificateRetriever.
type RetrieverOption func(*IssuingCertificateRetriever)

// WithURIFetcher enables AIA retrieval through f.
func WithURIFetcher(f URIFetcher) RetrieverOption {
	return func(r *IssuingCertificateRetriever) {
		r.fetcher = f
	}
}

// WithCertificateParser replaces the parser for fetched certificates.
func WithCertificateParser(p CertificateParser) RetrieverOption {
	return func(r *IssuingCertificateRetriever) {
		if p != nil {
			r.parse = p
		}
	}
}

// WithRetrieverLogger sets the logger.
func WithRetrieverLogger(logger *zap.Logger) RetrieverOption {
	return func(r *IssuingCertificateRetriever) {
		if logger != nil {
			r.logger = logger.Named("retriever")
		}
	}
}

// WithRetrieverMetrics records AIA fetches on m.
func WithRetrieverMetrics(m *metrics.Collector) RetrieverOption {
	return func(r *IssuingCertificateRetriever) {
		r.metrics = m
	}
}

// WithMaxChainLength caps the length of chains built by
// RetrieveMissingCertificates.
func WithMaxChainLength(n int) RetrieverOption {
	return func(r *IssuingCertificateRetriever) {
		if n > 0 {
			r.maxChainLength = n
		}
	}
}

// IssuingCertificateRetriever resolves issuers from the trust store, from
// its own set of known certificates and, when a URIFetcher is configured,
// from AIA caIssuers URIs. Fetched certificates are kept for the lifetime
// of the retriever. It is safe for concurrent use.
type IssuingCertificateRetriever struct {
	store          TrustStore
	fetcher        URIFetcher
	parse          CertificateParser
	logger         *zap.Logger
	metrics        *metrics.Collector
	maxChainLength int

	mu    sync.RWMutex
	known map[CertificateIdentity][]*x509.Certificate
	seen  map[string]bool
}

// NewIssuingCertificateRetriever creates a retriever over store.
func NewIssuingCertificateRetriever(store TrustStore, opts ...RetrieverOption) *IssuingCertificateRetriever {
	mustNotBeNil("NewIssuingCertificateRetriever", "store", store == nil)

	r := &IssuingCertificateRetriever{
		store:          store,
		parse:          fetchers.ParseCertificates,
		logger:         zap.NewNop(),
		maxChainLength: DefaultSettings().MaxChainLength,
		known:          make(map[CertificateIdentity][]*x509.Certificate),
		seen:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the trust store the retriever reads.
func (r *IssuingCertificateRetriever) Store() TrustStore {
	return r.store
}

// AddKnownCertificates makes certs available for path building.
func (r *IssuingCertificateRetriever) AddKnownCertificates(certs ...*x509.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addKnownLocked(certs)
}

// SetKnownCertificates replaces the certificates the retriever has learned.
func (r *IssuingCertificateRetriever) SetKnownCertificates(certs ...*x509.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.known = make(map[CertificateIdentity][]*x509.Certificate)
	r.seen = make(map[string]bool)
	r.addKnownLocked(certs)
}

func (r *IssuingCertificateRetriever) addKnownLocked(certs []*x509.Certificate) {
	for _, cert := range certs {
		if cert == nil {
			continue
		}
		key := certKey(cert)
		if r.seen[key] {
			continue
		}
		r.seen[key] = true
		id := IdentityOf(cert)
		r.known[id] = append(r.known[id], cert)
	}
}

// IsCertificateTrusted delegates to the trust store.
func (r *IssuingCertificateRetriever) IsCertificateTrusted(cert *x509.Certificate, purpose TrustPurpose) bool {
	mustNotBeNil("IsCertificateTrusted", "cert", cert == nil)
	return r.store.IsTrusted(purpose, cert)
}

func (r *IssuingCertificateRetriever) isTrustedForAny(cert *x509.Certificate) bool {
	for _, p := range TrustPurposes {
		if r.store.IsTrusted(p, cert) {
			return true
		}
	}
	return false
}

// candidates returns the known and trusted certificates with identity id,
// known ones first, without duplicates.
func (r *IssuingCertificateRetriever) candidates(id CertificateIdentity) []*x509.Certificate {
	var result []*x509.Certificate
	seen := make(map[string]bool)
	add := func(cert *x509.Certificate) {
		if cert == nil {
			return
		}
		key := certKey(cert)
		if seen[key] {
			return
		}
		seen[key] = true
		result = append(result, cert)
	}

	r.mu.RLock()
	for _, cert := range r.known[id] {
		add(cert)
	}
	r.mu.RUnlock()

	if cert, ok := r.store.GetKnown(id); ok {
		add(cert)
	}
	for _, p := range TrustPurposes {
		if cert, ok := r.store.GetTrusted(p, id); ok {
			add(cert)
		}
	}
	return result
}

// RetrieveIssuerCertificate returns the issuer of cert, looking in the known
// certificates, then the trust buckets, then the AIA caIssuers URIs of
// cert. Fetch failures are logged and treated as not found.
func (r *IssuingCertificateRetriever) RetrieveIssuerCertificate(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, bool) {
	mustNotBeNil("RetrieveIssuerCertificate", "cert", cert == nil)

	if IsSelfIssued(cert) {
		return cert, true
	}

	for _, candidate := range r.candidates(IssuerIdentityOf(cert)) {
		if isPotentialIssuer(candidate, cert) {
			r.logger.Debug("issuer found locally",
				zap.String("subject", describe(cert)),
				zap.String("issuer", describe(candidate)))
			return candidate, true
		}
	}

	for _, fetched := range r.fetchAll(ctx, cert.IssuingCertificateURL) {
		if isPotentialIssuer(fetched, cert) {
			return fetched, true
		}
	}

	r.logger.Debug("issuer not found", zap.String("subject", describe(cert)))
	return nil, false
}

// fetchAll fetches and parses the certificates at uris and caches them as
// known. Failures are logged and skipped.
func (r *IssuingCertificateRetriever) fetchAll(ctx context.Context, uris []string) []*x509.Certificate {
	if r.fetcher == nil || len(uris) == 0 {
		return nil
	}

	var result []*x509.Certificate
	for _, uri := range uris {
		data, err := r.fetcher.Fetch(ctx, uri)
		if err != nil {
			r.metrics.ObserveIssuerFetch(metrics.FetchError)
			r.logger.Warn("issuer fetch failed", zap.String("url", uri), zap.Error(err))
			continue
		}
		certs, err := r.parse(data)
		if err != nil {
			r.metrics.ObserveIssuerFetch(metrics.FetchError)
			r.logger.Warn("fetched issuer could not be parsed", zap.String("url", uri), zap.Error(err))
			continue
		}
		if len(certs) == 0 {
			r.metrics.ObserveIssuerFetch(metrics.FetchNoMatch)
			continue
		}
		r.metrics.ObserveIssuerFetch(metrics.FetchSuccess)
		r.logger.Debug("fetched issuer certificates", zap.String("url", uri), zap.Int("count", len(certs)))
		r.AddKnownCertificates(certs...)
		result = append(result, certs...)
	}
	return result
}

// RetrieveMissingCertificates extends chain, which starts at the end-entity
// certificate, until its top is self-issued, trusted for any purpose, or has
// no resolvable issuer. An issuer whose identity is already in the chain
// ends the walk, so cross-issued certificates cannot loop.
func (r *IssuingCertificateRetriever) RetrieveMissingCertificates(ctx context.Context, chain []*x509.Certificate) []*x509.Certificate {
	result := make([]*x509.Certificate, 0, len(chain)+2)
	visited := make(map[CertificateIdentity]bool)
	for _, cert := range chain {
		mustNotBeNil("RetrieveMissingCertificates", "chain element", cert == nil)
		result = append(result, cert)
		visited[IdentityOf(cert)] = true
	}

	for len(result) > 0 && len(result) < r.maxChainLength {
		top := result[len(result)-1]
		if IsSelfIssued(top) || r.isTrustedForAny(top) {
			break
		}
		issuer, ok := r.RetrieveIssuerCertificate(ctx, top)
		if !ok {
			break
		}
		id := IdentityOf(issuer)
		if visited[id] {
			r.logger.Debug("issuer already in chain", zap.String("issuer", describe(issuer)))
			break
		}
		visited[id] = true
		result = append(result, issuer)
	}
	return result
}

// GetCrlIssuerCertificates returns every known or trusted certificate whose
// subject matches the CRL issuer and whose key identifier is consistent with
// the CRL's authority key identifier. The CRL's own AIA is consulted when no
// local candidate exists.
func (r *IssuingCertificateRetriever) GetCrlIssuerCertificates(ctx context.Context, crl *revinfo.CRL) []*x509.Certificate {
	mustNotBeNil("GetCrlIssuerCertificates", "crl", crl == nil)

	id := NameIdentity(crl.Issuer)
	matches := func(cert *x509.Certificate) bool {
		if NameIdentity(cert.Subject) != id {
			return false
		}
		if len(crl.AuthorityKeyID) > 0 && len(cert.SubjectKeyId) > 0 {
			return bytes.Equal(crl.AuthorityKeyID, cert.SubjectKeyId)
		}
		return true
	}

	var result []*x509.Certificate
	for _, cert := range r.candidates(id) {
		if matches(cert) {
			result = append(result, cert)
		}
	}
	if len(result) > 0 {
		return result
	}

	for _, cert := range r.fetchAll(ctx, crl.IssuingCertificateURLs) {
		if matches(cert) {
			result = append(result, cert)
		}
	}
	return result
}

// RetrieveOCSPResponderCertificate returns the certificate that signed resp,
// preferring certificates embedded in the response.
func (r *IssuingCertificateRetriever) RetrieveOCSPResponderCertificate(ctx context.Context, resp *revinfo.OCSPResponse) (*x509.Certificate, bool) {
	mustNotBeNil("RetrieveOCSPResponderCertificate", "resp", resp == nil)

	for _, cert := range resp.Certificates {
		if isResponder(cert, resp) {
			return cert, true
		}
	}
	if len(resp.Certificates) > 0 && len(resp.ResponderName) == 0 && len(resp.ResponderKeyHash) == 0 {
		return resp.Certificates[0], true
	}

	if len(resp.ResponderName) > 0 {
		if id, ok := rawNameIdentity(resp.ResponderName); ok {
			if candidates := r.candidates(id); len(candidates) > 0 {
				return candidates[0], true
			}
		}
	}

	if len(resp.ResponderKeyHash) > 0 {
		for _, cert := range r.allCertificates() {
			if isResponder(cert, resp) {
				return cert, true
			}
		}
	}

	r.logger.Debug("OCSP responder certificate not found")
	return nil, false
}

func (r *IssuingCertificateRetriever) allCertificates() []*x509.Certificate {
	r.mu.RLock()
	var result []*x509.Certificate
	for _, certs := range r.known {
		result = append(result, certs...)
	}
	r.mu.RUnlock()

	result = append(result, r.store.AllKnown()...)
	return append(result, r.store.AllTrusted()...)
}

// isResponder matches cert against the responder ID of resp.
func isResponder(cert *x509.Certificate, resp *revinfo.OCSPResponse) bool {
	if len(resp.ResponderName) > 0 {
		id, ok := rawNameIdentity(resp.ResponderName)
		return ok && id == NameIdentity(cert.Subject)
	}
	if len(resp.ResponderKeyHash) > 0 {
		h := sha1.Sum(revinfo.PublicKeyBits(cert))
		return bytes.Equal(h[:], resp.ResponderKeyHash)
	}
	return false
}
