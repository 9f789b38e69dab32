// Package fetchers retrieves certificates, CRLs and OCSP responses from the
// locations named in certificates (AIA, CRL distribution points, OCSP servers).
package fetchers

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrResponseTooLarge     = errors.New("response exceeds size limit")
	ErrCertParseFailed      = errors.New("certificate parse failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
)

// FetcherConfig configures the fetcher behavior.
type FetcherConfig struct {
	// HTTP client timeout
	Timeout time.Duration
	// Maximum response size in bytes
	MaxResponseSize int64
	// User-Agent header
	UserAgent string
	// Whether to cache successful responses
	UseCache bool
	CacheTTL time.Duration

	// Retry configures per-URL retries. Nil means a single attempt.
	Retry *RetryConfig

	// UseParallelURLs queries all OCSP servers of a certificate at once and
	// keeps the first success.
	UseParallelURLs bool

	// CircuitBreaker guards all outbound requests of the fetcher. Optional.
	CircuitBreaker *CircuitBreaker

	// AllowFileScheme permits file:// URIs, used for offline trust bundles.
	AllowFileScheme bool

	// HTTPClient allows using a custom HTTP client, e.g. one built with
	// NewHTTPClient for proxy or TLS settings.
	HTTPClient *http.Client

	Logger *zap.Logger
	Clock  clockwork.Clock
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *FetcherConfig {
	return &FetcherConfig{
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024, // 10 MB
		UserAgent:       "certtrust/1.0",
		UseCache:        true,
		CacheTTL:        1 * time.Hour,
		Retry:           DefaultRetryConfig(),
	}
}

// Fetcher performs size-limited, cached and retried GET requests.
// It satisfies the URI fetch collaborator of the certificate retriever.
type Fetcher struct {
	config *FetcherConfig
	client *http.Client
	cache  *responseCache
	logger *zap.Logger
	clock  clockwork.Clock
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *FetcherConfig) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Fetcher{
		config: config,
		client: client,
		cache:  newResponseCache(config.CacheTTL, clock),
		logger: logger.Named("fetcher"),
		clock:  clock,
	}
}

// responseCache is an in-memory TTL cache keyed by URL.
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, clock clockwork.Clock) *responseCache {
	return &responseCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (c *responseCache) set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		data:      data,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// ClearCache drops all cached responses.
func (f *Fetcher) ClearCache() {
	f.cache.clear()
}

// Fetch fetches data from a URL.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	if f.config.UseCache {
		if data, ok := f.cache.get(urlStr); ok {
			f.logger.Debug("cache hit", zap.String("url", urlStr))
			return data, nil
		}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}

	var fetch func(ctx context.Context) ([]byte, error)
	switch parsedURL.Scheme {
	case "http", "https":
		fetch = func(ctx context.Context) ([]byte, error) {
			return f.doGet(ctx, urlStr)
		}
	case "file":
		if !f.config.AllowFileScheme {
			return nil, fmt.Errorf("%w: file URIs are disabled", ErrFetchFailed)
		}
		return f.readFile(parsedURL.Path)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme: %s", ErrFetchFailed, parsedURL.Scheme)
	}

	data, err := f.guarded(ctx, fetch)
	if err != nil {
		f.logger.Warn("fetch failed", zap.String("url", urlStr), zap.Error(err))
		return nil, err
	}

	if f.config.UseCache {
		f.cache.set(urlStr, data)
	}
	return data, nil
}

// guarded runs fn under the configured circuit breaker and retry policy.
func (f *Fetcher) guarded(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	cb := f.config.CircuitBreaker
	if cb != nil && !cb.Allow() {
		return nil, ErrCircuitOpen
	}

	data, _, err := Retry(ctx, f.retryConfig(), fn)

	if cb != nil {
		if err == nil {
			cb.RecordSuccess()
		} else {
			cb.RecordFailure()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return data, nil
}

func (f *Fetcher) retryConfig() *RetryConfig {
	if f.config.Retry != nil {
		cfg := *f.config.Retry
		if cfg.Clock == nil {
			cfg.Clock = f.clock
		}
		return &cfg
	}
	return &RetryConfig{MaxAttempts: 1, Clock: f.clock}
}

func (f *Fetcher) doGet(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return f.do(req)
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return f.readLimited(resp.Body)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	limit := f.config.MaxResponseSize
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer file.Close()

	data, err := f.readLimited(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return data, nil
}

// CRLFetcher fetches Certificate Revocation Lists.
type CRLFetcher struct {
	fetcher *Fetcher
}

// NewCRLFetcher creates a CRL fetcher sharing the given fetcher.
func NewCRLFetcher(fetcher *Fetcher) *CRLFetcher {
	return &CRLFetcher{fetcher: fetcher}
}

// FetchCRL fetches and decodes a CRL from a URL.
func (f *CRLFetcher) FetchCRL(ctx context.Context, urlStr string) (*revinfo.CRL, error) {
	data, err := f.fetcher.Fetch(ctx, urlStr)
	if err != nil {
		return nil, err
	}

	crl, err := revinfo.ParseCRL(data)
	if err != nil {
		return nil, err
	}
	crl.URL = urlStr
	return crl, nil
}

// FetchCRLsForCert fetches the CRLs of every distribution point of cert.
// Distribution points that fail are skipped; an error is returned only if
// none succeeds.
func (f *CRLFetcher) FetchCRLsForCert(ctx context.Context, cert *x509.Certificate) ([]*revinfo.CRL, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, ErrNoDistributionPoints
	}

	var crls []*revinfo.CRL
	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, err := f.FetchCRL(ctx, dp)
		if err != nil {
			lastErr = err
			continue
		}
		crls = append(crls, crl)
	}

	if len(crls) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return crls, nil
}

// OCSPFetcher fetches OCSP responses.
type OCSPFetcher struct {
	fetcher *Fetcher
}

// NewOCSPFetcher creates an OCSP fetcher sharing the given fetcher.
func NewOCSPFetcher(fetcher *Fetcher) *OCSPFetcher {
	return &OCSPFetcher{fetcher: fetcher}
}

// FetchOCSP queries the OCSP servers of cert for its status. OCSP responses
// are never cached.
func (f *OCSPFetcher) FetchOCSP(ctx context.Context, cert, issuer *x509.Certificate) (*revinfo.OCSPResponse, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServers
	}

	ocspReq, err := revinfo.CreateOCSPRequest(cert, issuer, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	// retries happen per server inside fetchFromServer
	return firstSuccess(ctx, cert.OCSPServer, f.fetcher.config.UseParallelURLs, func(ctx context.Context, serverURL string) (*revinfo.OCSPResponse, error) {
		return f.fetchFromServer(ctx, serverURL, ocspReq)
	})
}

func (f *OCSPFetcher) fetchFromServer(ctx context.Context, serverURL string, ocspReq []byte) (*revinfo.OCSPResponse, error) {
	body, err := f.fetcher.guarded(ctx, func(ctx context.Context) ([]byte, error) {
		data, err := f.post(ctx, serverURL, ocspReq)
		if err == nil {
			return data, nil
		}
		f.fetcher.logger.Debug("OCSP POST failed, trying GET", zap.String("url", serverURL), zap.Error(err))
		return f.get(ctx, serverURL, ocspReq)
	})
	if err != nil {
		return nil, err
	}

	resp, err := revinfo.ParseOCSPResponse(body)
	if err != nil {
		return nil, err
	}
	resp.URL = serverURL
	return resp, nil
}

func (f *OCSPFetcher) post(ctx context.Context, serverURL string, ocspReq []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(ocspReq))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	return f.fetcher.do(req)
}

func (f *OCSPFetcher) get(ctx context.Context, serverURL string, ocspReq []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(ocspReq)
	fullURL := serverURL + "/" + url.PathEscape(encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	return f.fetcher.do(req)
}

// ParseCertificates decodes a DER certificate, a concatenation of DER
// certificates, or one or more PEM CERTIFICATE blocks.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if certs, err := x509.ParseCertificates(data); err == nil && len(certs) > 0 {
		return certs, nil
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertParseFailed, err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates found", ErrCertParseFailed)
	}
	return certs, nil
}
