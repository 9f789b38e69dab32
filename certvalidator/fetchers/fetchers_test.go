package fetchers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ocsp"
)

type testPKI struct {
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
	leaf  *x509.Certificate
}

func newTestPKI(t *testing.T, crlURLs, ocspURLs []string) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fetcher Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Fetcher Test Leaf"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		CRLDistributionPoints: crlURLs,
		OCSPServer:            ocspURLs,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return &testPKI{ca: ca, caKey: caKey, leaf: leaf}
}

func (p *testPKI) crl(t *testing.T) []byte {
	t.Helper()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(time.Hour),
	}, p.ca, p.caKey)
	require.NoError(t, err)
	return der
}

func (p *testPKI) ocspResponse(t *testing.T) []byte {
	t.Helper()
	der, err := ocsp.CreateResponse(p.ca, p.ca, ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: p.leaf.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
	}, p.caKey)
	require.NoError(t, err)
	return der
}

func noRetryConfig() *FetcherConfig {
	cfg := DefaultConfig()
	cfg.Retry = nil
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, int64(10*1024*1024), config.MaxResponseSize)
	assert.NotEmpty(t, config.UserAgent)
	assert.True(t, config.UseCache)
	require.NotNil(t, config.Retry)
	assert.Equal(t, 3, config.Retry.MaxAttempts)
	assert.False(t, config.AllowFileScheme)
}

func TestFetcherFetch(t *testing.T) {
	var calls int32
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		userAgent = r.Header.Get("User-Agent")
		w.Write([]byte("test response"))
	}))
	defer server.Close()

	t.Run("caches successful responses", func(t *testing.T) {
		fetcher := NewFetcher(noRetryConfig())

		data, err := fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, "test response", string(data))
		assert.Equal(t, "certtrust/1.0", userAgent)

		_, err = fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		fetcher.ClearCache()
		_, err = fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("without cache", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		cfg := noRetryConfig()
		cfg.UseCache = false
		fetcher := NewFetcher(cfg)

		for i := 0; i < 3; i++ {
			_, err := fetcher.Fetch(context.Background(), server.URL)
			require.NoError(t, err)
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("cache entries expire", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		clock := clockwork.NewFakeClock()
		cfg := noRetryConfig()
		cfg.Clock = clock
		cfg.CacheTTL = time.Minute
		fetcher := NewFetcher(cfg)

		_, err := fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		clock.Advance(30 * time.Second)
		_, err = fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		clock.Advance(31 * time.Second)
		_, err = fetcher.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestFetcherFetchErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	t.Run("retries then fails", func(t *testing.T) {
		core, recorded := observer.New(zapcore.WarnLevel)
		cfg := DefaultConfig()
		cfg.Retry = &RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1}
		cfg.Logger = zap.New(core)
		fetcher := NewFetcher(cfg)

		_, err := fetcher.Fetch(context.Background(), server.URL)
		require.ErrorIs(t, err, ErrFetchFailed)
		assert.Contains(t, err.Error(), "HTTP 500")
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

		entries := recorded.FilterMessage("fetch failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, server.URL, entries[0].ContextMap()["url"])
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewFetcher(nil).Fetch(context.Background(), "://bad")
		assert.ErrorIs(t, err, ErrFetchFailed)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := NewFetcher(nil).Fetch(context.Background(), "ldap://example.com/cn=ca")
		assert.ErrorIs(t, err, ErrFetchFailed)
	})

	t.Run("circuit breaker", func(t *testing.T) {
		cfg := noRetryConfig()
		cfg.UseCache = false
		cfg.CircuitBreaker = NewCircuitBreaker(1, 1, time.Hour, clockwork.NewFakeClock())
		fetcher := NewFetcher(cfg)

		_, err := fetcher.Fetch(context.Background(), server.URL)
		require.ErrorIs(t, err, ErrFetchFailed)
		_, err = fetcher.Fetch(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})
}

func TestFetcherResponseSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	cfg := noRetryConfig()
	cfg.MaxResponseSize = 16
	_, err := NewFetcher(cfg).Fetch(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrResponseTooLarge)

	cfg.MaxResponseSize = 64
	data, err := NewFetcher(cfg).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Len(t, data, 64)
}

func TestFetcherFileScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuer.pem")
	require.NoError(t, os.WriteFile(path, []byte("local bytes"), 0o600))
	uri := "file://" + filepath.ToSlash(path)

	_, err := NewFetcher(noRetryConfig()).Fetch(context.Background(), uri)
	assert.ErrorIs(t, err, ErrFetchFailed)

	cfg := noRetryConfig()
	cfg.AllowFileScheme = true
	data, err := NewFetcher(cfg).Fetch(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "local bytes", string(data))

	_, err = NewFetcher(cfg).Fetch(context.Background(), uri+".missing")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetcherContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewFetcher(DefaultConfig()).Fetch(ctx, server.URL)
	assert.Error(t, err)
}

func TestCRLFetcher(t *testing.T) {
	var pki *testPKI
	mux := http.NewServeMux()
	mux.HandleFunc("/good.crl", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pki.crl(t))
	})
	mux.HandleFunc("/broken.crl", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a crl"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	pki = newTestPKI(t, []string{server.URL + "/missing.crl", server.URL + "/broken.crl", server.URL + "/good.crl"}, nil)
	fetcher := NewCRLFetcher(NewFetcher(noRetryConfig()))

	t.Run("FetchCRL", func(t *testing.T) {
		crl, err := fetcher.FetchCRL(context.Background(), server.URL+"/good.crl")
		require.NoError(t, err)
		assert.Equal(t, server.URL+"/good.crl", crl.URL)
		assert.Equal(t, pki.ca.Subject.CommonName, crl.Issuer.CommonName)
	})

	t.Run("FetchCRLsForCert skips failures", func(t *testing.T) {
		crls, err := fetcher.FetchCRLsForCert(context.Background(), pki.leaf)
		require.NoError(t, err)
		require.Len(t, crls, 1)
		assert.Equal(t, server.URL+"/good.crl", crls[0].URL)
	})

	t.Run("no distribution points", func(t *testing.T) {
		_, err := fetcher.FetchCRLsForCert(context.Background(), pki.ca)
		assert.ErrorIs(t, err, ErrNoDistributionPoints)
	})
}

func TestOCSPFetcher(t *testing.T) {
	var pki *testPKI
	var posts, gets int32

	t.Run("POST", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/ocsp-request", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			req, err := ocsp.ParseRequest(body)
			require.NoError(t, err)
			assert.Equal(t, 0, req.SerialNumber.Cmp(pki.leaf.SerialNumber))
			atomic.AddInt32(&posts, 1)
			w.Write(pki.ocspResponse(t))
		}))
		defer server.Close()

		pki = newTestPKI(t, nil, []string{server.URL})
		resp, err := NewOCSPFetcher(NewFetcher(noRetryConfig())).FetchOCSP(context.Background(), pki.leaf, pki.ca)
		require.NoError(t, err)
		assert.Equal(t, server.URL, resp.URL)
		single, ok := resp.FindResponse(pki.leaf, pki.ca)
		require.True(t, ok)
		assert.Equal(t, "good", single.Status.String())
		assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	})

	t.Run("falls back to GET", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			atomic.AddInt32(&gets, 1)
			encoded := strings.TrimPrefix(r.URL.Path, "/")
			raw, err := base64.StdEncoding.DecodeString(encoded)
			require.NoError(t, err)
			_, err = ocsp.ParseRequest(raw)
			require.NoError(t, err)
			w.Write(pki.ocspResponse(t))
		}))
		defer server.Close()

		pki = newTestPKI(t, nil, []string{server.URL})
		_, err := NewOCSPFetcher(NewFetcher(noRetryConfig())).FetchOCSP(context.Background(), pki.leaf, pki.ca)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&gets))
	})

	t.Run("no servers", func(t *testing.T) {
		pki = newTestPKI(t, nil, nil)
		_, err := NewOCSPFetcher(NewFetcher(nil)).FetchOCSP(context.Background(), pki.leaf, pki.ca)
		assert.ErrorIs(t, err, ErrNoOCSPServers)
	})

	t.Run("all servers fail", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		pki = newTestPKI(t, nil, []string{server.URL, server.URL + "/second"})
		cfg := noRetryConfig()
		cfg.UseParallelURLs = true
		_, err := NewOCSPFetcher(NewFetcher(cfg)).FetchOCSP(context.Background(), pki.leaf, pki.ca)
		assert.ErrorIs(t, err, ErrFetchFailed)
	})
}

func TestParseCertificates(t *testing.T) {
	pki := newTestPKI(t, nil, nil)

	certs, err := ParseCertificates(pki.ca.Raw)
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	certs, err = ParseCertificates(append(append([]byte{}, pki.ca.Raw...), pki.leaf.Raw...))
	require.NoError(t, err)
	assert.Len(t, certs, 2)

	mixed := append(
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1, 2, 3}}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pki.leaf.Raw})...,
	)
	certs, err = ParseCertificates(mixed)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].Equal(pki.leaf))

	_, err = ParseCertificates([]byte("garbage"))
	assert.ErrorIs(t, err, ErrCertParseFailed)

	_, err = ParseCertificates(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30, 0x00}}))
	assert.ErrorIs(t, err, ErrCertParseFailed)
}
