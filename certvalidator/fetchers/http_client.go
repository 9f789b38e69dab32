package fetchers

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClientConfig configures the HTTP client used to reach AIA locations,
// CRL distribution points and OCSP responders.
type HTTPClientConfig struct {
	Timeout time.Duration

	// ProxyURL overrides the proxy from the environment, e.g.
	// "http://proxy.example.com:8080".
	ProxyURL string

	// TLSConfig replaces the generated TLS configuration when set.
	TLSConfig     *tls.Config
	MinTLSVersion uint16

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
}

// DefaultHTTPClientConfig returns a secure default configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             30 * time.Second,
		MinTLSVersion:       tls.VersionTLS12,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         30 * time.Second,
	}
}

// NewHTTPClient creates an HTTP client with the specified configuration.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: config.MinTLSVersion}
	} else if tlsConfig.MinVersion == 0 && config.MinTLSVersion != 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.MinVersion = config.MinTLSVersion
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}
