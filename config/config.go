// Package config loads the YAML configuration of certtrust and turns it
// into a trust store, validation settings, a fetcher and a logger.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/certtrust/bundle"
	"github.com/georgepadayatti/certtrust/certvalidator"
	"github.com/georgepadayatti/certtrust/certvalidator/fetchers"
)

// Environment variables overriding file settings.
const (
	EnvLogLevel     = "CERTTRUST_LOG_LEVEL"
	EnvFetchTimeout = "CERTTRUST_FETCH_TIMEOUT"
	EnvHTTPProxy    = "CERTTRUST_HTTP_PROXY"
)

// ErrConfigurationError is wrapped by every error of this package.
var ErrConfigurationError = errors.New("configuration error")

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfigurationError}
	}
	return []error{ErrConfigurationError, e.Err}
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func wrapError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Message: err.Error(), Err: err}
}

// TrustConfig lists the certificate files of each trust bucket. Files may be
// PEM, DER or PKCS#12 (.p12, .pfx).
type TrustConfig struct {
	General   []string `yaml:"general"`
	OCSP      []string `yaml:"ocsp"`
	CRL       []string `yaml:"crl"`
	Timestamp []string `yaml:"timestamp"`
	CA        []string `yaml:"ca"`

	// Known certificates help building chains but are never trusted.
	Known []string `yaml:"known"`

	// Password opens PKCS#12 files.
	Password string `yaml:"password"`
}

func (c *TrustConfig) buckets() map[certvalidator.TrustPurpose][]string {
	return map[certvalidator.TrustPurpose][]string{
		certvalidator.TrustGeneral:   c.General,
		certvalidator.TrustOCSP:      c.OCSP,
		certvalidator.TrustCRL:       c.CRL,
		certvalidator.TrustTimestamp: c.Timestamp,
		certvalidator.TrustCA:        c.CA,
	}
}

// PolicyConfig is the revocation policy of one class of certificates.
type PolicyConfig struct {
	Requirement string `yaml:"requirement"`
	Preference  string `yaml:"preference"`
}

func (p PolicyConfig) policy() (certvalidator.RevocationPolicy, error) {
	requirement, err := certvalidator.ParseRevocationRequirement(p.Requirement)
	if err != nil {
		return certvalidator.RevocationPolicy{}, err
	}
	preference, err := certvalidator.ParseRevocationPreference(p.Preference)
	if err != nil {
		return certvalidator.RevocationPolicy{}, err
	}
	return certvalidator.RevocationPolicy{Requirement: requirement, Preference: preference}, nil
}

// ValidationConfig contains the tunables of chain validation.
type ValidationConfig struct {
	CRLFreshness       time.Duration `yaml:"crl-freshness"`
	OCSPFreshness      time.Duration `yaml:"ocsp-freshness"`
	MaxChainLength     int           `yaml:"max-chain-length"`
	MaxValidationDepth int           `yaml:"max-validation-depth"`
	LeafRevocation     PolicyConfig  `yaml:"leaf-revocation"`
	CARevocation       PolicyConfig  `yaml:"ca-revocation"`
}

// FetcherConfig configures network access for AIA, CRL and OCSP retrieval.
type FetcherConfig struct {
	// Online enables fetching revocation data from the locations named in
	// certificates.
	Online          bool          `yaml:"online"`
	Timeout         time.Duration `yaml:"timeout"`
	Proxy           string        `yaml:"proxy"`
	MaxAttempts     int           `yaml:"max-attempts"`
	DisableCache    bool          `yaml:"disable-cache"`
	CacheTTL        time.Duration `yaml:"cache-ttl"`
	UserAgent       string        `yaml:"user-agent"`
	AllowFileScheme bool          `yaml:"allow-file-scheme"`

	// Parallel queries every OCSP responder named in a certificate at once.
	Parallel bool `yaml:"parallel"`
	// CircuitBreaker stops fetching for a while after repeated failures.
	CircuitBreaker bool `yaml:"circuit-breaker"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (text, json).
	Format string `yaml:"format"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Config is the complete application configuration.
type Config struct {
	Trust      TrustConfig      `yaml:"trust"`
	Validation ValidationConfig `yaml:"validation"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Logging    LoggingConfig    `yaml:"logging"`

	// baseDir resolves relative file names; it is the directory of the
	// configuration file.
	baseDir string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	settings := certvalidator.DefaultSettings()
	fetcher := fetchers.DefaultConfig()
	c := &Config{
		Validation: ValidationConfig{
			CRLFreshness:       settings.CRLFreshness,
			OCSPFreshness:      settings.OCSPFreshness,
			MaxChainLength:     settings.MaxChainLength,
			MaxValidationDepth: settings.MaxValidationDepth,
			LeafRevocation: PolicyConfig{
				Requirement: settings.LeafRevocation.Requirement.String(),
				Preference:  settings.LeafRevocation.Preference.String(),
			},
			CARevocation: PolicyConfig{
				Requirement: settings.CARevocation.Requirement.String(),
				Preference:  settings.CARevocation.Preference.String(),
			},
		},
		Fetcher: FetcherConfig{
			Timeout:     fetcher.Timeout,
			MaxAttempts: fetcher.Retry.MaxAttempts,
			CacheTTL:    fetcher.CacheTTL,
			UserAgent:   fetcher.UserAgent,
		},
	}
	c.Logging.SetDefaults()
	return c
}

// LoadConfig loads a configuration file, applies environment overrides and
// validates the result. Relative file names in the configuration are
// resolved against the directory of filename.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigError{Message: "failed to read config file", Err: err}
	}
	c, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	c.baseDir = filepath.Dir(filename)
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseConfig parses YAML on top of the defaults. Unknown keys are errors.
func ParseConfig(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: "failed to parse config", Err: err}
	}
	c.Logging.SetDefaults()
	return c, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvFetchTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return wrapError(EnvFetchTimeout, err)
		}
		c.Fetcher.Timeout = d
	}
	if v, ok := lookup(EnvHTTPProxy); ok {
		c.Fetcher.Proxy = v
	}
	return nil
}

// Validate checks the configuration for values the builders would reject.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigError("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return NewConfigError("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}

	if _, err := c.Validation.LeafRevocation.policy(); err != nil {
		return wrapError("validation.leaf-revocation", err)
	}
	if _, err := c.Validation.CARevocation.policy(); err != nil {
		return wrapError("validation.ca-revocation", err)
	}
	if c.Validation.CRLFreshness < 0 || c.Validation.OCSPFreshness < 0 {
		return NewConfigError("validation", "freshness must not be negative")
	}
	if c.Validation.MaxChainLength < 0 || c.Validation.MaxValidationDepth < 0 {
		return NewConfigError("validation", "limits must not be negative")
	}

	if c.Fetcher.Timeout < 0 {
		return NewConfigError("fetcher.timeout", "must not be negative")
	}
	if c.Fetcher.Proxy != "" {
		if _, err := url.Parse(c.Fetcher.Proxy); err != nil {
			return wrapError("fetcher.proxy", err)
		}
	}
	return nil
}

func (c *Config) resolve(name string) string {
	if c.baseDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.baseDir, name)
}

func (c *Config) resolveAll(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = c.resolve(name)
	}
	return out
}

// BuildTrustStore loads every configured certificate into a new store.
func (c *Config) BuildTrustStore() (*certvalidator.TrustedCertificatesStore, error) {
	store := certvalidator.NewTrustedCertificatesStore()
	for purpose, files := range c.Trust.buckets() {
		certs, err := bundle.LoadCertificateFiles(c.resolveAll(files), c.Trust.Password)
		if err != nil {
			return nil, wrapError("trust."+purpose.String(), err)
		}
		store.AddTrusted(purpose, certs...)
	}
	known, err := bundle.LoadCertificateFiles(c.resolveAll(c.Trust.Known), c.Trust.Password)
	if err != nil {
		return nil, wrapError("trust.known", err)
	}
	store.AddKnown(known...)
	return store, nil
}

// ValidationSettings converts the validation section. A nil clock uses the
// real clock.
func (c *Config) ValidationSettings(clock clockwork.Clock) (certvalidator.Settings, error) {
	leaf, err := c.Validation.LeafRevocation.policy()
	if err != nil {
		return certvalidator.Settings{}, wrapError("validation.leaf-revocation", err)
	}
	ca, err := c.Validation.CARevocation.policy()
	if err != nil {
		return certvalidator.Settings{}, wrapError("validation.ca-revocation", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return certvalidator.Settings{
		CRLFreshness:       c.Validation.CRLFreshness,
		OCSPFreshness:      c.Validation.OCSPFreshness,
		MaxChainLength:     c.Validation.MaxChainLength,
		MaxValidationDepth: c.Validation.MaxValidationDepth,
		LeafRevocation:     leaf,
		CARevocation:       ca,
		Clock:              clock,
	}, nil
}

// NewFetcher builds the fetcher used for AIA, CRL and OCSP requests.
func (c *Config) NewFetcher(logger *zap.Logger) (*fetchers.Fetcher, error) {
	clientConfig := fetchers.DefaultHTTPClientConfig()
	if c.Fetcher.Timeout > 0 {
		clientConfig.Timeout = c.Fetcher.Timeout
	}
	clientConfig.ProxyURL = c.Fetcher.Proxy
	client, err := fetchers.NewHTTPClient(clientConfig)
	if err != nil {
		return nil, wrapError("fetcher.proxy", err)
	}

	fc := fetchers.DefaultConfig()
	fc.HTTPClient = client
	fc.Timeout = clientConfig.Timeout
	fc.UseCache = !c.Fetcher.DisableCache
	fc.AllowFileScheme = c.Fetcher.AllowFileScheme
	fc.UseParallelURLs = c.Fetcher.Parallel
	if c.Fetcher.CircuitBreaker {
		fc.CircuitBreaker = fetchers.DefaultCircuitBreaker(nil)
	}
	fc.Logger = logger
	if c.Fetcher.CacheTTL > 0 {
		fc.CacheTTL = c.Fetcher.CacheTTL
	}
	if c.Fetcher.UserAgent != "" {
		fc.UserAgent = c.Fetcher.UserAgent
	}
	if c.Fetcher.MaxAttempts > 0 {
		fc.Retry.MaxAttempts = c.Fetcher.MaxAttempts
	}
	return fetchers.NewFetcher(fc), nil
}

// BuildLogger creates the zap logger described by the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var zapConfig zap.Config
	if c.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, wrapError("logging.level", err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{c.Logging.Output}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, wrapError("logging.output", err)
	}
	return logger, nil
}
