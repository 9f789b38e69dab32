package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/georgepadayatti/certtrust/bundle"
	"github.com/georgepadayatti/certtrust/certvalidator"
	"github.com/georgepadayatti/certtrust/certvalidator/report"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
	"github.com/georgepadayatti/certtrust/config"
	"github.com/georgepadayatti/certtrust/metrics"
)

// ValidateOptions contains options for the validate command.
type ValidateOptions struct {
	ConfigFile string
	CertFile   string
	ChainFiles []string
	TrustFiles []string
	CRLFiles   []string
	OCSPFiles  []string
	At         string
	Context    string
	Online     bool
	Output     string
	Metrics    bool
}

func newValidateCommand() *cobra.Command {
	var opts ValidateOptions

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a certificate chain",
		Long: `Validate a certificate, its issuers and their revocation status.

The exit status is 0 when the chain validated, 1 when a finding is
INVALID, 2 when the result is INDETERMINATE and 3 on usage errors.`,
		Example: `  certtrust validate --config certtrust.yaml --cert signer.pem
  certtrust validate --trust root.pem --chain intermediate.pem --cert signer.pem --crl ca.crl
  certtrust validate --config certtrust.yaml --cert signer.pem --at 2024-01-01T00:00:00Z -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, &opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ConfigFile, "config", "", "configuration file (YAML)")
	flags.StringVar(&opts.CertFile, "cert", "", "certificate to validate (PEM or DER)")
	flags.StringSliceVar(&opts.ChainFiles, "chain", nil, "additional certificates for chain building")
	flags.StringSliceVar(&opts.TrustFiles, "trust", nil, "certificates trusted for all chains")
	flags.StringSliceVar(&opts.CRLFiles, "crl", nil, "CRL files to use for revocation checking")
	flags.StringSliceVar(&opts.OCSPFiles, "ocsp", nil, "OCSP response files to use for revocation checking")
	flags.StringVar(&opts.At, "at", "", "validation date (RFC 3339, default now)")
	flags.StringVar(&opts.Context, "context", "chain", "validation context (chain, timestamp, crl-issuer, ocsp-responder)")
	flags.BoolVar(&opts.Online, "online", false, "fetch issuers, CRLs and OCSP responses over the network")
	flags.StringVarP(&opts.Output, "output", "o", "text", "output format (text, json)")
	flags.BoolVar(&opts.Metrics, "metrics", false, "print validation metrics to stderr")
	_ = cmd.MarkFlagRequired("cert")

	return cmd
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions) error {
	if opts.Output != "text" && opts.Output != "json" {
		return fmt.Errorf("unknown output format %q", opts.Output)
	}
	kind, err := certvalidator.ParseContextKind(opts.Context)
	if err != nil {
		return err
	}
	var validationDate time.Time
	if opts.At != "" {
		if validationDate, err = time.Parse(time.RFC3339, opts.At); err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	cfg := config.Default()
	if opts.ConfigFile != "" {
		if cfg, err = config.LoadConfig(opts.ConfigFile); err != nil {
			return err
		}
	}
	online := opts.Online || cfg.Fetcher.Online

	logger, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := cfg.BuildTrustStore()
	if err != nil {
		return err
	}
	trusted, err := bundle.LoadCertificateFiles(opts.TrustFiles, "")
	if err != nil {
		return err
	}
	store.AddTrusted(certvalidator.TrustGeneral, trusted...)

	chain, err := bundle.LoadChain(append([]string{opts.CertFile}, opts.ChainFiles...))
	if err != nil {
		return err
	}

	archive := revinfo.NewArchive()
	if err := bundle.LoadCRLs(archive, opts.CRLFiles); err != nil {
		return err
	}
	if err := bundle.LoadOCSPResponses(archive, opts.OCSPFiles); err != nil {
		return err
	}

	settings, err := cfg.ValidationSettings(nil)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	retrieverOpts := []certvalidator.RetrieverOption{
		certvalidator.WithRetrieverLogger(logger),
		certvalidator.WithRetrieverMetrics(collector),
		certvalidator.WithMaxChainLength(settings.MaxChainLength),
	}
	source := certvalidator.MultiRevocationSource{certvalidator.NewStaticRevocationSource(archive, time.Time{})}
	if online {
		fetcher, err := cfg.NewFetcher(logger)
		if err != nil {
			return err
		}
		retrieverOpts = append(retrieverOpts, certvalidator.WithURIFetcher(fetcher))
		source = append(source, certvalidator.NewOnlineRevocationSource(fetcher, settings.Clock, logger))
	}

	retriever := certvalidator.NewIssuingCertificateRetriever(store, retrieverOpts...)
	retriever.AddKnownCertificates(chain.Extra...)

	validator := certvalidator.NewChainValidator(store, retriever,
		certvalidator.WithSettings(settings),
		certvalidator.WithRevocationSource(source),
		certvalidator.WithLogger(logger),
		certvalidator.WithMetrics(collector))

	logger.Debug("validating",
		zap.String("cert", opts.CertFile),
		zap.Int("trusted", len(store.AllTrusted())),
		zap.Int("revocation_artifacts", archive.Len()),
		zap.Bool("online", online))

	r := validator.ValidateChain(cmd.Context(), certvalidator.NewValidationContext(kind), chain.Leaf, validationDate)

	if err := writeReport(cmd.OutOrStdout(), r, opts.Output); err != nil {
		return err
	}
	if opts.Metrics {
		if err := writeMetrics(cmd.ErrOrStderr(), registry); err != nil {
			return err
		}
	}

	switch r.Status() {
	case report.StatusInvalid:
		return &exitCodeError{code: ExitInvalid}
	case report.StatusIndeterminate:
		return &exitCodeError{code: ExitIndeterminate}
	default:
		return nil
	}
}

func writeReport(w io.Writer, r *report.ValidationReport, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, err := io.WriteString(w, r.Format())
	return err
}

func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
