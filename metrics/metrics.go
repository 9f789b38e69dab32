// Package metrics provides Prometheus instrumentation for certificate trust
// and revocation validation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all certtrust metrics
	Namespace = "certtrust"

	// Label names
	LabelStatus  = "status"
	LabelType    = "type"
	LabelOutcome = "outcome"
	LabelResult  = "result"

	// Revocation artifact types
	TypeCRL  = "crl"
	TypeOCSP = "ocsp"

	// Issuer fetch results
	FetchSuccess = "success"
	FetchError   = "error"
	FetchNoMatch = "no_match"
)

// Collector holds the validation metrics of one registry. A nil *Collector
// is valid and records nothing.
type Collector struct {
	validations      *prometheus.CounterVec
	duration         prometheus.Histogram
	revocationChecks *prometheus.CounterVec
	issuerFetches    *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "validations_total",
				Help:      "Total number of chain validations by aggregate status",
			},
			[]string{LabelStatus},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "validation_duration_seconds",
				Help:      "Duration of chain validations in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		revocationChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "revocation_checks_total",
				Help:      "Total number of revocation artifacts evaluated by type and outcome",
			},
			[]string{LabelType, LabelOutcome},
		),
		issuerFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "issuer_fetches_total",
				Help:      "Total number of AIA issuer certificate fetches by result",
			},
			[]string{LabelResult},
		),
	}
}

// ObserveValidation records one finished chain validation.
func (c *Collector) ObserveValidation(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.validations.WithLabelValues(status).Inc()
	c.duration.Observe(d.Seconds())
}

// ObserveRevocationCheck records one evaluated CRL or OCSP response.
func (c *Collector) ObserveRevocationCheck(kind, outcome string) {
	if c == nil {
		return
	}
	c.revocationChecks.WithLabelValues(kind, outcome).Inc()
}

// ObserveIssuerFetch records one AIA fetch attempt.
func (c *Collector) ObserveIssuerFetch(result string) {
	if c == nil {
		return
	}
	c.issuerFetches.WithLabelValues(result).Inc()
}
