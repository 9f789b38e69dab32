// Package report provides the ordered finding log produced by certificate
// trust and revocation validation.
package report

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity is the weight of a single finding.
type Severity int

const (
	// SeverityInfo records a fact that raises no concern.
	SeverityInfo Severity = iota + 1
	// SeverityIndeterminate means no conclusion could be reached.
	SeverityIndeterminate
	// SeverityInvalid is an affirmative trust or revocation failure.
	SeverityInvalid
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityIndeterminate:
		return "INDETERMINATE"
	case SeverityInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Status is the aggregate verdict of a report.
type Status int

const (
	// StatusValid is the status of a report without findings.
	StatusValid Status = iota
	StatusInfo
	StatusIndeterminate
	StatusInvalid
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusInfo:
		return "INFO"
	case StatusIndeterminate:
		return "INDETERMINATE"
	case StatusInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Status maps a severity onto the aggregate status scale.
func (s Severity) Status() Status {
	switch s {
	case SeverityInfo:
		return StatusInfo
	case SeverityIndeterminate:
		return StatusIndeterminate
	case SeverityInvalid:
		return StatusInvalid
	default:
		return StatusValid
	}
}

// ReportItem is a single immutable finding.
type ReportItem struct {
	checkName   string
	message     string
	severity    Severity
	timestamp   time.Time
	certificate *x509.Certificate
	cause       error
}

// NewReportItem creates a finding stamped with the current time.
func NewReportItem(checkName, message string, severity Severity) *ReportItem {
	return &ReportItem{
		checkName: checkName,
		message:   message,
		severity:  severity,
		timestamp: time.Now(),
	}
}

// NewCertificateReportItem creates a finding about a specific certificate.
func NewCertificateReportItem(cert *x509.Certificate, checkName, message string, severity Severity) *ReportItem {
	item := NewReportItem(checkName, message, severity)
	item.certificate = cert
	return item
}

// WithCause returns a copy of the item carrying the error that led to it.
func (i *ReportItem) WithCause(err error) *ReportItem {
	cp := *i
	cp.cause = err
	return &cp
}

// CheckName returns the name of the check that produced the item.
func (i *ReportItem) CheckName() string { return i.checkName }

// Message returns the human readable message.
func (i *ReportItem) Message() string { return i.message }

// Severity returns the severity of the item.
func (i *ReportItem) Severity() Severity { return i.severity }

// Timestamp returns when the item was created.
func (i *ReportItem) Timestamp() time.Time { return i.timestamp }

// Certificate returns the certificate the item is about, if any.
func (i *ReportItem) Certificate() *x509.Certificate { return i.certificate }

// Cause returns the underlying error, if any.
func (i *ReportItem) Cause() error { return i.cause }

// String formats the item on a single line.
func (i *ReportItem) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: %s", i.severity, i.checkName, i.message)
	if i.certificate != nil {
		fmt.Fprintf(&sb, " (certificate: %s)", i.certificate.Subject.String())
	}
	if i.cause != nil {
		fmt.Fprintf(&sb, " caused by: %v", i.cause)
	}
	return sb.String()
}

// ValidationReport is an append-only, ordered log of findings.
// Insertion order is evaluation order.
type ValidationReport struct {
	mu    sync.RWMutex
	id    string
	items []*ReportItem
	chain []*x509.Certificate
}

// NewValidationReport creates an empty report with a fresh identifier.
func NewValidationReport() *ValidationReport {
	return &ValidationReport{
		id:    uuid.NewString(),
		items: make([]*ReportItem, 0),
	}
}

// ID returns the identifier used to correlate the report in audit logs.
func (r *ValidationReport) ID() string {
	return r.id
}

// AddItem appends a finding.
func (r *ValidationReport) AddItem(item *ReportItem) {
	if item == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

// Add appends a finding built from its parts.
func (r *ValidationReport) Add(checkName string, severity Severity, format string, args ...interface{}) *ReportItem {
	item := NewReportItem(checkName, fmt.Sprintf(format, args...), severity)
	r.AddItem(item)
	return item
}

// AddForCertificate appends a finding about a certificate.
func (r *ValidationReport) AddForCertificate(cert *x509.Certificate, checkName string, severity Severity, format string, args ...interface{}) *ReportItem {
	item := NewCertificateReportItem(cert, checkName, fmt.Sprintf(format, args...), severity)
	r.AddItem(item)
	return item
}

// Merge appends all items of other after the items already present.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil || other == r {
		return
	}
	items := other.Items()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, items...)
}

// Items returns a copy of the findings in insertion order.
func (r *ValidationReport) Items() []*ReportItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ReportItem, len(r.items))
	copy(result, r.items)
	return result
}

// ItemsBySeverity returns the findings with exactly the given severity.
func (r *ValidationReport) ItemsBySeverity(severity Severity) []*ReportItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*ReportItem
	for _, item := range r.items {
		if item.severity == severity {
			result = append(result, item)
		}
	}
	return result
}

// ItemsByCheck returns the findings produced by the named check.
func (r *ValidationReport) ItemsByCheck(checkName string) []*ReportItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*ReportItem
	for _, item := range r.items {
		if item.checkName == checkName {
			result = append(result, item)
		}
	}
	return result
}

// Len returns the number of findings.
func (r *ValidationReport) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Status computes the aggregate verdict: the maximum severity across all
// items, or StatusValid for an empty report.
func (r *ValidationReport) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StatusValid
	for _, item := range r.items {
		if s := item.severity.Status(); s > status {
			status = s
		}
	}
	return status
}

// SetChain records the certificate chain the report was produced for.
func (r *ValidationReport) SetChain(chain []*x509.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chain = append([]*x509.Certificate(nil), chain...)
}

// Chain returns the resolved certificate chain, end-entity first.
func (r *ValidationReport) Chain() []*x509.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*x509.Certificate(nil), r.chain...)
}

// Format renders the report as text.
func (r *ValidationReport) Format() string {
	items := r.Items()
	chain := r.Chain()

	var sb strings.Builder
	sb.WriteString("=== VALIDATION REPORT ===\n")
	fmt.Fprintf(&sb, "ID: %s\n", r.id)
	fmt.Fprintf(&sb, "Status: %s\n", r.Status())
	if len(chain) > 0 {
		sb.WriteString("Chain:\n")
		for i, cert := range chain {
			fmt.Fprintf(&sb, "  [%d] %s\n", i, cert.Subject.String())
		}
	}
	fmt.Fprintf(&sb, "Items: %d\n\n", len(items))

	for i, item := range items {
		fmt.Fprintf(&sb, "[%d] %s %s\n", i+1, item.timestamp.Format("15:04:05.000"), item.String())
	}
	return sb.String()
}

type jsonItem struct {
	Check       string    `json:"check"`
	Message     string    `json:"message"`
	Severity    string    `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
	Certificate string    `json:"certificate,omitempty"`
	Cause       string    `json:"cause,omitempty"`
}

type jsonReport struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Chain  []string   `json:"chain,omitempty"`
	Items  []jsonItem `json:"items"`
}

// MarshalJSON renders the report for downstream audit tooling.
func (r *ValidationReport) MarshalJSON() ([]byte, error) {
	out := jsonReport{
		ID:     r.id,
		Status: r.Status().String(),
		Items:  make([]jsonItem, 0, r.Len()),
	}
	for _, cert := range r.Chain() {
		out.Chain = append(out.Chain, cert.Subject.String())
	}
	for _, item := range r.Items() {
		ji := jsonItem{
			Check:     item.checkName,
			Message:   item.message,
			Severity:  item.severity.String(),
			Timestamp: item.timestamp,
		}
		if item.certificate != nil {
			ji.Certificate = item.certificate.Subject.String()
		}
		if item.cause != nil {
			ji.Cause = item.cause.Error()
		}
		out.Items = append(out.Items, ji)
	}
	return json.Marshal(out)
}
