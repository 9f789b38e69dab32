// This file contains validation policy settings.
package certvalidator

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// RevocationRequirement says whether revocation status must be established.
type RevocationRequirement int

const (
	// RevocationRequired reports INDETERMINATE when no artifact is conclusive.
	RevocationRequired RevocationRequirement = iota
	// RevocationIfAvailable checks artifacts that exist and accepts their absence.
	RevocationIfAvailable
	// RevocationNotChecked skips revocation checking.
	RevocationNotChecked
)

// String returns the string representation of the requirement.
func (r RevocationRequirement) String() string {
	switch r {
	case RevocationRequired:
		return "required"
	case RevocationIfAvailable:
		return "if-available"
	case RevocationNotChecked:
		return "not-checked"
	default:
		return fmt.Sprintf("RevocationRequirement(%d)", int(r))
	}
}

// ParseRevocationRequirement converts a requirement name back to a value.
func ParseRevocationRequirement(s string) (RevocationRequirement, error) {
	for r := RevocationRequired; r <= RevocationNotChecked; r++ {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown revocation requirement %q", s)
}

// RevocationPreference orders and filters revocation artifacts.
type RevocationPreference int

const (
	PreferOCSP RevocationPreference = iota
	PreferCRL
	OCSPOnly
	CRLOnly
)

// String returns the string representation of the preference.
func (p RevocationPreference) String() string {
	switch p {
	case PreferOCSP:
		return "prefer-ocsp"
	case PreferCRL:
		return "prefer-crl"
	case OCSPOnly:
		return "ocsp-only"
	case CRLOnly:
		return "crl-only"
	default:
		return fmt.Sprintf("RevocationPreference(%d)", int(p))
	}
}

// ParseRevocationPreference converts a preference name back to a value.
func ParseRevocationPreference(s string) (RevocationPreference, error) {
	for p := PreferOCSP; p <= CRLOnly; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown revocation preference %q", s)
}

// RevocationPolicy is the revocation rule for one class of certificates.
type RevocationPolicy struct {
	Requirement RevocationRequirement
	Preference  RevocationPreference
}

func (p RevocationPolicy) accepts(kind RevocationDataKind) bool {
	switch p.Preference {
	case OCSPOnly:
		return kind == RevocationDataOCSP
	case CRLOnly:
		return kind == RevocationDataCRL
	default:
		return true
	}
}

func (p RevocationPolicy) rank(kind RevocationDataKind) int {
	if p.Preference == PreferCRL || p.Preference == CRLOnly {
		if kind == RevocationDataCRL {
			return 0
		}
		return 1
	}
	if kind == RevocationDataOCSP {
		return 0
	}
	return 1
}

// Settings holds the tunables of a ChainValidator.
type Settings struct {
	// CRLFreshness and OCSPFreshness bound how long before the validation
	// date a revocation artifact may have been generated.
	CRLFreshness  time.Duration
	OCSPFreshness time.Duration

	// MaxChainLength caps the number of certificates in a resolved chain.
	MaxChainLength int
	// MaxValidationDepth caps nested revocation signer validations.
	MaxValidationDepth int

	LeafRevocation RevocationPolicy
	CARevocation   RevocationPolicy

	// Clock supplies the validation date when the caller gives none.
	Clock clockwork.Clock
}

// DefaultSettings returns the default validation settings.
func DefaultSettings() Settings {
	return Settings{
		CRLFreshness:       30 * 24 * time.Hour,
		OCSPFreshness:      30 * 24 * time.Hour,
		MaxChainLength:     16,
		MaxValidationDepth: 8,
		LeafRevocation:     RevocationPolicy{Requirement: RevocationRequired, Preference: PreferOCSP},
		CARevocation:       RevocationPolicy{Requirement: RevocationIfAvailable, Preference: PreferCRL},
		Clock:              clockwork.NewRealClock(),
	}
}

// withDefaults fills zero durations, limits and clock. Policies are kept.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.CRLFreshness <= 0 {
		s.CRLFreshness = d.CRLFreshness
	}
	if s.OCSPFreshness <= 0 {
		s.OCSPFreshness = d.OCSPFreshness
	}
	if s.MaxChainLength <= 0 {
		s.MaxChainLength = d.MaxChainLength
	}
	if s.MaxValidationDepth <= 0 {
		s.MaxValidationDepth = d.MaxValidationDepth
	}
	if s.Clock == nil {
		s.Clock = d.Clock
	}
	return s
}

// policyFor picks the CA policy for CA certificates, otherwise the leaf policy.
func (s Settings) policyFor(isCA bool) RevocationPolicy {
	if isCA {
		return s.CARevocation
	}
	return s.LeafRevocation
}
