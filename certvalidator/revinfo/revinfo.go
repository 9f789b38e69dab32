// Package revinfo provides the revocation artifacts consumed by certificate
// validation: CRLs and OCSP basic responses, decoded once into plain values.
package revinfo

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	"crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Common errors
var (
	ErrCRLParseFailed  = errors.New("failed to parse CRL")
	ErrOCSPParseFailed = errors.New("failed to parse OCSP response")
)

var (
	oidCRLNumber         = asn1.ObjectIdentifier{2, 5, 29, 20}
	oidDeltaCRLIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}
	oidAuthorityInfoAcc  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	oidAccessCAIssuers   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 2}
)

const (
	generalNameURITag     = 6
	pemBlockCRL           = "X509 CRL"
	pemBlockOCSPResponse  = "OCSP RESPONSE"
	defaultOCSPIssuerHash = crypto.SHA1
)

// RevocationReason represents the reason for certificate revocation.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// RevocationStatus is the per-certificate status carried by an OCSP single response.
type RevocationStatus int

const (
	StatusUnknown RevocationStatus = iota
	StatusGood
	StatusRevoked
)

// String returns the string representation of a revocation status.
func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// CRLEntry is one revoked serial number.
type CRLEntry struct {
	SerialNumber   *big.Int
	RevocationTime time.Time
	Reason         RevocationReason
}

// CRL is a decoded certificate revocation list.
type CRL struct {
	Raw       []byte
	Issuer    pkix.Name
	RawIssuer []byte
	// AuthorityKeyID is empty when the CRL carries no AKI extension.
	AuthorityKeyID []byte
	Number         *big.Int
	IsDelta        bool
	ThisUpdate     time.Time
	// NextUpdate is the zero time when the CRL has no nextUpdate field.
	NextUpdate time.Time
	Entries    []CRLEntry
	// IssuingCertificateURLs are the caIssuers URIs of the CRL's AIA extension.
	IssuingCertificateURLs []string

	SignedBytes        []byte
	Signature          []byte
	SignatureAlgorithm x509.SignatureAlgorithm

	// URL is where the CRL was obtained from, if known.
	URL string
}

// FromRevocationList builds a CRL value from a parsed x509 revocation list.
func FromRevocationList(rl *x509.RevocationList) *CRL {
	if rl == nil {
		return nil
	}
	crl := &CRL{
		Raw:                rl.Raw,
		Issuer:             rl.Issuer,
		RawIssuer:          rl.RawIssuer,
		AuthorityKeyID:     rl.AuthorityKeyId,
		Number:             rl.Number,
		ThisUpdate:         rl.ThisUpdate,
		NextUpdate:         rl.NextUpdate,
		SignedBytes:        rl.RawTBSRevocationList,
		Signature:          rl.Signature,
		SignatureAlgorithm: rl.SignatureAlgorithm,
	}

	for _, entry := range rl.RevokedCertificateEntries {
		crl.Entries = append(crl.Entries, CRLEntry{
			SerialNumber:   entry.SerialNumber,
			RevocationTime: entry.RevocationTime,
			Reason:         RevocationReason(entry.ReasonCode),
		})
	}

	for _, ext := range rl.Extensions {
		switch {
		case ext.Id.Equal(oidDeltaCRLIndicator):
			crl.IsDelta = true
		case ext.Id.Equal(oidCRLNumber) && crl.Number == nil:
			var num big.Int
			if _, err := asn1.Unmarshal(ext.Value, &num); err == nil {
				crl.Number = &num
			}
		case ext.Id.Equal(oidAuthorityInfoAcc):
			crl.IssuingCertificateURLs = parseCAIssuers(ext.Value)
		}
	}

	return crl
}

// ParseCRL decodes a DER or PEM encoded CRL.
func ParseCRL(data []byte) (*CRL, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemBlockCRL {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCRLParseFailed, block.Type)
		}
		data = block.Bytes
	}
	rl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return FromRevocationList(rl), nil
}

// HasNextUpdate reports whether the CRL declares a nextUpdate.
func (c *CRL) HasNextUpdate() bool {
	return !c.NextUpdate.IsZero()
}

// FindEntry returns the revocation entry for serial, if present.
func (c *CRL) FindEntry(serial *big.Int) (*CRLEntry, bool) {
	if serial == nil {
		return nil, false
	}
	for i := range c.Entries {
		if c.Entries[i].SerialNumber != nil && c.Entries[i].SerialNumber.Cmp(serial) == 0 {
			return &c.Entries[i], true
		}
	}
	return nil, false
}

// Fingerprint returns the SHA-256 digest of the encoded CRL.
func (c *CRL) Fingerprint() [32]byte {
	return sha256.Sum256(c.Raw)
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

func parseCAIssuers(value []byte) []string {
	var descs []accessDescription
	if _, err := asn1.Unmarshal(value, &descs); err != nil {
		return nil
	}
	var urls []string
	for _, d := range descs {
		if !d.Method.Equal(oidAccessCAIssuers) {
			continue
		}
		if d.Location.Class == asn1.ClassContextSpecific && d.Location.Tag == generalNameURITag {
			urls = append(urls, string(d.Location.Bytes))
		}
	}
	return urls
}

// SingleResponse is the status of one certificate inside an OCSP response.
type SingleResponse struct {
	SerialNumber *big.Int
	// IssuerNameHash and IssuerKeyHash are optional; when empty the
	// response is matched by serial number only.
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	HashAlgorithm  crypto.Hash

	Status     RevocationStatus
	ThisUpdate time.Time
	// NextUpdate is the zero time when the responder gave no expiry.
	NextUpdate     time.Time
	RevocationTime time.Time
	Reason         RevocationReason
}

// HasNextUpdate reports whether the single response declares a nextUpdate.
func (s *SingleResponse) HasNextUpdate() bool {
	return !s.NextUpdate.IsZero()
}

// Matches reports whether the single response is about cert as issued by issuer.
// issuer may be nil, in which case only the serial number is compared.
func (s *SingleResponse) Matches(cert, issuer *x509.Certificate) bool {
	if cert == nil || s.SerialNumber == nil || cert.SerialNumber == nil {
		return false
	}
	if s.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return false
	}
	if issuer == nil || len(s.IssuerNameHash) == 0 {
		return true
	}
	hash := s.HashAlgorithm
	if hash == 0 {
		hash = defaultOCSPIssuerHash
	}
	if !hash.Available() {
		return true
	}
	h := hash.New()
	h.Write(issuer.RawSubject)
	if !bytes.Equal(h.Sum(nil), s.IssuerNameHash) {
		return false
	}
	if len(s.IssuerKeyHash) > 0 {
		h.Reset()
		h.Write(PublicKeyBits(issuer))
		return bytes.Equal(h.Sum(nil), s.IssuerKeyHash)
	}
	return true
}

// OCSPResponse is a decoded OCSP basic response.
type OCSPResponse struct {
	Raw        []byte
	ProducedAt time.Time
	// ResponderName is the DER encoded responder name, empty when the
	// responder is identified by key hash.
	ResponderName    []byte
	ResponderKeyHash []byte
	// Certificates are the certificates embedded in the response.
	Certificates []*x509.Certificate
	Responses    []SingleResponse

	SignedBytes        []byte
	Signature          []byte
	SignatureAlgorithm x509.SignatureAlgorithm

	// URL is the responder the response was obtained from, if known.
	URL string
}

// FromOCSPResponse builds an OCSPResponse value from a parsed x/crypto response.
func FromOCSPResponse(resp *ocsp.Response) *OCSPResponse {
	if resp == nil {
		return nil
	}
	out := &OCSPResponse{
		Raw:                resp.Raw,
		ProducedAt:         resp.ProducedAt,
		ResponderName:      resp.RawResponderName,
		ResponderKeyHash:   resp.ResponderKeyHash,
		SignedBytes:        resp.TBSResponseData,
		Signature:          resp.Signature,
		SignatureAlgorithm: resp.SignatureAlgorithm,
	}
	if resp.Certificate != nil {
		out.Certificates = []*x509.Certificate{resp.Certificate}
	}

	single := SingleResponse{
		SerialNumber:  resp.SerialNumber,
		HashAlgorithm: resp.IssuerHash,
		ThisUpdate:    resp.ThisUpdate,
		NextUpdate:    resp.NextUpdate,
	}
	switch resp.Status {
	case ocsp.Good:
		single.Status = StatusGood
	case ocsp.Revoked:
		single.Status = StatusRevoked
		single.RevocationTime = resp.RevokedAt
		single.Reason = RevocationReason(resp.RevocationReason)
	default:
		single.Status = StatusUnknown
	}
	out.Responses = []SingleResponse{single}

	return out
}

// ParseOCSPResponse decodes a DER or PEM encoded OCSP response. Every single
// response is kept together with its CertID hashes. The response signature
// is not checked here; that is left to the validator, which knows which
// responder certificate is acceptable.
func ParseOCSPResponse(data []byte) (*OCSPResponse, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemBlockOCSPResponse {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrOCSPParseFailed, block.Type)
		}
		data = block.Bytes
	}
	singles, err := parseSingleResponses(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}
	// x/crypto only accepts several single responses when asked about one
	// certificate; the first serial selects the metadata it returns.
	first := &x509.Certificate{SerialNumber: singles[0].SerialNumber}
	resp, err := ocsp.ParseResponseForCert(data, first, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}
	out := FromOCSPResponse(resp)
	out.Responses = singles
	return out, nil
}

var (
	oidOCSPBasic = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}

	hashOIDs = map[string]crypto.Hash{
		"1.3.14.3.2.26":          crypto.SHA1,
		"2.16.840.1.101.3.4.2.1": crypto.SHA256,
		"2.16.840.1.101.3.4.2.2": crypto.SHA384,
		"2.16.840.1.101.3.4.2.3": crypto.SHA512,
	}
)

type ocspResponseASN1 struct {
	Status   asn1.Enumerated
	Response ocspResponseBytes `asn1:"explicit,tag:0,optional"`
}

type ocspResponseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicOCSPResponse struct {
	TBSResponseData    ocspResponseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type ocspResponseData struct {
	Version        int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID asn1.RawValue
	ProducedAt     time.Time `asn1:"generalized"`
	Responses      []singleResponseASN1
}

type ocspCertID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type singleResponseASN1 struct {
	CertID           ocspCertID
	Good             asn1.Flag        `asn1:"tag:0,optional"`
	Revoked          ocspRevokedInfo  `asn1:"tag:1,optional"`
	Unknown          asn1.Flag        `asn1:"tag:2,optional"`
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"generalized,explicit,tag:0,optional"`
	SingleExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type ocspRevokedInfo struct {
	RevocationTime time.Time       `asn1:"generalized"`
	Reason         asn1.Enumerated `asn1:"explicit,tag:0,optional"`
}

// parseSingleResponses decodes the responses of a successful basic OCSP
// response, one SingleResponse per entry in order.
func parseSingleResponses(data []byte) ([]SingleResponse, error) {
	var outer ocspResponseASN1
	if rest, err := asn1.Unmarshal(data, &outer); err != nil {
		return nil, err
	} else if len(rest) > 0 {
		return nil, errors.New("trailing data in OCSP response")
	}
	if outer.Status != 0 {
		return nil, fmt.Errorf("responder returned status %d", outer.Status)
	}
	if !outer.Response.ResponseType.Equal(oidOCSPBasic) {
		return nil, errors.New("not a basic OCSP response")
	}

	var basic basicOCSPResponse
	if _, err := asn1.Unmarshal(outer.Response.Response, &basic); err != nil {
		return nil, err
	}
	if len(basic.TBSResponseData.Responses) == 0 {
		return nil, errors.New("no single responses")
	}

	singles := make([]SingleResponse, 0, len(basic.TBSResponseData.Responses))
	for _, sr := range basic.TBSResponseData.Responses {
		single := SingleResponse{
			SerialNumber:   sr.CertID.SerialNumber,
			IssuerNameHash: sr.CertID.NameHash,
			IssuerKeyHash:  sr.CertID.IssuerKeyHash,
			HashAlgorithm:  hashOIDs[sr.CertID.HashAlgorithm.Algorithm.String()],
			ThisUpdate:     sr.ThisUpdate,
			NextUpdate:     sr.NextUpdate,
		}
		switch {
		case bool(sr.Good):
			single.Status = StatusGood
		case bool(sr.Unknown):
			single.Status = StatusUnknown
		default:
			single.Status = StatusRevoked
			single.RevocationTime = sr.Revoked.RevocationTime
			single.Reason = RevocationReason(sr.Revoked.Reason)
		}
		singles = append(singles, single)
	}
	return singles, nil
}

// FindResponse returns the single response about cert issued by issuer.
func (r *OCSPResponse) FindResponse(cert, issuer *x509.Certificate) (*SingleResponse, bool) {
	for i := range r.Responses {
		if r.Responses[i].Matches(cert, issuer) {
			return &r.Responses[i], true
		}
	}
	return nil, false
}

// Fingerprint returns the SHA-256 digest of the encoded response.
func (r *OCSPResponse) Fingerprint() [32]byte {
	return sha256.Sum256(r.Raw)
}

// CreateOCSPRequest creates an OCSP request for a certificate.
func CreateOCSPRequest(cert, issuer *x509.Certificate, hash crypto.Hash) ([]byte, error) {
	if hash == 0 {
		hash = crypto.SHA256
	}
	return ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: hash})
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// PublicKeyBits returns the subjectPublicKey bit string of cert, the input of
// OCSP key hashes.
func PublicKeyBits(cert *x509.Certificate) []byte {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil
	}
	return spki.PublicKey.RightAlign()
}

// Archive collects revocation artifacts for a validation session, such as
// the CRLs and OCSP responses embedded in a signed document.
type Archive struct {
	mu    sync.RWMutex
	crls  map[[32]byte]*CRL
	ocsps map[[32]byte]*OCSPResponse
	order [][32]byte
}

// NewArchive creates an empty archive.
func NewArchive() *Archive {
	return &Archive{
		crls:  make(map[[32]byte]*CRL),
		ocsps: make(map[[32]byte]*OCSPResponse),
	}
}

// AddCRL adds a CRL; duplicates are ignored.
func (a *Archive) AddCRL(crl *CRL) {
	if crl == nil {
		return
	}
	key := crl.Fingerprint()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.crls[key]; ok {
		return
	}
	a.crls[key] = crl
	a.order = append(a.order, key)
}

// AddOCSP adds an OCSP response; duplicates are ignored.
func (a *Archive) AddOCSP(resp *OCSPResponse) {
	if resp == nil {
		return
	}
	key := resp.Fingerprint()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ocsps[key]; ok {
		return
	}
	a.ocsps[key] = resp
	a.order = append(a.order, key)
}

// CRLs returns the archived CRLs in insertion order.
func (a *Archive) CRLs() []*CRL {
	a.mu.RLock()
	defer a.mu.RUnlock()
	result := make([]*CRL, 0, len(a.crls))
	for _, key := range a.order {
		if crl, ok := a.crls[key]; ok {
			result = append(result, crl)
		}
	}
	return result
}

// OCSPResponses returns the archived OCSP responses in insertion order.
func (a *Archive) OCSPResponses() []*OCSPResponse {
	a.mu.RLock()
	defer a.mu.RUnlock()
	result := make([]*OCSPResponse, 0, len(a.ocsps))
	for _, key := range a.order {
		if resp, ok := a.ocsps[key]; ok {
			result = append(result, resp)
		}
	}
	return result
}

// Len returns the number of archived artifacts.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}
