package certvalidator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

type certSpec struct {
	cn          string
	isCA        bool
	parent      *testCert
	key         *ecdsa.PrivateKey
	notBefore   time.Time
	notAfter    time.Time
	keyUsage    x509.KeyUsage
	extKeyUsage []x509.ExtKeyUsage
	aia         []string
	ocspServers []string
	crlDPs      []string
	extensions  []pkix.Extension
}

type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func randomSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	return serial.Add(serial, big.NewInt(1))
}

func issue(t *testing.T, spec certSpec) *testCert {
	t.Helper()

	key := spec.key
	if key == nil {
		key = newKey(t)
	}
	notBefore, notAfter := spec.notBefore, spec.notAfter
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-24 * time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = time.Now().Add(365 * 24 * time.Hour)
	}
	keyUsage := spec.keyUsage
	if keyUsage == 0 {
		keyUsage = x509.KeyUsageDigitalSignature
		if spec.isCA {
			keyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		}
	}

	template := &x509.Certificate{
		SerialNumber:          randomSerial(t),
		Subject:               pkix.Name{CommonName: spec.cn, Organization: []string{"Cert Trust Test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           spec.extKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  spec.isCA,
		IssuingCertificateURL: spec.aia,
		OCSPServer:            spec.ocspServers,
		CRLDistributionPoints: spec.crlDPs,
		ExtraExtensions:       spec.extensions,
	}

	parent, parentKey := template, key
	if spec.parent != nil {
		parent, parentKey = spec.parent.cert, spec.parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCert{cert: cert, key: key}
}

// testHierarchy is root R, intermediate I and leaf E.
type testHierarchy struct {
	root, inter, leaf *testCert
}

func newHierarchy(t *testing.T) *testHierarchy {
	t.Helper()
	root := issue(t, certSpec{cn: "Test Root CA", isCA: true})
	inter := issue(t, certSpec{cn: "Test Intermediate CA", isCA: true, parent: root})
	leaf := issue(t, certSpec{cn: "Test Signer", parent: inter})
	return &testHierarchy{root: root, inter: inter, leaf: leaf}
}

// trustedStore trusts the root generally and as a CA.
func (h *testHierarchy) trustedStore() *TrustedCertificatesStore {
	store := NewTrustedCertificatesStore()
	store.AddTrusted(TrustGeneral, h.root.cert)
	store.AddTrusted(TrustCA, h.root.cert)
	store.AddKnown(h.inter.cert)
	return store
}

func (c *testCert) crl(t *testing.T, thisUpdate, nextUpdate time.Time, entries ...x509.RevocationListEntry) *revinfo.CRL {
	t.Helper()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, c.cert, c.key)
	require.NoError(t, err)
	crl, err := revinfo.ParseCRL(der)
	require.NoError(t, err)
	return crl
}

// ocspFor signs an OCSP response about target issued by issuer, embedding
// the responder certificate.
func (c *testCert) ocspFor(t *testing.T, target, issuer *testCert, template ocsp.Response) *revinfo.OCSPResponse {
	t.Helper()
	template.SerialNumber = target.cert.SerialNumber
	template.Certificate = c.cert
	der, err := ocsp.CreateResponse(issuer.cert, c.cert, template, c.key)
	require.NoError(t, err)
	resp, err := revinfo.ParseOCSPResponse(der)
	require.NoError(t, err)
	return resp
}

func revoked(cert *testCert, at time.Time, reason int) x509.RevocationListEntry {
	return x509.RevocationListEntry{
		SerialNumber:   cert.cert.SerialNumber,
		RevocationTime: at,
		ReasonCode:     reason,
	}
}

type ocspSingle struct {
	serial    *big.Int
	issuer    *testCert
	revokedAt time.Time
}

type testCertID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type testRevokedInfo struct {
	RevocationTime time.Time `asn1:"generalized"`
}

type testSingleResponse struct {
	CertID     testCertID
	Good       asn1.Flag       `asn1:"tag:0,optional"`
	Revoked    testRevokedInfo `asn1:"tag:1,optional"`
	ThisUpdate time.Time       `asn1:"generalized"`
}

type testResponseData struct {
	ResponderID asn1.RawValue
	ProducedAt  time.Time `asn1:"generalized"`
	Responses   []testSingleResponse
}

type testBasicResponse struct {
	TBSResponseData    testResponseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type testResponseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type testOCSPResponse struct {
	Status   asn1.Enumerated
	Response testResponseBytes `asn1:"explicit,tag:0,optional"`
}

// ocspMulti signs one OCSP response with a single response per entry,
// embedding the responder certificate.
func (c *testCert) ocspMulti(t *testing.T, thisUpdate time.Time, singles ...ocspSingle) *revinfo.OCSPResponse {
	t.Helper()

	data := testResponseData{
		ResponderID: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: c.cert.RawSubject},
		ProducedAt:  thisUpdate.UTC(),
	}
	for _, single := range singles {
		nameHash := sha1.Sum(single.issuer.cert.RawSubject)
		keyHash := sha1.Sum(revinfo.PublicKeyBits(single.issuer.cert))
		entry := testSingleResponse{
			CertID: testCertID{
				HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}},
				NameHash:      nameHash[:],
				IssuerKeyHash: keyHash[:],
				SerialNumber:  single.serial,
			},
			ThisUpdate: thisUpdate.UTC(),
		}
		if single.revokedAt.IsZero() {
			entry.Good = true
		} else {
			entry.Revoked = testRevokedInfo{RevocationTime: single.revokedAt.UTC()}
		}
		data.Responses = append(data.Responses, entry)
	}

	tbs, err := asn1.Marshal(data)
	require.NoError(t, err)
	digest := sha256.Sum256(tbs)
	signature, err := ecdsa.SignASN1(rand.Reader, c.key, digest[:])
	require.NoError(t, err)

	basic, err := asn1.Marshal(testBasicResponse{
		TBSResponseData:    data,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}},
		Signature:          asn1.BitString{Bytes: signature, BitLength: 8 * len(signature)},
		Certificates:       []asn1.RawValue{{FullBytes: c.cert.Raw}},
	})
	require.NoError(t, err)
	der, err := asn1.Marshal(testOCSPResponse{
		Response: testResponseBytes{ResponseType: asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}, Response: basic},
	})
	require.NoError(t, err)

	resp, err := revinfo.ParseOCSPResponse(der)
	require.NoError(t, err)
	return resp
}
