// Package bundle loads certificates, CRLs and OCSP responses from PEM, DER
// and PKCS#12 files.
package bundle

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
)

// Common errors
var (
	ErrNoCertFound   = errors.New("no certificate found in data")
	ErrMultipleCerts = errors.New("expected exactly one certificate")
	ErrEmptyBundle   = errors.New("no files provided")
)

// LoadCertificate loads a single certificate from a PEM or DER encoded file.
func LoadCertificate(filename string) (*x509.Certificate, error) {
	certs, err := LoadCertificates(filename, "")
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d certificates in %s", ErrMultipleCerts, len(certs), filename)
	}
	return certs[0], nil
}

// LoadCertificates loads every certificate of a file. Files ending in .p12
// or .pfx are read as PKCS#12 with password; anything else as PEM or DER.
func LoadCertificates(filename, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	if isPKCS12(filename) {
		return ParsePKCS12(data, password)
	}
	return ParseCertificates(data)
}

// LoadCertificateFiles loads certificates from several files in order.
func LoadCertificateFiles(filenames []string, password string) ([]*x509.Certificate, error) {
	var all []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertificates(filename, password)
		if err != nil {
			return nil, fmt.Errorf("failed to load certs from %s: %w", filename, err)
		}
		all = append(all, certs...)
	}
	return all, nil
}

// ParseCertificates parses PEM CERTIFICATE blocks, or DER certificates when
// data is not PEM.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
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
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// ParsePKCS12 reads a PKCS#12 trust store. Key stores are accepted as well;
// their certificate and CA certificates are returned.
func ParsePKCS12(data []byte, password string) ([]*x509.Certificate, error) {
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err == nil {
		if len(certs) == 0 {
			return nil, ErrNoCertFound
		}
		return certs, nil
	}

	_, cert, caCerts, chainErr := pkcs12.DecodeChain(data, password)
	if chainErr != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", errors.Join(err, chainErr))
	}
	return append([]*x509.Certificate{cert}, caCerts...), nil
}

// Chain is a certificate followed by the certificates offered to complete
// its chain.
type Chain struct {
	Leaf  *x509.Certificate
	Extra []*x509.Certificate
}

// LoadChain loads the leaf from the first file, which must hold exactly one
// certificate, and every certificate of the remaining files as extras.
func LoadChain(filenames []string) (*Chain, error) {
	if len(filenames) == 0 {
		return nil, ErrEmptyBundle
	}
	leaf, err := LoadCertificate(filenames[0])
	if err != nil {
		return nil, err
	}
	chain := &Chain{Leaf: leaf}
	if len(filenames) > 1 {
		if chain.Extra, err = LoadCertificateFiles(filenames[1:], ""); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// LoadCRLs loads CRLs from PEM or DER files into archive.
func LoadCRLs(archive *revinfo.Archive, filenames []string) error {
	for _, filename := range filenames {
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read CRL %s: %w", filename, err)
		}
		for _, der := range blocks(data, "X509 CRL") {
			crl, err := revinfo.ParseCRL(der)
			if err != nil {
				return fmt.Errorf("failed to parse CRL %s: %w", filename, err)
			}
			archive.AddCRL(crl)
		}
	}
	return nil
}

// LoadOCSPResponses loads DER or PEM encoded OCSP responses into archive.
func LoadOCSPResponses(archive *revinfo.Archive, filenames []string) error {
	for _, filename := range filenames {
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read OCSP response %s: %w", filename, err)
		}
		for _, der := range blocks(data, "OCSP RESPONSE") {
			resp, err := revinfo.ParseOCSPResponse(der)
			if err != nil {
				return fmt.Errorf("failed to parse OCSP response %s: %w", filename, err)
			}
			archive.AddOCSP(resp)
		}
	}
	return nil
}

// blocks returns the PEM blocks of type, or data itself when it is not PEM.
func blocks(data []byte, blockType string) [][]byte {
	if !isPEM(data) {
		return [][]byte{data}
	}
	var out [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return out
		}
		if block.Type == blockType {
			out = append(out, block.Bytes)
		}
	}
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

func isPKCS12(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".p12", ".pfx":
		return true
	default:
		return false
	}
}
