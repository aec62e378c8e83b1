package tlsconf

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// StoredCert is one entry of the certificate list secret
type StoredCert struct {
	Domains   []string `json:"domains"`
	Cert      string   `json:"cert"` // base64 PFX
	IsDefault bool     `json:"isDefault"`
}

// ParsePFX converts a PKCS#12 bundle into a certificate
func ParsePFX(data []byte, password string) (*tls.Certificate, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("decoding pfx: %w", err)
	}

	var certPEM, keyPEM bytes.Buffer
	for _, b := range blocks {
		if b.Type == "CERTIFICATE" {
			_ = pem.Encode(&certPEM, b)
		} else {
			_ = pem.Encode(&keyPEM, b)
		}
	}

	cert, err := tls.X509KeyPair(certPEM.Bytes(), keyPEM.Bytes())
	if err != nil {
		return nil, fmt.Errorf("loading pfx key pair: %w", err)
	}
	return &cert, nil
}

// ParseBase64PFX decodes a base64 PFX, as carried in configuration
func ParseBase64PFX(encoded, password string) (*tls.Certificate, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding pfx base64: %w", err)
	}
	return ParsePFX(data, password)
}

// LoadPEM reads a certificate chain and key from PEM files
func LoadPEM(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading pem key pair: %w", err)
	}
	return &cert, nil
}

// ParseStoredCerts decodes the certificate list secret
func ParseStoredCerts(data []byte, password string) ([]CertificateEntry, error) {
	var stored []StoredCert
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing certificate list: %w", err)
	}

	entries := make([]CertificateEntry, 0, len(stored))
	for i, sc := range stored {
		cert, err := ParseBase64PFX(sc.Cert, password)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		entries = append(entries, CertificateEntry{
			Domains:     sc.Domains,
			Certificate: cert,
			Default:     sc.IsDefault,
		})
	}
	return entries, nil
}
