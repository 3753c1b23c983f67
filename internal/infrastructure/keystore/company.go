package keystore

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/erp/dte/internal/domain/dte"
	"golang.org/x/crypto/pkcs12"
)

// CompanyKeyConfig locates the company's signing credentials
type CompanyKeyConfig struct {
	// Path is a PKCS#12 bundle (.p12/.pfx) or a PEM file with key and certificate.
	// An age-armored file is opened with the sealer first.
	Path     string
	Password string
	// RevokedSerials lists certificate serial numbers, decimal or 0x-prefixed hex
	RevokedSerials []string
}

// LoadCompanyKey reads and decodes the company key from disk
func LoadCompanyKey(cfg CompanyKeyConfig, sealer Sealer) (dte.CompanyKey, error) {
	if cfg.Path == "" {
		return dte.CompanyKey{}, errors.New("keystore: company certificate path is not configured")
	}
	data, err := os.ReadFile(filepath.Clean(cfg.Path))
	if err != nil {
		return dte.CompanyKey{}, fmt.Errorf("reading company certificate: %w", err)
	}
	if sealer != nil {
		if data, err = sealer.Open(data); err != nil {
			return dte.CompanyKey{}, err
		}
	}
	return DecodeCompanyKey(data, cfg.Password, cfg.RevokedSerials)
}

// DecodeCompanyKey extracts the RSA key and the certificate matching it
// from a PKCS#12 or PEM bundle.
func DecodeCompanyKey(data []byte, password string, revoked []string) (dte.CompanyKey, error) {
	var blocks []*pem.Block
	if bytes.Contains(data, []byte("-----BEGIN")) {
		for rest := data; ; {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			blocks = append(blocks, block)
		}
	} else {
		var err error
		blocks, err = pkcs12.ToPEM(data, password)
		if err != nil {
			return dte.CompanyKey{}, fmt.Errorf("decoding PKCS#12 bundle: %w", err)
		}
	}

	var key *rsa.PrivateKey
	var certs []*x509.Certificate
	for _, block := range blocks {
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			k, err := ParseRSAPrivateKey(block.Bytes)
			if err != nil {
				return dte.CompanyKey{}, err
			}
			key = k
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return dte.CompanyKey{}, fmt.Errorf("parsing certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	}
	if key == nil {
		return dte.CompanyKey{}, errors.New("keystore: bundle has no RSA private key")
	}
	for _, cert := range certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if ok && pub.Equal(&key.PublicKey) {
			return dte.CompanyKey{
				PrivateKey:  key,
				Certificate: cert,
				Revoked:     isRevoked(cert.SerialNumber, revoked),
			}, nil
		}
	}
	return dte.CompanyKey{}, errors.New("keystore: no certificate matches the private key")
}

// ParseRSAPrivateKey accepts PKCS#1 and PKCS#8 DER
func ParseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("keystore: private key is not RSA")
	}
	return key, nil
}

func isRevoked(serial *big.Int, revoked []string) bool {
	for _, raw := range revoked {
		raw = strings.TrimSpace(raw)
		n := new(big.Int)
		var ok bool
		if hex, found := strings.CutPrefix(strings.ToLower(raw), "0x"); found {
			_, ok = n.SetString(hex, 16)
		} else {
			_, ok = n.SetString(raw, 10)
		}
		if ok && n.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}
