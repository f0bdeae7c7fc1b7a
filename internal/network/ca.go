package network

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
)

// CA is the certificate authority the proxy signs intercepted hosts with.
// The phone must trust its certificate for HTTPS capture to work.
type CA struct {
	Cert       *x509.Certificate
	PrivateKey *rsa.PrivateKey
	CertPool   *x509.CertPool
}

// NewCA generates a self-signed CA valid for validFor.
func NewCA(commonName string, validFor time.Duration) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"xpmate-capture"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &CA{Cert: cert, PrivateKey: key, CertPool: pool}, nil
}

// PEM returns the certificate and PKCS#8 key in PEM form.
func (ca *CA) PEM() (certPEM, keyPEM []byte, err error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(ca.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// WriteFiles stores the CA pair. Existing files are never overwritten.
func (ca *CA) WriteFiles(certPath, keyPath string) error {
	certPEM, keyPEM, err := ca.PEM()
	if err != nil {
		return err
	}
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{{certPath, certPEM, 0o644}, {keyPath, keyPEM, 0o600}} {
		path, err := homedir.Expand(f.path)
		if err != nil {
			return fmt.Errorf("failed to expand %s: %w", f.path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, f.mode)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		_, werr := file.Write(f.data)
		if err := errors.Join(werr, file.Close()); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

// ReadCAFiles loads a PEM CA pair from disk. Empty paths return nil, nil so
// the proxy runs in tunnelling mode.
func ReadCAFiles(certPath, keyPath string) (certPEM, keyPEM []byte, err error) {
	if certPath == "" || keyPath == "" {
		return nil, nil, nil
	}
	read := func(p string) ([]byte, error) {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(expanded)
	}
	if certPEM, err = read(certPath); err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if keyPEM, err = read(keyPath); err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	return certPEM, keyPEM, nil
}
