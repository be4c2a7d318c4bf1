package certificates

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"
)

// CAManager handles Certificate Authority operations
type CAManager struct {
	caCert       *x509.Certificate
	caKey        crypto.Signer
	certPath     string
	keyPath      string
	keyAlgorithm KeyAlgorithm
	keySize      int
	validYears   int
}

// NewCAManager creates a new CA manager instance
func NewCAManager(certPath, keyPath string) *CAManager {
	return &CAManager{
		certPath:     certPath,
		keyPath:      keyPath,
		keyAlgorithm: KeyAlgorithmRSA,
		keySize:      2048,
		validYears:   10,
	}
}

// SetKeyAlgorithm selects the key type used by GenerateCA.
func (ca *CAManager) SetKeyAlgorithm(alg KeyAlgorithm) error {
	if err := alg.Validate(); err != nil {
		return err
	}
	ca.keyAlgorithm = alg
	return nil
}

// SetKeySize sets the RSA modulus size used by GenerateCA.
func (ca *CAManager) SetKeySize(bits int) error {
	if bits < minRSAKeySize {
		return xerrors.Errorf("key size must be at least %d bits", minRSAKeySize)
	}
	ca.keySize = bits
	return nil
}

// LoadCA loads existing CA certificate and key from files
func (ca *CAManager) LoadCA() error {
	certData, err := os.ReadFile(ca.certPath)
	if err != nil {
		return xerrors.Errorf("read CA certificate file: %w", err)
	}
	keyData, err := os.ReadFile(ca.keyPath)
	if err != nil {
		return xerrors.Errorf("read CA key file: %w", err)
	}

	cert, key, err := ParseCertificateAndKey(certData, keyData)
	if err != nil {
		return xerrors.Errorf("parse CA: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

// GenerateCA creates a new CA certificate and private key and writes both
// to the configured paths.
func (ca *CAManager) GenerateCA() error {
	privateKey, err := generateKey(ca.keyAlgorithm, ca.keySize)
	if err != nil {
		return xerrors.Errorf("generate CA private key: %w", err)
	}

	serial, err := GenerateRandomSerialNumber()
	if err != nil {
		return xerrors.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Interlope Proxy"},
			Country:      []string{"US"},
			CommonName:   "Interlope Proxy CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(ca.validYears, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, privateKey.Public(), privateKey)
	if err != nil {
		return xerrors.Errorf("create CA certificate: %w", err)
	}

	ca.caCert, err = x509.ParseCertificate(certDER)
	if err != nil {
		return xerrors.Errorf("parse generated CA certificate: %w", err)
	}
	ca.caKey = privateKey

	if err := ca.SaveCA(); err != nil {
		return xerrors.Errorf("save CA files: %w", err)
	}

	return nil
}

// SaveCA saves the CA certificate and key to files
func (ca *CAManager) SaveCA() error {
	if !ca.IsCALoaded() {
		return xerrors.New("no CA certificate or key loaded")
	}

	for _, dir := range []string{filepath.Dir(ca.certPath), filepath.Dir(ca.keyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Errorf("create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(ca.certPath, ca.CertificatePEM(), 0o644); err != nil {
		return xerrors.Errorf("write CA certificate: %w", err)
	}

	keyPEM, err := marshalPrivateKeyPEM(ca.caKey)
	if err != nil {
		return err
	}
	// The key file may already exist with looser permissions.
	if err := os.WriteFile(ca.keyPath, keyPEM, 0o600); err != nil {
		return xerrors.Errorf("write CA private key: %w", err)
	}
	if err := os.Chmod(ca.keyPath, 0o600); err != nil {
		return xerrors.Errorf("restrict CA private key: %w", err)
	}

	return nil
}

// CertificatePEM returns the PEM encoding of the CA certificate, or nil when
// no CA is loaded.
func (ca *CAManager) CertificatePEM() []byte {
	if ca.caCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})
}

// GetCACertificate returns the CA certificate
func (ca *CAManager) GetCACertificate() *x509.Certificate {
	return ca.caCert
}

// GetCAPrivateKey returns the CA private key
func (ca *CAManager) GetCAPrivateKey() crypto.Signer {
	return ca.caKey
}

// IsCALoaded returns true if CA certificate and key are loaded
func (ca *CAManager) IsCALoaded() bool {
	return ca.caCert != nil && ca.caKey != nil
}

// ValidateCA checks if the loaded CA certificate is valid
func (ca *CAManager) ValidateCA() error {
	if !ca.IsCALoaded() {
		return xerrors.New("no CA certificate loaded")
	}

	now := time.Now()
	if now.Before(ca.caCert.NotBefore) {
		return xerrors.Errorf("CA certificate is not yet valid (valid from: %v)", ca.caCert.NotBefore)
	}
	if now.After(ca.caCert.NotAfter) {
		return xerrors.Errorf("CA certificate has expired (expired: %v)", ca.caCert.NotAfter)
	}
	if !ca.caCert.IsCA {
		return xerrors.New("certificate is not a CA certificate")
	}
	if ca.caCert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return xerrors.New("CA certificate does not have certificate signing capability")
	}
	if !publicKeysMatch(ca.caCert.PublicKey, ca.caKey.Public()) {
		return xerrors.New("CA private key does not match the certificate")
	}

	return nil
}

// GetCAInfo returns information about the loaded CA certificate
func (ca *CAManager) GetCAInfo() (*CertificateInfo, error) {
	if !ca.IsCALoaded() {
		return nil, xerrors.New("no CA certificate loaded")
	}
	return certificateInfo(ca.caCert), nil
}

// LoadOrCreateCA loads the CA at certPath/keyPath. When neither file exists
// and autoGenerate is set, a new CA is generated there instead.
func LoadOrCreateCA(certPath, keyPath string, autoGenerate bool, alg KeyAlgorithm, keySize int) (*CAManager, error) {
	ca := NewCAManager(certPath, keyPath)
	if err := ca.SetKeyAlgorithm(alg); err != nil {
		return nil, err
	}
	if alg == KeyAlgorithmRSA {
		if err := ca.SetKeySize(keySize); err != nil {
			return nil, err
		}
	}

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		if err := ca.LoadCA(); err != nil {
			return nil, err
		}
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
		if !autoGenerate {
			return nil, xerrors.Errorf("CA not found at %s and auto-generation is disabled", certPath)
		}
		if err := ca.GenerateCA(); err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.Errorf("CA certificate and key must both exist (cert: %v, key: %v)", certErr, keyErr)
	}

	if err := ca.ValidateCA(); err != nil {
		return nil, xerrors.Errorf("validate CA: %w", err)
	}
	return ca, nil
}

// CertificateInfo holds certificate information for display
type CertificateInfo struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	IsCA        bool
	KeyUsage    x509.KeyUsage
	CommonName  string
	DNSNames    []string
	IPAddresses []string
	Fingerprint string
}

func certificateInfo(cert *x509.Certificate) *CertificateInfo {
	info := &CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		IsCA:        cert.IsCA,
		KeyUsage:    cert.KeyUsage,
		CommonName:  cert.Subject.CommonName,
		DNSNames:    cert.DNSNames,
		Fingerprint: GetCertificateFingerprint(cert),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}
