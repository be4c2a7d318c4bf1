package certificates

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

const minRSAKeySize = 1024

// KeyAlgorithm names the key type used for generated certificates.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA   KeyAlgorithm = "rsa"
	KeyAlgorithmECDSA KeyAlgorithm = "ecdsa"
)

// Validate reports whether alg is a supported algorithm.
func (alg KeyAlgorithm) Validate() error {
	switch alg {
	case KeyAlgorithmRSA, KeyAlgorithmECDSA:
		return nil
	default:
		return xerrors.Errorf("unsupported key algorithm %q", string(alg))
	}
}

func generateKey(alg KeyAlgorithm, rsaBits int) (crypto.Signer, error) {
	switch alg {
	case KeyAlgorithmECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyAlgorithmRSA, "":
		return rsa.GenerateKey(rand.Reader, rsaBits)
	default:
		return nil, alg.Validate()
	}
}

func marshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	if rsaKey, ok := key.(*rsa.PrivateKey); ok {
		return pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
		}), nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, xerrors.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, xerrors.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func publicKeysMatch(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}

// ParseCertificateAndKey parses PEM-encoded certificate and private key data
func ParseCertificateAndKey(certData, keyData []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, nil, xerrors.New("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, xerrors.Errorf("parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, nil, xerrors.New("failed to decode private key PEM")
	}
	key, err := parsePrivateKey(keyBlock)
	if err != nil {
		return nil, nil, xerrors.Errorf("parse private key: %w", err)
	}

	return cert, key, nil
}

// LoadCertificateFromFile loads a certificate from a PEM file
func LoadCertificateFromFile(certPath string) (*x509.Certificate, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, xerrors.Errorf("read certificate file: %w", err)
	}

	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, xerrors.New("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, xerrors.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// GetCertificateFingerprint returns the SHA-256 fingerprint of a certificate
// as colon separated hex.
func GetCertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	encoded := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(encoded); i += 2 {
		parts = append(parts, encoded[i:i+2])
	}
	return strings.Join(parts, ":")
}

// FormatCertificateInfo returns a formatted string with certificate information
func FormatCertificateInfo(info *CertificateInfo) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "Subject: %s\n", info.Subject)
	fmt.Fprintf(&builder, "Issuer: %s\n", info.Issuer)
	fmt.Fprintf(&builder, "Common Name: %s\n", info.CommonName)
	fmt.Fprintf(&builder, "Valid From: %s\n", info.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(&builder, "Valid Until: %s\n", info.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(&builder, "Is CA: %t\n", info.IsCA)

	var keyUsages []string
	if info.KeyUsage&x509.KeyUsageDigitalSignature != 0 {
		keyUsages = append(keyUsages, "Digital Signature")
	}
	if info.KeyUsage&x509.KeyUsageKeyEncipherment != 0 {
		keyUsages = append(keyUsages, "Key Encipherment")
	}
	if info.KeyUsage&x509.KeyUsageCertSign != 0 {
		keyUsages = append(keyUsages, "Certificate Sign")
	}
	if info.KeyUsage&x509.KeyUsageCRLSign != 0 {
		keyUsages = append(keyUsages, "CRL Sign")
	}
	if len(keyUsages) > 0 {
		fmt.Fprintf(&builder, "Key Usage: %s\n", strings.Join(keyUsages, ", "))
	}
	if len(info.DNSNames) > 0 {
		fmt.Fprintf(&builder, "DNS Names: %s\n", strings.Join(info.DNSNames, ", "))
	}
	if len(info.IPAddresses) > 0 {
		fmt.Fprintf(&builder, "IP Addresses: %s\n", strings.Join(info.IPAddresses, ", "))
	}
	if info.Fingerprint != "" {
		fmt.Fprintf(&builder, "Fingerprint (SHA-256): %s\n", info.Fingerprint)
	}

	now := time.Now()
	switch {
	case now.Before(info.NotBefore):
		builder.WriteString("Status: Not yet valid\n")
	case now.After(info.NotAfter):
		builder.WriteString("Status: EXPIRED\n")
	default:
		daysUntilExpiry := int(info.NotAfter.Sub(now).Hours() / 24)
		fmt.Fprintf(&builder, "Status: Valid (%d days remaining)\n", daysUntilExpiry)
	}

	return builder.String()
}

// GenerateRandomSerialNumber generates a random serial number for certificates
func GenerateRandomSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}

// IsCertificateValidForHost checks if a certificate is valid for the given host
func IsCertificateValidForHost(cert *x509.Certificate, host string) bool {
	host = stripPort(host)

	if ip := net.ParseIP(host); ip != nil {
		for _, certIP := range cert.IPAddresses {
			if ip.Equal(certIP) {
				return true
			}
		}
		return false
	}

	for _, dnsName := range cert.DNSNames {
		if matchesDNSName(dnsName, host) {
			return true
		}
	}
	return false
}

// matchesDNSName checks if a DNS name matches a host (supports wildcards)
func matchesDNSName(dnsName, host string) bool {
	dnsName = strings.ToLower(dnsName)
	host = strings.ToLower(host)

	if dnsName == host {
		return true
	}

	if strings.HasPrefix(dnsName, "*.") {
		domain := dnsName[2:]
		if host == domain {
			return true
		}
		// One extra label only: *.example.com does not cover a.b.example.com.
		if strings.HasSuffix(host, "."+domain) {
			prefix := host[:len(host)-len(domain)-1]
			return prefix != "" && !strings.Contains(prefix, ".")
		}
	}

	return false
}

// stripPort removes a port and IPv6 brackets from host if present.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
