package certificates

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/xerrors"
)

// Authority mints a leaf certificate for a hostname. Implementations must be
// safe for concurrent use.
type Authority interface {
	Issue(ctx context.Context, hostname string) (*tls.Certificate, error)
}

// hostProfile maps and validates hostnames the way a lookup would, but
// tolerates underscores since real origins use them.
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(false),
)

// CertificateGenerator handles dynamic certificate generation
type CertificateGenerator struct {
	caManager    *CAManager
	keyAlgorithm KeyAlgorithm
	keySize      int
	validDays    int

	keyMu     sync.Mutex
	sharedKey crypto.Signer
	shareKey  bool
}

var _ Authority = (*CertificateGenerator)(nil)

// NewCertificateGenerator creates a new certificate generator
func NewCertificateGenerator(caManager *CAManager) *CertificateGenerator {
	return &CertificateGenerator{
		caManager:    caManager,
		keyAlgorithm: KeyAlgorithmRSA,
		keySize:      2048,
		validDays:    365,
	}
}

// SetValidityPeriod sets the validity period for generated certificates
func (cg *CertificateGenerator) SetValidityPeriod(days int) {
	if days > 0 {
		cg.validDays = days
	}
}

// SetKeySize sets the key size for generated certificates
func (cg *CertificateGenerator) SetKeySize(size int) error {
	if size < minRSAKeySize {
		return xerrors.Errorf("key size must be at least %d bits", minRSAKeySize)
	}
	cg.keySize = size
	return nil
}

// SetKeyAlgorithm selects RSA or ECDSA leaf keys.
func (cg *CertificateGenerator) SetKeyAlgorithm(alg KeyAlgorithm) error {
	if err := alg.Validate(); err != nil {
		return err
	}
	cg.keyAlgorithm = alg
	return nil
}

// UseSharedKey makes every leaf reuse one key pair, generated on first use.
func (cg *CertificateGenerator) UseSharedKey(enabled bool) {
	cg.keyMu.Lock()
	defer cg.keyMu.Unlock()
	cg.shareKey = enabled
	if !enabled {
		cg.sharedKey = nil
	}
}

func (cg *CertificateGenerator) leafKey() (crypto.Signer, error) {
	cg.keyMu.Lock()
	defer cg.keyMu.Unlock()

	if !cg.shareKey {
		return generateKey(cg.keyAlgorithm, cg.keySize)
	}
	if cg.sharedKey == nil {
		key, err := generateKey(cg.keyAlgorithm, cg.keySize)
		if err != nil {
			return nil, err
		}
		cg.sharedKey = key
	}
	return cg.sharedKey, nil
}

// Issue mints a leaf for hostname signed by the loaded CA.
func (cg *CertificateGenerator) Issue(ctx context.Context, hostname string) (*tls.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gc, err := cg.GenerateCertificateForHost(hostname)
	if err != nil {
		return nil, err
	}
	return gc.TLSCertificate(cg.caManager.GetCACertificate()), nil
}

// IssuerCertificate returns the CA certificate leaves are signed with.
func (cg *CertificateGenerator) IssuerCertificate() *x509.Certificate {
	return cg.caManager.GetCACertificate()
}

// GenerateCertificateForHost creates a certificate for a single host
func (cg *CertificateGenerator) GenerateCertificateForHost(host string) (*GeneratedCertificate, error) {
	name, err := NormalizeHostname(host)
	if err != nil {
		return nil, err
	}
	return cg.GenerateCertificate([]string{name})
}

// GenerateCertificate creates a new certificate for the given domain(s).
// The first domain becomes the common name.
func (cg *CertificateGenerator) GenerateCertificate(domains []string) (*GeneratedCertificate, error) {
	if !cg.caManager.IsCALoaded() {
		return nil, xerrors.New("CA certificate not loaded")
	}
	if len(domains) == 0 {
		return nil, xerrors.New("at least one domain must be specified")
	}

	privateKey, err := cg.leafKey()
	if err != nil {
		return nil, xerrors.Errorf("generate private key: %w", err)
	}

	serial, err := GenerateRandomSerialNumber()
	if err != nil {
		return nil, xerrors.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Interlope Proxy"},
			CommonName:   domains[0],
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(0, 0, cg.validDays),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if cg.keyAlgorithm == KeyAlgorithmRSA {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	for _, domain := range domains {
		if ip := net.ParseIP(domain); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, domain)
		}
	}

	certDER, err := x509.CreateCertificate(
		rand.Reader,
		&template,
		cg.caManager.GetCACertificate(),
		privateKey.Public(),
		cg.caManager.GetCAPrivateKey(),
	)
	if err != nil {
		return nil, xerrors.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, xerrors.Errorf("parse generated certificate: %w", err)
	}

	return &GeneratedCertificate{
		Certificate: cert,
		PrivateKey:  privateKey,
		Domains:     domains,
		GeneratedAt: now,
	}, nil
}

// NormalizeHostname strips any port, lowercases and validates host. IP
// literals are returned in canonical form; names are converted to their
// ASCII (punycode) form.
func NormalizeHostname(host string) (string, error) {
	name := strings.TrimSuffix(strings.ToLower(stripPort(strings.TrimSpace(host))), ".")
	if name == "" {
		return "", xerrors.New("empty hostname")
	}
	if ip := net.ParseIP(name); ip != nil {
		return ip.String(), nil
	}

	ascii, err := hostProfile.ToASCII(name)
	if err != nil {
		return "", xerrors.Errorf("invalid hostname %q: %w", host, err)
	}
	if len(ascii) > 253 {
		return "", xerrors.Errorf("invalid hostname %q: too long", host)
	}
	for _, label := range strings.Split(ascii, ".") {
		if err := validateLabel(label); err != nil {
			return "", xerrors.Errorf("invalid hostname %q: %w", host, err)
		}
	}
	return ascii, nil
}

func validateLabel(label string) error {
	if label == "" {
		return xerrors.New("empty label")
	}
	if len(label) > 63 {
		return xerrors.Errorf("label %q exceeds 63 characters", label)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return xerrors.Errorf("label %q starts or ends with a hyphen", label)
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return xerrors.Errorf("label %q contains %q", label, r)
		}
	}
	return nil
}

// GeneratedCertificate holds a generated certificate and its private key
type GeneratedCertificate struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	Domains     []string
	GeneratedAt time.Time
}

// TLSCertificate assembles the leaf and its issuer into a chain ready for a
// tls.Config.
func (gc *GeneratedCertificate) TLSCertificate(issuer *x509.Certificate) *tls.Certificate {
	chain := [][]byte{gc.Certificate.Raw}
	if issuer != nil {
		chain = append(chain, issuer.Raw)
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  gc.PrivateKey,
		Leaf:        gc.Certificate,
	}
}

// ToPEM converts the certificate and key to PEM format
func (gc *GeneratedCertificate) ToPEM() (certPEM, keyPEM []byte, err error) {
	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: gc.Certificate.Raw,
	})
	keyPEM, err = marshalPrivateKeyPEM(gc.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// IsValidForHost checks if the certificate is valid for the given host
func (gc *GeneratedCertificate) IsValidForHost(host string) bool {
	return IsCertificateValidForHost(gc.Certificate, host)
}

// IsExpired checks if the certificate has expired
func (gc *GeneratedCertificate) IsExpired() bool {
	return time.Now().After(gc.Certificate.NotAfter)
}

// ExpiresWithin checks if the certificate expires within the given duration
func (gc *GeneratedCertificate) ExpiresWithin(duration time.Duration) bool {
	return time.Now().Add(duration).After(gc.Certificate.NotAfter)
}
