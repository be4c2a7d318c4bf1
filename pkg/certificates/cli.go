package certificates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// CertificateCLI implements the certificate management commands. Output goes
// to Out.
type CertificateCLI struct {
	Out io.Writer

	KeyAlgorithm KeyAlgorithm
	KeySize      int
}

// NewCertificateCLI creates a CLI writing to out.
func NewCertificateCLI(out io.Writer) *CertificateCLI {
	return &CertificateCLI{
		Out:          out,
		KeyAlgorithm: KeyAlgorithmRSA,
		KeySize:      2048,
	}
}

// GenerateCA generates a new CA certificate and key. Existing files are never
// overwritten.
func (cli *CertificateCLI) GenerateCA(certPath, keyPath string) error {
	if certPath == "" || keyPath == "" {
		return xerrors.New("both certificate and key paths must be specified")
	}

	if _, err := os.Stat(certPath); err == nil {
		return xerrors.Errorf("CA certificate file already exists: %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return xerrors.Errorf("CA key file already exists: %s", keyPath)
	}

	caManager := NewCAManager(certPath, keyPath)
	if err := caManager.SetKeyAlgorithm(cli.KeyAlgorithm); err != nil {
		return err
	}
	if cli.KeyAlgorithm == KeyAlgorithmRSA {
		if err := caManager.SetKeySize(cli.KeySize); err != nil {
			return err
		}
	}
	if err := caManager.GenerateCA(); err != nil {
		return xerrors.Errorf("failed to generate CA: %w", err)
	}

	fmt.Fprintf(cli.Out, "CA certificate generated\n")
	fmt.Fprintf(cli.Out, "  Certificate: %s\n", certPath)
	fmt.Fprintf(cli.Out, "  Private Key: %s\n", keyPath)
	fmt.Fprintf(cli.Out, "\nImport the certificate into the trust store of every client that uses the proxy.\n")

	return nil
}

// ShowCertificateInfo displays information about a certificate file.
func (cli *CertificateCLI) ShowCertificateInfo(certPath string) error {
	cert, err := LoadCertificateFromFile(certPath)
	if err != nil {
		return xerrors.Errorf("failed to load certificate: %w", err)
	}

	fmt.Fprintf(cli.Out, "Certificate Information for: %s\n", certPath)
	fmt.Fprintf(cli.Out, "%s\n\n", strings.Repeat("=", len(certPath)+29))
	fmt.Fprint(cli.Out, FormatCertificateInfo(certificateInfo(cert)))

	return nil
}

// GenerateCertificate issues a leaf for domains with the given CA and writes
// it to outputDir, named after the first domain.
func (cli *CertificateCLI) GenerateCertificate(ca *CAManager, domains []string, validDays int, outputDir string) error {
	if len(domains) == 0 {
		return xerrors.New("at least one domain must be specified")
	}

	generator := NewCertificateGenerator(ca)
	if err := generator.SetKeyAlgorithm(cli.KeyAlgorithm); err != nil {
		return err
	}
	if cli.KeyAlgorithm == KeyAlgorithmRSA {
		if err := generator.SetKeySize(cli.KeySize); err != nil {
			return err
		}
	}
	generator.SetValidityPeriod(validDays)

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		name, err := NormalizeHostname(d)
		if err != nil {
			return err
		}
		names = append(names, name)
	}

	cert, err := generator.GenerateCertificate(names)
	if err != nil {
		return xerrors.Errorf("failed to generate certificate: %w", err)
	}

	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return xerrors.Errorf("failed to create output directory: %w", err)
	}

	base := filenameSafe(names[0])
	certPath := filepath.Join(outputDir, base+".crt")
	keyPath := filepath.Join(outputDir, base+".key")

	certPEM, keyPEM, err := cert.ToPEM()
	if err != nil {
		return xerrors.Errorf("failed to convert certificate to PEM: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return xerrors.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return xerrors.Errorf("failed to write key file: %w", err)
	}

	fmt.Fprintf(cli.Out, "Certificate generated\n")
	fmt.Fprintf(cli.Out, "  Domains: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(cli.Out, "  Certificate: %s\n", certPath)
	fmt.Fprintf(cli.Out, "  Private Key: %s\n", keyPath)
	fmt.Fprintf(cli.Out, "  Valid Until: %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))

	return nil
}

// Verification errors returned by ValidateCertificate.
var (
	ErrNotYetValid  = errors.New("certificate not yet valid")
	ErrExpired      = errors.New("certificate expired")
	ErrHostMismatch = errors.New("certificate not valid for host")
)

// ValidateCertificate checks a certificate file for expiry and, when host is
// set, that it covers host.
func (cli *CertificateCLI) ValidateCertificate(certPath, host string) error {
	cert, err := LoadCertificateFromFile(certPath)
	if err != nil {
		return xerrors.Errorf("failed to load certificate: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return xerrors.Errorf("valid from %s: %w", cert.NotBefore.Format(time.RFC3339), ErrNotYetValid)
	}
	if now.After(cert.NotAfter) {
		return xerrors.Errorf("expired %s: %w", cert.NotAfter.Format(time.RFC3339), ErrExpired)
	}

	if host != "" && !IsCertificateValidForHost(cert, host) {
		return xerrors.Errorf("%s (names: %s): %w", host, strings.Join(cert.DNSNames, ", "), ErrHostMismatch)
	}

	fmt.Fprintf(cli.Out, "Certificate is valid\n")
	fmt.Fprintf(cli.Out, "  Subject: %s\n", cert.Subject.CommonName)
	if host != "" {
		fmt.Fprintf(cli.Out, "  Host: %s\n", host)
	}
	fmt.Fprintf(cli.Out, "  Valid until: %s\n", cert.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(cli.Out, "  Days remaining: %d\n", int(cert.NotAfter.Sub(now).Hours()/24))

	return nil
}
