package certificates

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCertificateGenerator_GenerateCertificate(t *testing.T) {
	caManager := setupTestCA(t, t.TempDir())
	generator := newTestGenerator(t, caManager)

	domains := []string{"example.com", "www.example.com"}
	cert, err := generator.GenerateCertificate(domains)
	require.NoError(t, err)

	if cert.Certificate.Subject.CommonName != "example.com" {
		t.Errorf("Expected CN 'example.com', got '%s'", cert.Certificate.Subject.CommonName)
	}
	require.ElementsMatch(t, domains, cert.Certificate.DNSNames)
	require.Contains(t, cert.Certificate.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	require.False(t, cert.Certificate.IsCA)
	require.True(t, cert.Certificate.NotBefore.Before(time.Now()))

	// The leaf must chain to the CA.
	roots := x509.NewCertPool()
	roots.AddCert(caManager.GetCACertificate())
	_, err = cert.Certificate.Verify(x509.VerifyOptions{DNSName: "www.example.com", Roots: roots})
	require.NoError(t, err)

	_, err = generator.GenerateCertificate(nil)
	require.Error(t, err)
}

func TestCertificateGenerator_CALoadedRequired(t *testing.T) {
	generator := NewCertificateGenerator(NewCAManager("none.crt", "none.key"))
	_, err := generator.GenerateCertificate([]string{"example.com"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "CA certificate not loaded")
}

func TestCertificateGenerator_Issue(t *testing.T) {
	caManager := setupTestCA(t, t.TempDir())
	generator := newTestGenerator(t, caManager)

	tests := []struct {
		name    string
		host    string
		wantDNS []string
		wantIP  net.IP
		wantErr bool
	}{
		{name: "plain", host: "example.com", wantDNS: []string{"example.com"}},
		{name: "with port", host: "Example.COM:443", wantDNS: []string{"example.com"}},
		{name: "trailing dot", host: "example.com.", wantDNS: []string{"example.com"}},
		{name: "idn", host: "bücher.example", wantDNS: []string{"xn--bcher-kva.example"}},
		{name: "underscore", host: "_dmarc.example.com", wantDNS: []string{"_dmarc.example.com"}},
		{name: "ipv4", host: "127.0.0.1", wantIP: net.ParseIP("127.0.0.1")},
		{name: "ipv6 with port", host: "[::1]:8443", wantIP: net.ParseIP("::1")},
		{name: "empty", host: "", wantErr: true},
		{name: "double dot", host: "bad..example.com", wantErr: true},
		{name: "leading hyphen", host: "-bad.example.com", wantErr: true},
		{name: "space", host: "bad host.com", wantErr: true},
		{name: "wildcard", host: "*.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := generator.Issue(context.Background(), tt.host)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cert.Leaf)
			require.Len(t, cert.Certificate, 2, "chain must carry the CA")

			if tt.wantIP != nil {
				require.Len(t, cert.Leaf.IPAddresses, 1)
				require.True(t, cert.Leaf.IPAddresses[0].Equal(tt.wantIP))
				require.Empty(t, cert.Leaf.DNSNames)
				return
			}
			require.Equal(t, tt.wantDNS, cert.Leaf.DNSNames)
		})
	}
}

func TestCertificateGenerator_IssueCanceled(t *testing.T) {
	generator := newTestGenerator(t, setupTestCA(t, t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := generator.Issue(ctx, "example.com")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCertificateGenerator_TLSHandshake(t *testing.T) {
	caManager := setupTestCA(t, t.TempDir())
	generator := newTestGenerator(t, caManager)

	cert, err := generator.Issue(context.Background(), "proxy.test")
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(caManager.GetCACertificate())

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{*cert}})
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		errCh <- conn.(*tls.Conn).Handshake()
	}()

	client, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{ServerName: "proxy.test", RootCAs: roots})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, <-errCh)
}

func TestCertificateGenerator_KeyAlgorithm(t *testing.T) {
	caManager := setupTestCA(t, t.TempDir())

	generator := NewCertificateGenerator(caManager)
	require.Error(t, generator.SetKeyAlgorithm("dsa"))

	require.NoError(t, generator.SetKeyAlgorithm(KeyAlgorithmECDSA))
	cert, err := generator.GenerateCertificateForHost("example.com")
	require.NoError(t, err)
	require.IsType(t, &ecdsa.PrivateKey{}, cert.PrivateKey)

	require.NoError(t, generator.SetKeyAlgorithm(KeyAlgorithmRSA))
	require.NoError(t, generator.SetKeySize(1024))
	cert, err = generator.GenerateCertificateForHost("example.com")
	require.NoError(t, err)
	require.IsType(t, &rsa.PrivateKey{}, cert.PrivateKey)
	require.NotZero(t, cert.Certificate.KeyUsage&x509.KeyUsageKeyEncipherment)
}

func TestCertificateGenerator_SharedKey(t *testing.T) {
	generator := newTestGenerator(t, setupTestCA(t, t.TempDir()))
	generator.UseSharedKey(true)

	a, err := generator.GenerateCertificateForHost("a.example.com")
	require.NoError(t, err)
	b, err := generator.GenerateCertificateForHost("b.example.com")
	require.NoError(t, err)
	require.True(t, a.PrivateKey.Public().(*ecdsa.PublicKey).Equal(b.PrivateKey.Public()))
	require.NotEqual(t, a.Certificate.SerialNumber, b.Certificate.SerialNumber)

	generator.UseSharedKey(false)
	c, err := generator.GenerateCertificateForHost("c.example.com")
	require.NoError(t, err)
	require.False(t, a.PrivateKey.Public().(*ecdsa.PublicKey).Equal(c.PrivateKey.Public()))
}

func TestGeneratedCertificate_ToPEM(t *testing.T) {
	generator := newTestGenerator(t, setupTestCA(t, t.TempDir()))
	cert, err := generator.GenerateCertificateForHost("example.com")
	require.NoError(t, err)

	certPEM, keyPEM, err := cert.ToPEM()
	require.NoError(t, err)

	parsed, key, err := ParseCertificateAndKey(certPEM, keyPEM)
	require.NoError(t, err)
	require.True(t, parsed.Equal(cert.Certificate))
	require.True(t, publicKeysMatch(parsed.PublicKey, key.Public()))
}

func TestGeneratedCertificate_Expiry(t *testing.T) {
	generator := newTestGenerator(t, setupTestCA(t, t.TempDir()))
	generator.SetValidityPeriod(1)
	generator.SetValidityPeriod(-5) // ignored

	cert, err := generator.GenerateCertificateForHost("example.com")
	require.NoError(t, err)
	require.False(t, cert.IsExpired())
	require.True(t, cert.ExpiresWithin(48*time.Hour))
	require.False(t, cert.ExpiresWithin(time.Hour))
	require.True(t, cert.IsValidForHost("example.com:443"))
	require.False(t, cert.IsValidForHost("other.com"))
}

func TestCertificateGenerator_SetKeySize(t *testing.T) {
	generator := NewCertificateGenerator(nil)

	tests := []struct {
		size    int
		wantErr bool
	}{
		{512, true},
		{1023, true},
		{1024, false},
		{2048, false},
		{4096, false},
	}
	for _, tt := range tests {
		err := generator.SetKeySize(tt.size)
		if (err != nil) != tt.wantErr {
			t.Errorf("SetKeySize(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
		}
	}
}

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.com", "example.com"},
		{"example.com:8443", "example.com"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{" example.org ", "example.org"},
		{"münchen.de", "xn--mnchen-3ya.de"},
	}
	for _, tt := range tests {
		got, err := NormalizeHostname(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

// setupTestCA creates an ECDSA CA in tempDir; ECDSA keeps the tests fast.
func setupTestCA(t *testing.T, tempDir string) *CAManager {
	t.Helper()

	caManager := NewCAManager(filepath.Join(tempDir, "test_ca.crt"), filepath.Join(tempDir, "test_ca.key"))
	if err := caManager.SetKeyAlgorithm(KeyAlgorithmECDSA); err != nil {
		t.Fatalf("Failed to set key algorithm: %v", err)
	}
	if err := caManager.GenerateCA(); err != nil {
		t.Fatalf("Failed to generate test CA: %v", err)
	}
	return caManager
}

func newTestGenerator(t *testing.T, caManager *CAManager) *CertificateGenerator {
	t.Helper()

	generator := NewCertificateGenerator(caManager)
	if err := generator.SetKeyAlgorithm(KeyAlgorithmECDSA); err != nil {
		t.Fatalf("Failed to set key algorithm: %v", err)
	}
	return generator
}
