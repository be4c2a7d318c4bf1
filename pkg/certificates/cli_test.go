package certificates

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCertificateCLI_GenerateCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	var out bytes.Buffer
	cli := NewCertificateCLI(&out)
	cli.KeyAlgorithm = KeyAlgorithmECDSA

	require.NoError(t, cli.GenerateCA(certPath, keyPath))
	require.Contains(t, out.String(), certPath)

	ca := NewCAManager(certPath, keyPath)
	require.NoError(t, ca.LoadCA())
	require.NoError(t, ca.ValidateCA())

	// A second run must not clobber the existing CA.
	err := cli.GenerateCA(certPath, keyPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")

	require.Error(t, cli.GenerateCA("", keyPath))
}

func TestCertificateCLI_GenerateCA_BadSettings(t *testing.T) {
	dir := t.TempDir()
	cli := NewCertificateCLI(&bytes.Buffer{})

	cli.KeyAlgorithm = "dsa"
	require.Error(t, cli.GenerateCA(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")))

	cli.KeyAlgorithm = KeyAlgorithmRSA
	cli.KeySize = 512
	require.Error(t, cli.GenerateCA(filepath.Join(dir, "b.crt"), filepath.Join(dir, "b.key")))
}

func TestCertificateCLI_ShowCertificateInfo(t *testing.T) {
	dir := t.TempDir()
	ca := setupTestCA(t, dir)

	var out bytes.Buffer
	cli := NewCertificateCLI(&out)
	require.NoError(t, cli.ShowCertificateInfo(filepath.Join(dir, "test_ca.crt")))

	text := out.String()
	require.Contains(t, text, "Interlope Proxy CA")
	require.Contains(t, text, "Is CA: true")
	require.Contains(t, text, GetCertificateFingerprint(ca.GetCACertificate()))

	require.Error(t, cli.ShowCertificateInfo(filepath.Join(dir, "missing.crt")))
}

func TestCertificateCLI_GenerateAndValidateCertificate(t *testing.T) {
	dir := t.TempDir()
	ca := setupTestCA(t, dir)
	outDir := filepath.Join(dir, "out")

	var out bytes.Buffer
	cli := NewCertificateCLI(&out)
	cli.KeyAlgorithm = KeyAlgorithmECDSA

	require.NoError(t, cli.GenerateCertificate(ca, []string{"API.Example.com", "127.0.0.1"}, 30, outDir))
	require.Contains(t, out.String(), "api.example.com, 127.0.0.1")

	certPath := filepath.Join(outDir, "api.example.com.crt")
	info, err := os.Stat(filepath.Join(outDir, "api.example.com.key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tests := []struct {
		name    string
		host    string
		wantErr error
	}{
		{name: "no host", host: ""},
		{name: "dns name", host: "api.example.com"},
		{name: "ip with port", host: "127.0.0.1:443"},
		{name: "other host", host: "www.example.com", wantErr: ErrHostMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out.Reset()
			err := cli.ValidateCertificate(certPath, tt.host)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Contains(t, out.String(), "Certificate is valid")
		})
	}

	require.Error(t, cli.GenerateCertificate(ca, nil, 30, outDir))
	require.Error(t, cli.GenerateCertificate(ca, []string{"bad host!"}, 30, outDir))
}
