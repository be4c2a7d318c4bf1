package certificates

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// countingAuthority wraps an Authority and records how often it was asked.
type countingAuthority struct {
	next  *CertificateGenerator
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (a *countingAuthority) Issue(ctx context.Context, host string) (*tls.Certificate, error) {
	a.calls.Add(1)
	if a.gate != nil {
		<-a.gate
	}
	if a.fail.Load() {
		return nil, xerrors.New("issuer unavailable")
	}
	return a.next.Issue(ctx, host)
}

func (a *countingAuthority) IssuerCertificate() *x509.Certificate {
	return a.next.IssuerCertificate()
}

func newTestStore(t *testing.T, storeDir string) (*CertificateStore, *countingAuthority) {
	t.Helper()
	return newTestStoreWithGenerator(storeDir, newTestGenerator(t, setupTestCA(t, t.TempDir())))
}

func newTestStoreWithGenerator(storeDir string, generator *CertificateGenerator) (*CertificateStore, *countingAuthority) {
	authority := &countingAuthority{next: generator}
	return NewCertificateStore(storeDir, authority), authority
}

func TestCertificateStore_GetCertificate(t *testing.T) {
	storeDir := filepath.Join(t.TempDir(), "certs")
	store, authority := newTestStore(t, storeDir)
	ctx := context.Background()

	cert1, err := store.GetCertificate(ctx, "example.com")
	require.NoError(t, err)
	if !IsCertificateValidForHost(cert1.Leaf, "example.com") {
		t.Errorf("Certificate should be valid for example.com")
	}

	cert2, err := store.GetCertificate(ctx, "EXAMPLE.com:443")
	require.NoError(t, err)
	require.Same(t, cert1, cert2, "port and case must not create a new entry")

	cert3, err := store.GetCertificate(ctx, "other.example.com")
	require.NoError(t, err)
	require.NotSame(t, cert1, cert3)
	require.False(t, IsCertificateValidForHost(cert3.Leaf, "example.com"))

	require.EqualValues(t, 2, authority.calls.Load())

	require.FileExists(t, filepath.Join(storeDir, "example.com.crt"))
	require.FileExists(t, filepath.Join(storeDir, "example.com.key"))
}

func TestCertificateStore_ConcurrentSameHost(t *testing.T) {
	store, authority := newTestStore(t, "")
	authority.gate = make(chan struct{})

	const workers = 16
	results := make([]*tls.Certificate, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.GetCertificate(context.Background(), "busy.example.com")
		}(i)
	}

	// Let every worker reach the cache before the single issuance completes.
	require.Eventually(t, func() bool { return authority.calls.Load() == 1 }, testTimeout, tick)
	close(authority.gate)
	wg.Wait()

	require.EqualValues(t, 1, authority.calls.Load())
	for i, cert := range results {
		require.NoError(t, errs[i])
		require.Same(t, results[0], cert)
	}
}

func TestCertificateStore_FailureNotCached(t *testing.T) {
	store, authority := newTestStore(t, "")
	ctx := context.Background()

	authority.fail.Store(true)
	_, err := store.GetCertificate(ctx, "flaky.example.com")
	require.Error(t, err)

	var certErr *CertError
	require.True(t, errors.As(err, &certErr))
	require.Equal(t, "flaky.example.com", certErr.Host)
	require.Contains(t, err.Error(), "issuer unavailable")

	authority.fail.Store(false)
	cert, err := store.GetCertificate(ctx, "flaky.example.com")
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.EqualValues(t, 2, authority.calls.Load())

	stats := store.GetCacheStats()
	require.EqualValues(t, 1, stats.Failures)
	require.Equal(t, 1, stats.TotalCertificates)
}

func TestCertificateStore_InvalidHost(t *testing.T) {
	store, _ := newTestStore(t, "")

	_, err := store.GetCertificate(context.Background(), "")
	var certErr *CertError
	require.ErrorAs(t, err, &certErr)

	_, err = store.GetCertificate(context.Background(), "bad..host")
	require.ErrorAs(t, err, &certErr)

	// Other hosts are unaffected.
	_, err = store.GetCertificate(context.Background(), "good.example.com")
	require.NoError(t, err)
}

func TestCertificateStore_CanceledWaiter(t *testing.T) {
	store, authority := newTestStore(t, "")
	authority.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.GetCertificate(ctx, "slow.example.com")
		done <- err
	}()

	require.Eventually(t, func() bool { return authority.calls.Load() == 1 }, testTimeout, tick)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The issuance still completes and populates the cache.
	close(authority.gate)
	require.Eventually(t, func() bool {
		return store.GetCacheStats().TotalCertificates == 1
	}, testTimeout, tick)
}

func TestCertificateStore_ReloadFromDisk(t *testing.T) {
	storeDir := filepath.Join(t.TempDir(), "certs")
	generator := newTestGenerator(t, setupTestCA(t, t.TempDir()))
	store, _ := newTestStoreWithGenerator(storeDir, generator)

	cert1, err := store.GetCertificate(context.Background(), "disk.example.com")
	require.NoError(t, err)

	store2, authority2 := newTestStoreWithGenerator(storeDir, generator)
	cert2, err := store2.GetCertificate(context.Background(), "disk.example.com")
	require.NoError(t, err)
	require.Zero(t, authority2.calls.Load(), "persisted leaf should be reused")
	require.True(t, cert1.Leaf.Equal(cert2.Leaf))
	require.Len(t, cert2.Certificate, 2)

	// A leaf signed by a previous CA is reissued.
	store3, authority3 := newTestStore(t, storeDir)
	cert3, err := store3.GetCertificate(context.Background(), "disk.example.com")
	require.NoError(t, err)
	require.EqualValues(t, 1, authority3.calls.Load())
	require.False(t, cert1.Leaf.Equal(cert3.Leaf))
}

func TestCertificateStore_CacheStatsAndList(t *testing.T) {
	store, _ := newTestStore(t, "")
	ctx := context.Background()

	for _, host := range []string{"b.example.com", "a.example.com", "127.0.0.1", "a.example.com"} {
		_, err := store.GetCertificate(ctx, host)
		require.NoError(t, err)
	}

	stats := store.GetCacheStats()
	require.Equal(t, 3, stats.TotalCertificates)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 3, stats.Misses)
	require.Zero(t, stats.ExpiredCertificates)

	entries := store.ListCertificates()
	require.Len(t, entries, 3)
	require.Equal(t, "127.0.0.1", entries[0].Host)
	require.Equal(t, []string{"127.0.0.1"}, entries[0].IPs)
	require.Equal(t, "a.example.com", entries[1].Host)
	require.Equal(t, []string{"a.example.com"}, entries[1].DNSNames)
	require.False(t, entries[1].IsExpired)

	store.ClearCache()
	require.Zero(t, store.GetCacheStats().TotalCertificates)
}

func TestCertificateStore_FilenameSafe(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com", "example.com"},
		{"*.example.com", "wildcard.example.com"},
		{"2001:db8::1", "2001_db8__1"},
		{"path/with\\slashes", "path_with_slashes"},
		{"query?<pipe>|", "query__pipe__"},
	}
	for _, tt := range tests {
		if got := filenameSafe(tt.input); got != tt.expected {
			t.Errorf("filenameSafe(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}
