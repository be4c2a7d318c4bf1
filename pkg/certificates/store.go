package certificates

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

// CertError reports a failure to obtain a leaf certificate for Host.
type CertError struct {
	Host string
	Err  error
}

func (e *CertError) Error() string {
	return "certificate for " + e.Host + ": " + e.Err.Error()
}

func (e *CertError) Unwrap() error { return e.Err }

// issuerAware is implemented by authorities that can vouch for leaves
// persisted by an earlier run.
type issuerAware interface {
	IssuerCertificate() *x509.Certificate
}

// CertificateStore caches leaf certificates per hostname. Concurrent misses
// for the same host share a single issuance; failures are never cached.
type CertificateStore struct {
	authority Authority
	storePath string

	cacheMu sync.RWMutex
	cache   map[string]*tls.Certificate
	group   singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64

	// OnDiskError, when set, receives persistence failures. They never fail
	// a lookup.
	OnDiskError func(host string, err error)
}

// NewCertificateStore creates a store issuing through authority. When
// storePath is non-empty, leaves are also persisted there and reloaded on
// later misses.
func NewCertificateStore(storePath string, authority Authority) *CertificateStore {
	return &CertificateStore{
		authority: authority,
		storePath: storePath,
		cache:     make(map[string]*tls.Certificate),
	}
}

// GetCertificate returns the leaf for host, issuing it on first use. The port,
// if any, is ignored and names are case-insensitive.
func (cs *CertificateStore) GetCertificate(ctx context.Context, host string) (*tls.Certificate, error) {
	key := cacheKey(host)
	if key == "" {
		cs.failures.Add(1)
		return nil, &CertError{Host: host, Err: xerrors.New("empty hostname")}
	}

	if cert, ok := cs.lookup(key); ok {
		cs.hits.Add(1)
		return cert, nil
	}
	cs.misses.Add(1)

	// The issuance outlives any one caller so that a canceled handshake does
	// not fail the others waiting on the same host.
	issueCtx := context.WithoutCancel(ctx)
	ch := cs.group.DoChan(key, func() (interface{}, error) {
		if cert, ok := cs.lookup(key); ok {
			return cert, nil
		}
		if cert, err := cs.loadFromDisk(key); err == nil {
			cs.store(key, cert)
			return cert, nil
		}

		cert, err := cs.authority.Issue(issueCtx, key)
		if err != nil {
			return nil, err
		}
		if cert == nil {
			return nil, xerrors.New("authority returned nil certificate")
		}
		cs.store(key, cert)
		if err := cs.saveToDisk(key, cert); err != nil && cs.OnDiskError != nil {
			cs.OnDiskError(key, err)
		}
		return cert, nil
	})

	select {
	case <-ctx.Done():
		cs.failures.Add(1)
		return nil, &CertError{Host: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			cs.failures.Add(1)
			return nil, &CertError{Host: key, Err: res.Err}
		}
		return res.Val.(*tls.Certificate), nil
	}
}

func (cs *CertificateStore) lookup(key string) (*tls.Certificate, bool) {
	cs.cacheMu.RLock()
	cert, ok := cs.cache[key]
	cs.cacheMu.RUnlock()
	if !ok {
		return nil, false
	}
	if cert.Leaf != nil && time.Now().After(cert.Leaf.NotAfter) {
		return nil, false
	}
	return cert, true
}

func (cs *CertificateStore) store(key string, cert *tls.Certificate) {
	cs.cacheMu.Lock()
	cs.cache[key] = cert
	cs.cacheMu.Unlock()
}

// CacheStats holds certificate cache statistics
type CacheStats struct {
	TotalCertificates   int
	ExpiredCertificates int
	ExpiringSoon        int
	Hits                uint64
	Misses              uint64
	Failures            uint64
}

// GetCacheStats returns statistics about the certificate cache
func (cs *CertificateStore) GetCacheStats() CacheStats {
	cs.cacheMu.RLock()
	defer cs.cacheMu.RUnlock()

	stats := CacheStats{
		TotalCertificates: len(cs.cache),
		Hits:              cs.hits.Load(),
		Misses:            cs.misses.Load(),
		Failures:          cs.failures.Load(),
	}
	now := time.Now()
	for _, cert := range cs.cache {
		if cert.Leaf == nil {
			continue
		}
		switch {
		case now.After(cert.Leaf.NotAfter):
			stats.ExpiredCertificates++
		case now.Add(30 * 24 * time.Hour).After(cert.Leaf.NotAfter):
			stats.ExpiringSoon++
		}
	}
	return stats
}

// CertificateEntry holds information about a certificate in the store
type CertificateEntry struct {
	Host      string    `json:"host"`
	DNSNames  []string  `json:"dns_names,omitempty"`
	IPs       []string  `json:"ip_addresses,omitempty"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	IsExpired bool      `json:"is_expired"`
}

// ListCertificates returns all cached certificates sorted by host.
func (cs *CertificateStore) ListCertificates() []CertificateEntry {
	cs.cacheMu.RLock()
	defer cs.cacheMu.RUnlock()

	entries := make([]CertificateEntry, 0, len(cs.cache))
	now := time.Now()
	for host, cert := range cs.cache {
		entry := CertificateEntry{Host: host}
		if leaf := cert.Leaf; leaf != nil {
			info := certificateInfo(leaf)
			entry.DNSNames = info.DNSNames
			entry.IPs = info.IPAddresses
			entry.NotBefore = leaf.NotBefore
			entry.NotAfter = leaf.NotAfter
			entry.IsExpired = now.After(leaf.NotAfter)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Host < entries[j].Host })
	return entries
}

// ClearCache drops every cached leaf. Files on disk are kept.
func (cs *CertificateStore) ClearCache() {
	cs.cacheMu.Lock()
	cs.cache = make(map[string]*tls.Certificate)
	cs.cacheMu.Unlock()
}

func (cs *CertificateStore) paths(host string) (certPath, keyPath string) {
	safeHost := filenameSafe(host)
	return filepath.Join(cs.storePath, safeHost+".crt"), filepath.Join(cs.storePath, safeHost+".key")
}

func (cs *CertificateStore) loadFromDisk(host string) (*tls.Certificate, error) {
	if cs.storePath == "" {
		return nil, os.ErrNotExist
	}
	certPath, keyPath := cs.paths(host)

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, xerrors.Errorf("read certificate file: %w", err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, xerrors.Errorf("read key file: %w", err)
	}

	cert, err := tls.X509KeyPair(certData, keyData)
	if err != nil {
		return nil, xerrors.Errorf("parse key pair: %w", err)
	}
	if cert.Leaf == nil {
		cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, xerrors.Errorf("parse leaf: %w", err)
		}
	}
	if time.Now().After(cert.Leaf.NotAfter) || !IsCertificateValidForHost(cert.Leaf, host) {
		return nil, xerrors.Errorf("stored certificate for %s is stale", host)
	}
	if ia, ok := cs.authority.(issuerAware); ok {
		issuer := ia.IssuerCertificate()
		if issuer == nil {
			return nil, xerrors.New("authority has no issuer")
		}
		if err := cert.Leaf.CheckSignatureFrom(issuer); err != nil {
			return nil, xerrors.Errorf("stored certificate for %s has another issuer: %w", host, err)
		}
	}
	return &cert, nil
}

func (cs *CertificateStore) saveToDisk(host string, cert *tls.Certificate) error {
	if cs.storePath == "" {
		return nil
	}
	signer, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return xerrors.Errorf("unsupported private key type %T", cert.PrivateKey)
	}
	if err := os.MkdirAll(cs.storePath, 0o755); err != nil {
		return xerrors.Errorf("create certificate store directory: %w", err)
	}

	var certPEM []byte
	for _, der := range cert.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM, err := marshalPrivateKeyPEM(signer)
	if err != nil {
		return err
	}

	certPath, keyPath := cs.paths(host)
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return xerrors.Errorf("write certificate file: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return xerrors.Errorf("write key file: %w", err)
	}
	return nil
}

func cacheKey(host string) string {
	return strings.TrimSuffix(strings.ToLower(stripPort(strings.TrimSpace(host))), ".")
}

// filenameSafe converts a hostname to a safe filename
func filenameSafe(host string) string {
	return strings.NewReplacer(
		"*", "wildcard",
		"/", "_",
		"\\", "_",
		":", "_",
		"?", "_",
		"<", "_",
		">", "_",
		"|", "_",
	).Replace(host)
}
