package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pshima/interlope/pkg/certificates"
)

const (
	testTimeout = 10 * time.Second
	tick        = 10 * time.Millisecond
)

// mockLogger implements Logger for testing
type mockLogger struct {
	mu       sync.Mutex
	messages []logMessage
}

type logMessage struct {
	level string
	msg   string
	args  []any
}

func (m *mockLogger) log(level, msg string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, logMessage{level: level, msg: msg, args: args})
}

func (m *mockLogger) Info(msg string, args ...any)  { m.log("info", msg, args) }
func (m *mockLogger) Debug(msg string, args ...any) { m.log("debug", msg, args) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("warn", msg, args) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("error", msg, args) }

func (m *mockLogger) getMessages() []logMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]logMessage, len(m.messages))
	copy(result, m.messages)
	return result
}

// hasCode reports whether a message at level carried the given code.
func (m *mockLogger) hasCode(level, code string) bool {
	for _, msg := range m.getMessages() {
		if msg.level != level {
			continue
		}
		for i := 0; i+1 < len(msg.args); i += 2 {
			if msg.args[i] == "code" && msg.args[i+1] == code {
				return true
			}
		}
	}
	return false
}

// startProxy runs a proxy on a loopback listener until the test ends.
func startProxy(t *testing.T, opts Options) (*Proxy, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts.Listener = ln
	if opts.Logger == nil {
		opts.Logger = &mockLogger{}
	}

	p, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			_ = p.Close()
			<-done
		}
	})
	return p, ln.Addr().String()
}

// newTestAuthority returns an ECDSA CA-backed generator and a pool trusting
// its root.
func newTestAuthority(t *testing.T) (*certificates.CertificateGenerator, *x509.CertPool) {
	t.Helper()

	dir := t.TempDir()
	ca := certificates.NewCAManager(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	require.NoError(t, ca.SetKeyAlgorithm(certificates.KeyAlgorithmECDSA))
	require.NoError(t, ca.GenerateCA())

	gen := certificates.NewCertificateGenerator(ca)
	require.NoError(t, gen.SetKeyAlgorithm(certificates.KeyAlgorithmECDSA))

	pool := x509.NewCertPool()
	pool.AddCert(ca.GetCACertificate())
	return gen, pool
}

// countingAuthority counts issuances per host.
type countingAuthority struct {
	next certificates.Authority

	mu    sync.Mutex
	calls map[string]int
}

func (a *countingAuthority) Issue(ctx context.Context, host string) (*tls.Certificate, error) {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[host]++
	a.mu.Unlock()
	return a.next.Issue(ctx, host)
}

func (a *countingAuthority) count(host string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[host]
}

// countingTransport counts round trips before delegating.
type countingTransport struct {
	next  http.RoundTripper
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(req)
}

type errTransport struct{ err error }

func (e errTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, e.err
}

// proxyClient returns a client that sends everything through the proxy at
// addr, trusting roots for TLS.
func proxyClient(addr string, roots *x509.CertPool) *http.Client {
	return &http.Client{
		Timeout: testTimeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: addr}),
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// dialProxy opens a raw connection to the proxy.
func dialProxy(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(testTimeout)))
	t.Cleanup(func() { _ = c.Close() })
	return c, bufio.NewReader(c)
}

// connectTunnel sends CONNECT for authority on c and checks for 200.
func connectTunnel(t *testing.T, c net.Conn, br *bufio.Reader, authority string) {
	t.Helper()
	_, err := c.Write([]byte("CONNECT " + authority + " HTTP/1.1\r\nHost: " + authority + "\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// routeTo returns a dialer that sends every connection to addr.
func routeTo(addr string) func(ctx context.Context, network, _ string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var sb strings.Builder
	_, err := bufio.NewReader(resp.Body).WriteTo(&sb)
	require.NoError(t, err)
	return sb.String()
}
