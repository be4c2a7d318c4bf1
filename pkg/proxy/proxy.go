// Package proxy implements an intercepting HTTP proxy. Plain HTTP requests
// are forwarded through an http.RoundTripper, CONNECT tunnels are either
// relayed or terminated with a forged leaf certificate and served again as
// HTTP, and WebSocket upgrades are bridged frame by frame. Every exchange
// passes through the hooks of package intercept.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/pkg/certificates"
	"github.com/pshima/interlope/pkg/intercept"
)

// Logger is the structured logger the proxy writes to. Arguments are
// alternating keys and values.
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ServerOptions tunes the client-facing side of the proxy. Zero values
// select the defaults.
type ServerOptions struct {
	// DisableHeaderCase forwards header names in canonical form instead of
	// the spelling the client used.
	DisableHeaderCase bool
	// DisableHTTP2 turns off h2 on intercepted tunnels and h2c on plain
	// connections.
	DisableHTTP2 bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// HandshakeTimeout bounds the client TLS handshake inside a tunnel and
	// the wait for its first bytes.
	HandshakeTimeout time.Duration
	MaxHeaderBytes   int
	// BufferSize is the per-connection read buffer and relay copy buffer.
	BufferSize int
	// CloseHandshakeTimeout bounds the wait for the second half of a
	// WebSocket close handshake.
	CloseHandshakeTimeout time.Duration
}

const (
	defaultReadHeaderTimeout     = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultHandshakeTimeout      = 10 * time.Second
	defaultBufferSize            = 32 << 10
	defaultCloseHandshakeTimeout = 5 * time.Second
)

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = http.DefaultMaxHeaderBytes
	}
	if o.BufferSize < 4096 {
		o.BufferSize = defaultBufferSize
	}
	if o.CloseHandshakeTimeout <= 0 {
		o.CloseHandshakeTimeout = defaultCloseHandshakeTimeout
	}
	return o
}

// Options configures a Proxy. Exactly one of Addr and Listener must be set;
// Start binds Addr or accepts on Listener.
type Options struct {
	Addr     string
	Listener net.Listener

	// Transport carries forwarded requests. Nil uses NewTransport with
	// default options.
	Transport http.RoundTripper

	// Authority issues leaf certificates for intercepted tunnels. It is
	// required when Tunnel.Intercept is set, unless Certificates is given.
	Authority certificates.Authority
	// Certificates caches leaves per host. Nil builds an in-memory store over
	// Authority.
	Certificates *certificates.CertificateStore

	// HTTPHandler and WebSocketHandler default to pass-through. The HTTP
	// handler may also implement intercept.ErrorHandler and
	// intercept.TunnelDecider.
	HTTPHandler      intercept.HTTPHandler
	WebSocketHandler intercept.WebSocketHandler
	// WebSocketTLSConfig is used when dialing wss origins.
	WebSocketTLSConfig *tls.Config

	Server ServerOptions
	Tunnel TunnelPolicy

	// DialContext opens passthrough tunnels and WebSocket origin
	// connections. Nil uses a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger  Logger
	Metrics *Metrics
}

// Proxy is an intercepting HTTP proxy. It is safe for concurrent use.
type Proxy struct {
	opts       Options
	transport  http.RoundTripper
	certs      *certificates.CertificateStore
	handler    intercept.HTTPHandler
	wsHandler  intercept.WebSocketHandler
	errHandler intercept.ErrorHandler
	decider    intercept.TunnelDecider
	policy     *compiledPolicy
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	logger     Logger
	metrics    *Metrics

	h2     *http2.Server
	h2Base *http.Server

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*intercept.Session
	conns    map[*conn]struct{}

	started   atomic.Bool
	wg        sync.WaitGroup
	draining  atomic.Bool
	drainOnce sync.Once
	drainCh   chan struct{}

	// drainCtx ends when draining starts. baseCtx ends only on Close; request
	// contexts derive from it so in-flight exchanges survive a drain.
	drainCtx    context.Context
	cancelDrain context.CancelFunc
	baseCtx     context.Context
	cancelBase  context.CancelFunc
}

// New validates opts and returns a proxy ready to Start.
func New(opts Options) (*Proxy, error) {
	if (opts.Addr == "") == (opts.Listener == nil) {
		return nil, xerrors.New("exactly one of Addr and Listener must be set")
	}

	opts.Server = opts.Server.withDefaults()

	policy, err := compilePolicy(opts.Tunnel)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		opts:      opts,
		transport: opts.Transport,
		certs:     opts.Certificates,
		handler:   opts.HTTPHandler,
		wsHandler: opts.WebSocketHandler,
		policy:    policy,
		dial:      opts.DialContext,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		sessions:  make(map[string]*intercept.Session),
		conns:     make(map[*conn]struct{}),
		drainCh:   make(chan struct{}),
	}

	if p.certs == nil && opts.Authority != nil {
		p.certs = certificates.NewCertificateStore("", opts.Authority)
	}
	if opts.Tunnel.Intercept && p.certs == nil {
		return nil, xerrors.New("tunnel interception requires an Authority or a CertificateStore")
	}
	if p.transport == nil {
		t, err := NewTransport(TransportOptions{DisableHTTP2: opts.Server.DisableHTTP2})
		if err != nil {
			return nil, err
		}
		p.transport = t
	}
	if p.handler == nil {
		p.handler = intercept.NopHTTPHandler{}
	}
	if p.wsHandler == nil {
		p.wsHandler = intercept.NopWebSocketHandler{}
	}
	p.errHandler, _ = p.handler.(intercept.ErrorHandler)
	p.decider, _ = p.handler.(intercept.TunnelDecider)
	if p.dial == nil {
		p.dial = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}
	if p.logger == nil {
		p.logger = nopLogger{}
	}
	p.metrics.observeCertificates(p.certs)

	p.h2 = &http2.Server{IdleTimeout: opts.Server.IdleTimeout}
	p.h2Base = &http.Server{
		ReadHeaderTimeout: opts.Server.ReadHeaderTimeout,
		IdleTimeout:       opts.Server.IdleTimeout,
		MaxHeaderBytes:    opts.Server.MaxHeaderBytes,
	}
	if err := http2.ConfigureServer(p.h2Base, p.h2); err != nil {
		return nil, xerrors.Errorf("configure http2 server: %w", err)
	}

	p.baseCtx, p.cancelBase = context.WithCancel(context.Background())
	p.drainCtx, p.cancelDrain = context.WithCancel(p.baseCtx)

	return p, nil
}

// Start binds the listener and serves connections until ctx is canceled.
// Cancellation starts a graceful drain: no new connections are accepted, idle
// connections are closed and in-flight exchanges complete. Start returns once
// every connection has finished. Only a bind failure is returned as an error.
func (p *Proxy) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return xerrors.New("proxy already started")
	}

	ln := p.opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", p.opts.Addr)
		if err != nil {
			p.logger.Error("Failed to create listener", "addr", p.opts.Addr, "error", err, "code", "100")
			return &BindError{Addr: p.opts.Addr, Err: err}
		}
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.drain)
	defer stop()

	p.logger.Info("Proxy listening",
		"addr", ln.Addr().String(),
		"intercept", p.policy.intercept,
		"http2", !p.opts.Server.DisableHTTP2,
	)

	p.acceptLoop(ln)

	p.logger.Info("Draining connections", "active", p.activeConns())
	p.wg.Wait()

	p.closeIdleUpstream()
	p.logger.Info("Proxy stopped")
	return nil
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	for {
		rwc, err := ln.Accept()
		if err != nil {
			if p.draining.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			delay := b.NextBackOff()
			p.logger.Warn("Accept failed", "error", &AcceptError{Err: err}, "retry_in", delay, "code", "101")
			p.metrics.acceptFailed()

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-p.drainCh:
				t.Stop()
				return
			}
			continue
		}
		b.Reset()

		p.wg.Add(1)
		go p.serveConn(rwc)
	}
}

// drain stops accepting, wakes idle connections and tells busy ones to
// finish. It is idempotent.
func (p *Proxy) drain() {
	p.drainOnce.Do(func() {
		// Under mu so ServeConn never adds to wg once a drain has begun.
		p.mu.Lock()
		p.draining.Store(true)
		p.mu.Unlock()
		close(p.drainCh)
		p.cancelDrain()

		p.mu.RLock()
		ln := p.listener
		conns := make([]*conn, 0, len(p.conns))
		for c := range p.conns {
			conns = append(conns, c)
		}
		p.mu.RUnlock()

		if ln != nil {
			_ = ln.Close()
		}
		// Sends GOAWAY on every HTTP/2 connection.
		_ = p.h2Base.Shutdown(context.Background())
		for _, c := range conns {
			c.wake()
		}
	})
}

// Close stops the proxy immediately, closing every client connection and
// canceling in-flight exchanges. Start still returns after the connection
// goroutines exit.
func (p *Proxy) Close() error {
	p.drain()
	p.cancelBase()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for c := range p.conns {
		_ = c.rwc.Close()
	}
	return nil
}

// ServeConn serves rwc as a client connection and returns once it is done,
// for callers that run their own accept loop. rwc is closed on return.
// Connections served this way are tracked like accepted ones: they show in
// ActiveSessions, drain on Shutdown or Start's cancellation, and are closed by
// Close. After a drain has begun, rwc is closed without being served.
func (p *Proxy) ServeConn(rwc net.Conn) {
	p.mu.Lock()
	if p.draining.Load() {
		p.mu.Unlock()
		_ = rwc.Close()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.serveConn(rwc)
}

// Shutdown drains like a canceled Start and waits for every connection,
// including those passed to ServeConn, to finish or for ctx to end. On
// ctx expiry the remaining connections keep draining; Close ends them.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.drain()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.closeIdleUpstream()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) closeIdleUpstream() {
	if ci, ok := p.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

func (p *Proxy) serveConn(rwc net.Conn) {
	defer p.wg.Done()

	c := &conn{p: p, rwc: rwc, session: intercept.NewSession(rwc.RemoteAddr())}
	p.track(c, true)
	p.metrics.connOpened()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic serving connection", "session", c.session.ID, "panic", r, "code", "199")
		}
		_ = rwc.Close()
		p.track(c, false)
		p.metrics.connClosed()
		p.logger.Debug("Connection closed",
			"session", c.session.ID,
			"duration_ms", c.session.Age().Milliseconds(),
		)
	}()

	if p.draining.Load() {
		return
	}

	p.logger.Debug("Connection accepted", "session", c.session.ID, "remote", rwc.RemoteAddr().String())
	c.serveStream(rwc, c.session)
}

func (p *Proxy) track(c *conn, add bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		p.conns[c] = struct{}{}
		p.sessions[c.session.ID] = c.session
		return
	}
	delete(p.conns, c)
	delete(p.sessions, c.session.ID)
}

func (p *Proxy) activeConns() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// ActiveSessions returns a snapshot of the connections being served, keyed by
// session ID.
func (p *Proxy) ActiveSessions() map[string]*intercept.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := make(map[string]*intercept.Session, len(p.sessions))
	for k, v := range p.sessions {
		sessions[k] = v
	}
	return sessions
}

// ListenerAddr returns the bound address, or "" before Start has bound.
func (p *Proxy) ListenerAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return ""
}

// Certificates returns the leaf certificate store, or nil when interception
// is not configured.
func (p *Proxy) Certificates() *certificates.CertificateStore {
	return p.certs
}

// Draining reports whether shutdown has started.
func (p *Proxy) Draining() bool {
	return p.draining.Load()
}

// logHeaders logs HTTP headers for debugging
func (p *Proxy) logHeaders(prefix string, session string, headers http.Header) {
	for name, values := range headers {
		for _, value := range values {
			p.logger.Debug(prefix+" header", "session", session, "name", name, "value", value)
		}
	}
}
