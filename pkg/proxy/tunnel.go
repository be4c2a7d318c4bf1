package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/pkg/intercept"
)

var errNotTLS = xerrors.New("client did not start a TLS handshake")

// handleConnect answers a CONNECT request. The tunnel is either relayed to
// the origin untouched or terminated with a forged certificate and served
// again as HTTP. The connection never returns to the request loop.
func (c *conn) handleConnect(stream net.Conn, br *bufio.Reader, bw *bufio.Writer, req *http.Request, s *intercept.Session) {
	p := c.p
	start := time.Now()
	authority := connectAuthority(req)

	p.logger.Info("CONNECT request", "session", s.ID, "host", authority, "remote", req.RemoteAddr)
	p.logHeaders("Request", s.ID, req.Header)

	out, resp := p.handler.HandleRequest(s, req)
	if resp != nil {
		if r := p.handler.HandleResponse(s, resp); r != nil {
			resp = r
		}
		p.logger.Debug("CONNECT answered by handler", "session", s.ID, "status", resp.StatusCode)
		req.Close = true
		c.writeResponse(bw, req, resp, s)
		p.metrics.requestDone("http/1.1", resp.StatusCode, start)
		return
	}
	if out != nil {
		req = out
		authority = connectAuthority(req)
	}

	host, err := validateAuthority(authority)
	if err != nil {
		p.logger.Warn("Malformed CONNECT target",
			"session", s.ID,
			"error", &ProtocolError{Op: "CONNECT", Err: err},
			"code", "120",
		)
		writeStatus(bw, http.StatusBadRequest)
		return
	}

	if !c.shouldIntercept(s, req, host) {
		c.passthrough(stream, br, bw, s, authority)
		return
	}
	c.interceptTunnel(stream, br, bw, s, authority, host)
}

func connectAuthority(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

// validateAuthority checks a CONNECT target is host:port and returns the
// host.
func validateAuthority(authority string) (string, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return "", xerrors.Errorf("invalid authority %q: %w", authority, err)
	}
	if host == "" {
		return "", xerrors.Errorf("invalid authority %q: empty host", authority)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", xerrors.Errorf("invalid authority %q: bad port", authority)
	}
	return host, nil
}

func (c *conn) shouldIntercept(s *intercept.Session, req *http.Request, host string) bool {
	p := c.p
	var decision bool
	if p.decider != nil {
		decision = p.decider.ShouldIntercept(s, req)
	} else {
		decision = p.policy.shouldIntercept(host)
	}
	if decision && p.certs == nil {
		p.logger.Warn("Interception requested without a certificate authority, relaying", "session", s.ID, "host", host, "code", "125")
		return false
	}
	return decision
}

func writeConnectEstablished(bw *bufio.Writer) error {
	if _, err := bw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// passthrough dials the origin first so a failure can still be reported with
// a status code, then relays bytes both ways.
func (c *conn) passthrough(stream net.Conn, br *bufio.Reader, bw *bufio.Writer, s *intercept.Session, authority string) {
	p := c.p

	upstream, err := p.dial(p.drainCtx, "tcp", authority)
	if err != nil {
		p.logger.Warn("Failed to reach tunnel target",
			"session", s.ID,
			"error", &UpstreamError{Method: http.MethodConnect, URL: authority, Err: err},
			"code", "121",
		)
		p.metrics.upstreamFailed()
		writeStatus(bw, http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	if err := writeConnectEstablished(bw); err != nil {
		return
	}
	p.metrics.tunnelOpened(tunnelPassthrough)
	p.logger.Info("Tunnel relayed", "session", s.ID, "authority", authority)

	c.relay(&bufferedConn{Conn: stream, r: br}, upstream, s, authority)
}

// interceptTunnel terminates the client's TLS with a leaf for the target
// host and serves the decrypted stream. Nothing reaches the origin before
// the handshake has succeeded.
func (c *conn) interceptTunnel(stream net.Conn, br *bufio.Reader, bw *bufio.Writer, s *intercept.Session, authority, host string) {
	p := c.p
	opts := p.opts.Server

	if err := writeConnectEstablished(bw); err != nil {
		return
	}

	_ = c.rwc.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	first, err := br.Peek(6)
	isTLS := err == nil && isTLSHandshake(first)
	if err != nil && !isTimeout(err) {
		return
	}

	if !isTLS {
		_ = c.rwc.SetReadDeadline(time.Time{})
		if p.policy.rejectNonTLS {
			p.logger.Warn("Tunnel handshake failed",
				"session", s.ID,
				"error", &HandshakeError{Authority: authority, Err: errNotTLS},
				"code", "123",
			)
			p.metrics.handshakeFailed()
			return
		}
		c.relayNonTLS(stream, br, s, authority)
		return
	}

	if record, err := peekClientHello(br); err == nil {
		if hello, err := parseClientHello(record); err == nil {
			p.logger.Debug("Client hello", "session", s.ID, "sni", hello.ServerName, "alpn", hello.ALPN)
			// A tunnel opened by IP address may still name a bypassed host.
			if p.decider == nil && hello.ServerName != "" && net.ParseIP(host) != nil && p.policy.bypass.match(hello.ServerName) {
				_ = c.rwc.SetReadDeadline(time.Time{})
				c.relayNonTLS(stream, br, s, authority)
				return
			}
		}
	}

	protos := []string{"http/1.1"}
	if !opts.DisableHTTP2 {
		protos = []string{http2.NextProtoTLS, "http/1.1"}
	}
	tlsConn := tls.Server(&bufferedConn{Conn: stream, r: br}, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: protos,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := host
			if net.ParseIP(host) != nil && hello.ServerName != "" {
				name = hello.ServerName
			}
			cert, err := p.certs.GetCertificate(hello.Context(), name)
			if err != nil {
				p.logger.Error("Failed to obtain certificate", "session", s.ID, "host", name, "error", err, "code", "124")
			}
			return cert, err
		},
	})

	ctx, cancel := context.WithTimeout(p.drainCtx, opts.HandshakeTimeout)
	err = tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		p.logger.Warn("Tunnel handshake failed",
			"session", s.ID,
			"error", &HandshakeError{Authority: authority, Err: err},
			"code", "123",
		)
		p.metrics.handshakeFailed()
		return
	}
	_ = c.rwc.SetReadDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	p.metrics.tunnelOpened(tunnelIntercept)
	p.logger.Info("Tunnel intercepted",
		"session", s.ID,
		"authority", authority,
		"tls_version", tls.VersionName(state.Version),
		"protocol", state.NegotiatedProtocol,
	)

	c.serveStream(tlsConn, s.Tunnel(authority))
	_ = tlsConn.Close()
}

// relayNonTLS carries a tunnel the proxy cannot decrypt, for example one
// whose server speaks first.
func (c *conn) relayNonTLS(stream net.Conn, br *bufio.Reader, s *intercept.Session, authority string) {
	p := c.p

	upstream, err := p.dial(p.drainCtx, "tcp", authority)
	if err != nil {
		p.logger.Warn("Failed to reach tunnel target",
			"session", s.ID,
			"error", &UpstreamError{Method: http.MethodConnect, URL: authority, Err: err},
			"code", "121",
		)
		p.metrics.upstreamFailed()
		return
	}
	defer upstream.Close()

	p.metrics.tunnelOpened(tunnelRelay)
	p.logger.Info("Tunnel relayed", "session", s.ID, "authority", authority, "reason", "not intercepted TLS")
	c.relay(&bufferedConn{Conn: stream, r: br}, upstream, s, authority)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
