package proxy

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/pshima/interlope/pkg/intercept"
)

// aLongTimeAgo is a deadline that has already passed, used to unblock reads.
var aLongTimeAgo = time.Unix(1, 0)

// conn is the state of one accepted client connection. Tunnels served on it
// share the same conn, so deadlines always go to the raw socket.
type conn struct {
	p       *Proxy
	rwc     net.Conn
	session *intercept.Session

	mu   sync.Mutex
	idle bool
}

// wake interrupts a connection waiting for its next request.
func (c *conn) wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle {
		_ = c.rwc.SetReadDeadline(aLongTimeAgo)
	}
}

// awaitRequest blocks until the next request starts to arrive. It returns
// false when the connection should be closed instead: the peer went away, the
// idle timeout passed or the proxy is draining.
func (c *conn) awaitRequest(br *bufio.Reader) bool {
	opts := c.p.opts.Server

	c.mu.Lock()
	c.idle = true
	_ = c.rwc.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	c.mu.Unlock()

	if c.p.draining.Load() {
		return false
	}
	_, err := br.Peek(1)

	c.mu.Lock()
	c.idle = false
	_ = c.rwc.SetReadDeadline(time.Now().Add(opts.ReadHeaderTimeout))
	c.mu.Unlock()

	return err == nil
}

// bufferedConn reads through r so bytes already peeked are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// serveStream serves a byte stream as HTTP: an accepted connection or the
// plaintext side of an intercepted tunnel. HTTP/2 is chosen by ALPN on TLS
// streams and by the connection preface on plain ones.
func (c *conn) serveStream(stream net.Conn, s *intercept.Session) {
	h2 := !c.p.opts.Server.DisableHTTP2

	tlsConn, isTLS := stream.(*tls.Conn)
	if isTLS && h2 && tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		c.serveHTTP2(stream, s)
		return
	}

	br := bufio.NewReaderSize(stream, c.p.opts.Server.BufferSize)
	if !c.awaitRequest(br) {
		return
	}

	if h2 && !isTLS {
		prior, err := hasClientPreface(br)
		if err != nil {
			return
		}
		if prior {
			c.serveHTTP2(&bufferedConn{Conn: stream, r: br}, s)
			return
		}
	}

	c.serveHTTP1(stream, br, s)
}

// hasClientPreface reports whether br starts with the HTTP/2 connection
// preface. It reads only as far as the first mismatching byte.
func hasClientPreface(br *bufio.Reader) (bool, error) {
	preface := http2.ClientPreface
	for i := 1; i <= len(preface); i++ {
		b, err := br.Peek(i)
		if err != nil {
			return false, err
		}
		if b[i-1] != preface[i-1] {
			return false, nil
		}
	}
	return true, nil
}
