package proxy

import (
	"errors"
	"fmt"
	"net"
)

// BindError is returned by Start when the listening socket cannot be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AcceptError is a transient failure of the listener. It is logged and the
// accept loop keeps running.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept: %v", e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// HandshakeError is a failed TLS handshake with a client inside a CONNECT
// tunnel. The tunnel is closed and nothing has been forwarded.
type HandshakeError struct {
	Authority string
	Err       error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake for %s: %v", e.Authority, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// UpstreamError is a failure to reach or read from an origin. It becomes a
// 502 for the affected exchange only.
type UpstreamError struct {
	Method string
	URL    string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ProtocolError is malformed input from a peer: a bad request line, a bad
// CONNECT target, a bad WebSocket handshake or frame.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectionError is an I/O failure on an established connection.
type ConnectionError struct {
	Op   string
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// isClosedConn reports errors that only mean the other side went away.
func isClosedConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return oe.Op == "read" || oe.Op == "write"
	}
	return false
}
