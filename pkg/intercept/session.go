package intercept

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Session identifies the client connection an exchange arrived on.
type Session struct {
	ID         string
	StartTime  time.Time
	ClientAddr net.Addr
	// Authority is the CONNECT target (host:port) for exchanges decrypted
	// from an intercepted tunnel. Empty for plain connections.
	Authority string
}

// NewSession creates a session for a freshly accepted connection.
func NewSession(clientAddr net.Addr) *Session {
	return &Session{
		ID:         uuid.NewString(),
		StartTime:  time.Now(),
		ClientAddr: clientAddr,
	}
}

// Tunnel returns a copy of s for traffic carried inside a CONNECT tunnel to
// authority. The ID is kept so logs correlate with the outer connection.
func (s *Session) Tunnel(authority string) *Session {
	child := *s
	child.Authority = authority
	return &child
}

// Intercepted reports whether the session belongs to a decrypted tunnel.
func (s *Session) Intercepted() bool {
	return s.Authority != ""
}

// ClientIP returns the client's IP address without the port.
func (s *Session) ClientIP() string {
	if s.ClientAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(s.ClientAddr.String())
	if err != nil {
		return s.ClientAddr.String()
	}
	return host
}

// Age is the time since the connection was accepted.
func (s *Session) Age() time.Duration {
	return time.Since(s.StartTime)
}
