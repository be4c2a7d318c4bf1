package proxy

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/pshima/interlope/pkg/intercept"
)

// serveHTTP2 serves stream as an HTTP/2 connection. Each stream runs through
// the same pipeline as HTTP/1 requests.
func (c *conn) serveHTTP2(stream net.Conn, s *intercept.Session) {
	p := c.p
	if p.draining.Load() {
		return
	}
	// The HTTP/2 server enforces its own idle and read deadlines.
	_ = c.rwc.SetReadDeadline(time.Time{})

	p.logger.Debug("Serving HTTP/2", "session", s.ID, "authority", s.Authority)
	p.h2.ServeConn(stream, &http2.ServeConnOpts{
		Context:    p.baseCtx,
		BaseConfig: p.h2Base,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.serveHTTP2Request(w, r, s)
		}),
	})
}

func (c *conn) serveHTTP2Request(w http.ResponseWriter, r *http.Request, s *intercept.Session) {
	p := c.p
	start := time.Now()

	if r.Method == http.MethodConnect {
		p.logger.Warn("CONNECT over HTTP/2 is not supported", "session", s.ID, "authority", r.Host, "code", "140")
		http.Error(w, "CONNECT over HTTP/2 is not supported", http.StatusNotImplemented)
		return
	}

	if s.Intercepted() {
		r.URL.Scheme = "https"
		r.URL.Host = trimDefaultPort(s.Authority, "443")
	} else {
		r.URL.Scheme = "http"
		r.URL.Host = r.Host
	}
	if r.URL.Host == "" {
		p.logger.Warn("Malformed request", "session", s.ID, "error", &ProtocolError{Op: "read request", Err: errMissingHost}, "code", "110")
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}

	if r.ContentLength == 0 {
		r.Body = http.NoBody
	}

	resp := p.roundTrip(s, r)
	defer resp.Body.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	if resp.ContentLength >= 0 && bodyAllowedForStatus(resp.StatusCode) {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if p.draining.Load() {
		// Makes the HTTP/2 server send GOAWAY once this stream is done.
		h.Set("Connection", "close")
	}
	w.WriteHeader(resp.StatusCode)

	if err := copyFlushing(w, resp.Body, p.opts.Server.BufferSize); err != nil {
		p.logger.Debug("Response body copy ended early", "session", s.ID, "error", err)
	}
	for k, vv := range resp.Trailer {
		h[http.TrailerPrefix+k] = vv
	}
	p.metrics.requestDone("h2", resp.StatusCode, start)
}

// copyFlushing copies src to w, flushing after every chunk so streamed
// responses are not held back.
func copyFlushing(w http.ResponseWriter, src io.Reader, size int) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, size)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
