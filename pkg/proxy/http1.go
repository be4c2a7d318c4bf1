package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/pshima/interlope/pkg/intercept"
)

var (
	errHeaderTooLarge = xerrors.New("request header too large")
	errMissingHost    = xerrors.New("request has no host")
)

// maxBodyDrain is how much unread request body is discarded to keep a
// connection alive after the exchange finished.
const maxBodyDrain = 256 << 10

// serveHTTP1 runs the HTTP/1.x request loop. Requests on one connection are
// handled strictly in order.
func (c *conn) serveHTTP1(stream net.Conn, br *bufio.Reader, s *intercept.Session) {
	bw := bufio.NewWriterSize(stream, 4096)
	for {
		if !c.serveOne(stream, br, bw, s) {
			return
		}
		if !c.awaitRequest(br) {
			return
		}
	}
}

// serveOne reads and answers one request. It reports whether the connection
// can carry another one.
func (c *conn) serveOne(stream net.Conn, br *bufio.Reader, bw *bufio.Writer, s *intercept.Session) bool {
	p := c.p
	start := time.Now()

	req, body, err := c.readRequest(stream, br, s)
	if err != nil {
		if errors.Is(err, io.EOF) || isClosedConn(err) {
			return false
		}
		status := http.StatusBadRequest
		if errors.Is(err, errHeaderTooLarge) {
			status = http.StatusRequestHeaderFieldsTooLarge
		}
		p.logger.Warn("Malformed request", "session", s.ID, "error", &ProtocolError{Op: "read request", Err: err}, "code", "110")
		writeStatus(bw, status)
		return false
	}
	// The body may be read for as long as the exchange takes.
	_ = c.rwc.SetReadDeadline(time.Time{})

	switch {
	case req.Method == http.MethodConnect:
		c.handleConnect(stream, br, bw, req, s)
		return false
	case isWebSocketUpgrade(req):
		return c.handleWebSocket(stream, br, bw, req, s)
	}

	resp := p.roundTrip(s, req)
	keepAlive := c.writeResponse(bw, req, resp, s)
	p.metrics.requestDone("http/1.1", resp.StatusCode, start)

	if keepAlive && !body.drain(maxBodyDrain) {
		keepAlive = false
	}
	return keepAlive
}

// readRequest reads the next request head from br, remembering how the client
// spelled each header name, and attaches a body reading from br.
func (c *conn) readRequest(stream net.Conn, br *bufio.Reader, s *intercept.Session) (*http.Request, *requestBody, error) {
	p := c.p

	head, names, err := readRequestHead(br, p.opts.Server.MaxHeaderBytes)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, nil, err
	}

	body := newRequestBody(br, req)
	req.Body = body
	if !body.chunked && req.ContentLength <= 0 {
		// http.NoBody keeps a zero Content-Length on the way out instead
		// of reframing as chunked. body still positions the connection.
		req.Body = http.NoBody
		req.ContentLength = 0
	}
	req.Trailer = nil
	req.RemoteAddr = c.rwc.RemoteAddr().String()
	if tc, ok := stream.(*tls.Conn); ok {
		st := tc.ConnectionState()
		req.TLS = &st
	}

	ctx := p.baseCtx
	if !p.opts.Server.DisableHeaderCase {
		ctx = withHeaderCase(ctx, names)
	}
	req = req.WithContext(ctx)

	if req.Method != http.MethodConnect {
		if err := setTargetURL(req, s); err != nil {
			return nil, nil, err
		}
	}
	return req, body, nil
}

// setTargetURL turns the request target into an absolute URL. Inside an
// intercepted tunnel the origin is the tunnel's authority.
func setTargetURL(req *http.Request, s *intercept.Session) error {
	if s.Intercepted() {
		req.URL.Scheme = "https"
		req.URL.Host = trimDefaultPort(s.Authority, "443")
		if req.Host == "" {
			req.Host = req.URL.Host
		}
		return nil
	}
	if req.URL.IsAbs() {
		return nil
	}
	if req.Host == "" {
		return errMissingHost
	}
	req.URL.Scheme = "http"
	req.URL.Host = req.Host
	return nil
}

func trimDefaultPort(authority, port string) string {
	if host, p, err := net.SplitHostPort(authority); err == nil && p == port {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return authority
}

// readRequestHead reads a request line and header block, up to and
// including the blank line. Empty lines before the request line are skipped.
func readRequestHead(br *bufio.Reader, limit int) ([]byte, headerCase, error) {
	var (
		head  []byte
		names = make(headerCase)
		total int
	)
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, nil, errHeaderTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) && total == 0 && len(line) == 0 {
				return nil, nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, nil, io.ErrUnexpectedEOF
			}
			return nil, nil, err
		}
		total += len(line)
		if total > limit {
			return nil, nil, errHeaderTooLarge
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		if head == nil {
			if len(trimmed) == 0 {
				continue
			}
			head = append(head, line...)
			continue
		}

		head = append(head, line...)
		if len(trimmed) == 0 {
			return head, names, nil
		}
		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			continue
		}
		if i := bytes.IndexByte(trimmed, ':'); i > 0 {
			names.record(string(trimmed[:i]))
		}
	}
}

// requestBody reads a request body straight from the connection. Reads are
// serialized so the transport and the connection loop never race on the
// buffered reader.
type requestBody struct {
	mu      sync.Mutex
	br      *bufio.Reader
	r       io.Reader
	chunked bool
	err     error
	closed  bool
}

func newRequestBody(br *bufio.Reader, req *http.Request) *requestBody {
	b := &requestBody{br: br}
	switch {
	case len(req.TransferEncoding) > 0 && req.TransferEncoding[0] == "chunked":
		b.r = httputil.NewChunkedReader(br)
		b.chunked = true
	case req.ContentLength > 0:
		b.r = &lengthReader{r: br, n: req.ContentLength}
	default:
		b.err = io.EOF
	}
	return b
}

func (b *requestBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, http.ErrBodyReadAfterClose
	}
	return b.readLocked(p)
}

func (b *requestBody) readLocked(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) && b.chunked {
		// Trailer fields are consumed and dropped.
		if _, terr := textproto.NewReader(b.br).ReadMIMEHeader(); terr != nil {
			err = io.ErrUnexpectedEOF
		}
	}
	if err != nil {
		b.err = err
	}
	return n, err
}

func (b *requestBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// drain discards up to limit unread bytes and reports whether the body was
// consumed completely, leaving the connection positioned at the next request.
func (b *requestBody) drain(limit int64) bool {
	if !b.mu.TryLock() {
		// Still being read by the transport.
		return false
	}
	defer b.mu.Unlock()

	buf := make([]byte, 4096)
	for read := int64(0); b.err == nil && read <= limit; {
		n, _ := b.readLocked(buf)
		read += int64(n)
	}
	return errors.Is(b.err, io.EOF)
}

// lengthReader reads exactly n bytes, reporting a short body as
// io.ErrUnexpectedEOF.
type lengthReader struct {
	r io.Reader
	n int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n == 0 {
		return n, io.EOF
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// writeResponse writes resp to the client and reports whether the connection
// stays open.
func (c *conn) writeResponse(bw *bufio.Writer, req *http.Request, resp *http.Response, s *intercept.Session) bool {
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	defer resp.Body.Close()

	closeAfter := req.Close || !req.ProtoAtLeast(1, 1) || c.p.draining.Load()

	removeFramingHeaders(resp.Header)
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.Request = req
	resp.Close = closeAfter
	resp.TransferEncoding = nil
	if resp.ContentLength < 0 && req.ProtoAtLeast(1, 1) && bodyAllowedForStatus(resp.StatusCode) {
		resp.TransferEncoding = []string{"chunked"}
	}

	var w io.Writer = bw
	if resp.ContentLength < 0 {
		// Unknown length is usually a stream; deliver it as it arrives.
		w = flushWriter{bw}
	}
	if err := resp.Write(w); err != nil {
		c.p.logger.Warn("Failed to write response",
			"session", s.ID,
			"error", &ConnectionError{Op: "write response", Peer: req.RemoteAddr, Err: err},
			"code", "111",
		)
		return false
	}
	if err := bw.Flush(); err != nil {
		return false
	}
	return !closeAfter
}

type flushWriter struct {
	bw *bufio.Writer
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.bw.Flush()
}

// writeStatus writes a bodyless error response and flushes it.
func writeStatus(bw *bufio.Writer, status int) {
	resp := &http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Close:      true,
		Body:       io.NopCloser(strings.NewReader(http.StatusText(status) + "\n")),
	}
	resp.ContentLength = int64(len(http.StatusText(status)) + 1)
	_ = resp.Write(bw)
	_ = bw.Flush()
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func isWebSocketUpgrade(req *http.Request) bool {
	return req.Method == http.MethodGet &&
		headerValuesContainsToken(req.Header["Connection"], "upgrade") &&
		strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket")
}
