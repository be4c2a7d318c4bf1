package proxy

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // required by RFC 6455
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/pkg/intercept"
)

const (
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	// maxFramePayload bounds a single frame held in memory for inspection.
	maxFramePayload = 16 << 20
)

var (
	errBadWebSocketKey     = xerrors.New("missing or malformed Sec-WebSocket-Key")
	errBadWebSocketVersion = xerrors.New("unsupported Sec-WebSocket-Version")
)

// Headers owned by the WebSocket handshake itself. The origin handshake sets
// its own and the client gets ours.
var websocketHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Accept",
	"Host",
}

// handleWebSocket performs the upgrade with the origin, answers the client
// and bridges frames until either side closes. It reports whether the
// connection may serve another request, which is only the case when the
// upgrade did not happen.
func (c *conn) handleWebSocket(stream net.Conn, br *bufio.Reader, bw *bufio.Writer, req *http.Request, s *intercept.Session) bool {
	p := c.p
	start := time.Now()

	p.logger.Info("WebSocket upgrade", "session", s.ID, "url", req.URL.String(), "remote", req.RemoteAddr)
	p.logHeaders("Request", s.ID, req.Header)

	out, resp := p.handler.HandleRequest(s, req)
	if out == nil {
		out = req
	}
	if resp != nil {
		return c.finishWithoutUpgrade(bw, req, resp, s, start)
	}

	if err := validateClientHandshake(req); err != nil {
		p.logger.Warn("Malformed WebSocket handshake",
			"session", s.ID,
			"error", &ProtocolError{Op: "websocket handshake", Err: err},
			"code", "150",
		)
		writeStatus(bw, http.StatusBadRequest)
		return false
	}

	target := websocketURL(out)
	originHeader := make(http.Header)
	var rejected int
	dialer := ws.Dialer{
		Header:    ws.HandshakeHeaderHTTP(c.p.websocketRequestHeader(out)),
		Protocols: splitTokens(req.Header.Values("Sec-WebSocket-Protocol")),
		NetDial:   p.dial,
		TLSConfig: p.opts.WebSocketTLSConfig,
		OnHeader: func(key, value []byte) error {
			originHeader.Add(textproto.CanonicalMIMEHeaderKey(string(key)), string(value))
			return nil
		},
		OnStatusError: func(status int, _ []byte, _ io.Reader) {
			rejected = status
		},
	}

	ctx, cancel := context.WithTimeout(p.drainCtx, p.opts.Server.HandshakeTimeout)
	upstream, ubr, hs, err := dialer.Dial(ctx, target)
	cancel()
	if err != nil {
		uerr := &UpstreamError{Method: http.MethodGet, URL: target, Err: err}
		p.logger.Warn("Failed to open WebSocket to origin", "session", s.ID, "error", uerr, "status", rejected, "code", "151")
		p.metrics.upstreamFailed()

		var resp *http.Response
		if rejected >= 400 && rejected <= 599 {
			resp = intercept.NewResponse(out, rejected, "text/plain; charset=utf-8", []byte(http.StatusText(rejected)+"\n"))
		} else {
			resp = p.errorResponse(s, out, uerr)
		}
		return c.finishWithoutUpgrade(bw, req, resp, s, start)
	}
	defer upstream.Close()
	if ubr != nil {
		defer ws.PutReader(ubr)
	}

	// Answer the client with the origin's selected subprotocol and any other
	// end-to-end headers it sent, such as cookies.
	removeHopByHop(originHeader)
	for _, name := range websocketHandshakeHeaders {
		originHeader.Del(name)
	}
	switching := &http.Response{
		Status:     "101 Switching Protocols",
		StatusCode: http.StatusSwitchingProtocols,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     originHeader,
		Body:       http.NoBody,
		Request:    out,
	}
	if r := p.handler.HandleResponse(s, switching); r != nil && r != switching {
		if r.StatusCode != http.StatusSwitchingProtocols {
			p.logger.Info("WebSocket upgrade refused by handler", "session", s.ID, "status", r.StatusCode)
			req.Close = true
			c.writeResponse(bw, req, r, s)
			p.metrics.requestDone("http/1.1", r.StatusCode, start)
			return false
		}
		switching = r
	}

	h := switching.Header
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", computeAcceptKey(req.Header.Get("Sec-WebSocket-Key")))
	if hs.Protocol != "" {
		h.Set("Sec-WebSocket-Protocol", hs.Protocol)
	}
	if err := writeSwitchingProtocols(bw, h); err != nil {
		return false
	}
	p.metrics.requestDone("http/1.1", http.StatusSwitchingProtocols, start)
	p.logger.Info("WebSocket established", "session", s.ID, "url", target, "protocol", hs.Protocol)

	_ = c.rwc.SetReadDeadline(time.Time{})

	var upstreamReader io.Reader = upstream
	if ubr != nil {
		upstreamReader = ubr
	}
	b := &wsBridge{
		p:       p,
		session: s,
		client:  &wsPeer{name: "client", conn: stream, r: br, readState: ws.StateServerSide},
		server:  &wsPeer{name: "server", conn: upstream, r: upstreamReader, readState: ws.StateClientSide, mask: true},
	}
	b.run()
	return false
}

// finishWithoutUpgrade sends resp instead of switching protocols.
func (c *conn) finishWithoutUpgrade(bw *bufio.Writer, req *http.Request, resp *http.Response, s *intercept.Session, start time.Time) bool {
	p := c.p
	if r := p.handler.HandleResponse(s, resp); r != nil {
		resp = r
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	keepAlive := c.writeResponse(bw, req, resp, s)
	p.metrics.requestDone("http/1.1", resp.StatusCode, start)
	return keepAlive
}

func validateClientHandshake(req *http.Request) error {
	key, err := base64.StdEncoding.DecodeString(req.Header.Get("Sec-WebSocket-Key"))
	if err != nil || len(key) != 16 {
		return errBadWebSocketKey
	}
	if strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")) != "13" {
		return errBadWebSocketVersion
	}
	return nil
}

func websocketURL(req *http.Request) string {
	u := *req.URL
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.User = nil
	u.Fragment = ""
	return u.String()
}

// websocketRequestHeader returns the end-to-end headers to send in the
// origin handshake. Extensions are never negotiated so frames stay
// uncompressed and inspectable.
func (p *Proxy) websocketRequestHeader(req *http.Request) http.Header {
	h := req.Header.Clone()
	removeHopByHop(h)
	for _, name := range websocketHandshakeHeaders {
		h.Del(name)
	}
	if !p.opts.Server.DisableHeaderCase {
		if names := headerCaseFrom(req.Context()); names != nil {
			names.restore(h)
		}
	}
	return h
}

func splitTokens(values []string) []string {
	var tokens []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

func computeAcceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func writeSwitchingProtocols(bw *bufio.Writer, h http.Header) error {
	if _, err := bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := h.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// wsPeer is one side of a bridged WebSocket.
type wsPeer struct {
	name      string
	conn      net.Conn
	r         io.Reader
	readState ws.State
	// mask is set for the origin side, which must receive masked frames.
	mask bool

	mu sync.Mutex
}

func (w *wsPeer) writeFrame(f ws.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mask {
		f = ws.MaskFrameInPlace(f)
	}
	return ws.WriteFrame(w.conn, f)
}

func (w *wsPeer) sendClose(code ws.StatusCode, reason string) {
	_ = w.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// wsBridge relays frames between a client and an origin, passing each one
// through the WebSocket handler.
type wsBridge struct {
	p       *Proxy
	session *intercept.Session
	client  *wsPeer
	server  *wsPeer

	closeOnce  sync.Once
	windowOnce sync.Once
	windowMu   sync.Mutex
	window     *time.Timer
}

func (b *wsBridge) run() {
	stop := context.AfterFunc(b.p.drainCtx, func() {
		b.client.sendClose(ws.StatusGoingAway, "proxy shutting down")
		b.server.sendClose(ws.StatusGoingAway, "proxy shutting down")
		b.startCloseWindow()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer b.startCloseWindow()
		return b.pump(b.client, b.server, "client_to_server", b.p.wsHandler.HandleClientFrame)
	})
	g.Go(func() error {
		defer b.startCloseWindow()
		return b.pump(b.server, b.client, "server_to_client", b.p.wsHandler.HandleServerFrame)
	})
	err := g.Wait()

	b.windowMu.Lock()
	if b.window != nil {
		b.window.Stop()
	}
	b.windowMu.Unlock()
	b.closeBoth()

	if err != nil && !isClosedConn(err) && !errors.Is(err, io.EOF) {
		b.p.logger.Debug("WebSocket bridge ended", "session", b.session.ID, "error", err)
	}
	b.p.logger.Info("WebSocket closed", "session", b.session.ID)
}

// startCloseWindow gives the remaining direction a bounded time to finish
// the close handshake.
func (b *wsBridge) startCloseWindow() {
	b.windowOnce.Do(func() {
		b.windowMu.Lock()
		defer b.windowMu.Unlock()
		b.window = time.AfterFunc(b.p.opts.Server.CloseHandshakeTimeout, b.closeBoth)
	})
}

func (b *wsBridge) closeBoth() {
	b.closeOnce.Do(func() {
		_ = b.client.conn.Close()
		_ = b.server.conn.Close()
	})
}

// pump reads frames from src and writes what the handler returns to dst. It
// ends after relaying a close frame, on a protocol violation by src, or when
// either connection fails.
func (b *wsBridge) pump(src, dst *wsPeer, direction string, handle func(*intercept.Session, *intercept.Frame) *intercept.Frame) error {
	p := b.p
	for {
		hdr, err := ws.ReadHeader(src.r)
		if err != nil {
			return err
		}
		if err := ws.CheckHeader(hdr, src.readState); err != nil {
			return b.protocolError(src, ws.StatusProtocolError, err)
		}
		if hdr.Length > maxFramePayload {
			return b.protocolError(src, ws.StatusMessageTooBig, xerrors.Errorf("frame of %d bytes exceeds limit", hdr.Length))
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(src.r, payload); err != nil {
			return err
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		p.logger.Debug("WebSocket frame",
			"session", b.session.ID,
			"direction", direction,
			"opcode", hdr.OpCode,
			"fin", hdr.Fin,
			"length", hdr.Length,
		)

		frame := handle(b.session, &intercept.Frame{Fin: hdr.Fin, OpCode: hdr.OpCode, Payload: payload})
		if frame == nil {
			p.metrics.frame(direction, false)
			p.logger.Debug("WebSocket frame dropped", "session", b.session.ID, "direction", direction, "opcode", hdr.OpCode)
		} else {
			p.metrics.frame(direction, true)
			if err := dst.writeFrame(ws.NewFrame(frame.OpCode, frame.Fin, frame.Payload)); err != nil {
				return &ConnectionError{Op: "write frame", Peer: dst.name, Err: err}
			}
		}

		if hdr.OpCode == ws.OpClose {
			return nil
		}
	}
}

// protocolError closes src's side with code and ends its relay.
func (b *wsBridge) protocolError(src *wsPeer, code ws.StatusCode, err error) error {
	perr := &ProtocolError{Op: "websocket frame from " + src.name, Err: err}
	b.p.logger.Warn("Malformed WebSocket frame", "session", b.session.ID, "error", perr, "code", "152")
	src.sendClose(code, "")
	return perr
}
