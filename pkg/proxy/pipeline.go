package proxy

import (
	"net/http"
	"time"

	"github.com/pshima/interlope/pkg/intercept"
)

// roundTrip runs one exchange through the interception hooks and the
// transport. It always produces a response; upstream failures become a 502
// for this exchange only.
func (p *Proxy) roundTrip(s *intercept.Session, req *http.Request) *http.Response {
	start := time.Now()

	p.logger.Info("HTTP request",
		"session", s.ID,
		"method", req.Method,
		"url", req.URL.String(),
		"remote", req.RemoteAddr,
		"user_agent", req.UserAgent(),
		"content_length", req.ContentLength,
	)
	p.logHeaders("Request", s.ID, req.Header)

	resp := p.forward(s, req)
	if out := p.handler.HandleResponse(s, resp); out != nil {
		resp = out
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	removeFramingHeaders(resp.Header)

	p.logger.Info("HTTP response",
		"session", s.ID,
		"status", resp.StatusCode,
		"content_length", resp.ContentLength,
		"content_type", resp.Header.Get("Content-Type"),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	p.logHeaders("Response", s.ID, resp.Header)

	return resp
}

// forward applies HandleRequest and, unless it answered, sends the request
// upstream.
func (p *Proxy) forward(s *intercept.Session, req *http.Request) *http.Response {
	out, resp := p.handler.HandleRequest(s, req)
	if out == nil {
		out = req
	}
	if resp != nil {
		p.logger.Debug("Request answered by handler", "session", s.ID, "status", resp.StatusCode)
		if resp.Request == nil {
			resp.Request = out
		}
		return resp
	}

	outReq := p.outboundRequest(out)
	p.logger.Debug("Forwarding request", "session", s.ID, "target", outReq.URL.String())

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		uerr := &UpstreamError{Method: outReq.Method, URL: outReq.URL.String(), Err: err}
		p.logger.Warn("Failed to forward request", "session", s.ID, "error", uerr, "code", "130")
		p.metrics.upstreamFailed()
		return p.errorResponse(s, out, uerr)
	}
	removeHopByHop(resp.Header)
	return resp
}

// outboundRequest prepares req for the transport: hop-by-hop headers go, the
// client's header-name spelling comes back.
func (p *Proxy) outboundRequest(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.Close = false

	removeHopByHop(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own.
		out.Header.Set("User-Agent", "")
	}
	if !p.opts.Server.DisableHeaderCase {
		if names := headerCaseFrom(out.Context()); names != nil {
			names.restore(out.Header)
		}
	}
	return out
}

func (p *Proxy) errorResponse(s *intercept.Session, req *http.Request, err error) *http.Response {
	if p.errHandler != nil {
		if resp := p.errHandler.HandleError(s, req, err); resp != nil {
			return resp
		}
	}
	return intercept.NewResponse(req, http.StatusBadGateway, "text/plain; charset=utf-8", []byte("Bad Gateway\n"))
}
