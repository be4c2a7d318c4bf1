// Package intercept defines the hooks a proxy calls for every exchange it
// carries: HTTP requests and responses, WebSocket frames, upstream errors
// and the per-tunnel interception decision.
package intercept

import (
	"net/http"
)

// HTTPHandler sees every HTTP exchange, including CONNECT requests and
// WebSocket upgrade requests.
//
// HandleRequest returns the request to forward and, optionally, a response.
// A non-nil response short-circuits the exchange: nothing is sent upstream
// and the response is handed back to the client. HandleResponse is called for
// forwarded and short-circuited responses alike and may replace the response.
type HTTPHandler interface {
	HandleRequest(s *Session, req *http.Request) (*http.Request, *http.Response)
	HandleResponse(s *Session, resp *http.Response) *http.Response
}

// WebSocketHandler sees every data and control frame relayed over an
// upgraded connection. Returning nil drops the frame.
type WebSocketHandler interface {
	HandleClientFrame(s *Session, f *Frame) *Frame
	HandleServerFrame(s *Session, f *Frame) *Frame
}

// ErrorHandler may be implemented by an HTTPHandler to build the response
// sent to the client when the upstream round trip fails. Returning nil falls
// back to a plain 502.
type ErrorHandler interface {
	HandleError(s *Session, req *http.Request, err error) *http.Response
}

// TunnelDecider may be implemented by an HTTPHandler to choose per CONNECT
// request whether the tunnel is terminated and inspected (true) or relayed
// as opaque bytes (false). It overrides the proxy's configured policy.
type TunnelDecider interface {
	ShouldIntercept(s *Session, req *http.Request) bool
}

// NopHTTPHandler forwards everything unchanged.
type NopHTTPHandler struct{}

func (NopHTTPHandler) HandleRequest(_ *Session, req *http.Request) (*http.Request, *http.Response) {
	return req, nil
}

func (NopHTTPHandler) HandleResponse(_ *Session, resp *http.Response) *http.Response {
	return resp
}

// NopWebSocketHandler relays every frame unchanged.
type NopWebSocketHandler struct{}

func (NopWebSocketHandler) HandleClientFrame(_ *Session, f *Frame) *Frame { return f }
func (NopWebSocketHandler) HandleServerFrame(_ *Session, f *Frame) *Frame { return f }

// HTTPHandlerFuncs adapts plain functions to HTTPHandler. Nil fields pass the
// message through.
type HTTPHandlerFuncs struct {
	Request  func(s *Session, req *http.Request) (*http.Request, *http.Response)
	Response func(s *Session, resp *http.Response) *http.Response
}

func (h HTTPHandlerFuncs) HandleRequest(s *Session, req *http.Request) (*http.Request, *http.Response) {
	if h.Request == nil {
		return req, nil
	}
	return h.Request(s, req)
}

func (h HTTPHandlerFuncs) HandleResponse(s *Session, resp *http.Response) *http.Response {
	if h.Response == nil {
		return resp
	}
	return h.Response(s, resp)
}

// WebSocketHandlerFuncs adapts plain functions to WebSocketHandler. Nil
// fields pass the frame through.
type WebSocketHandlerFuncs struct {
	Client func(s *Session, f *Frame) *Frame
	Server func(s *Session, f *Frame) *Frame
}

func (h WebSocketHandlerFuncs) HandleClientFrame(s *Session, f *Frame) *Frame {
	if h.Client == nil {
		return f
	}
	return h.Client(s, f)
}

func (h WebSocketHandlerFuncs) HandleServerFrame(s *Session, f *Frame) *Frame {
	if h.Server == nil {
		return f
	}
	return h.Server(s, f)
}

var (
	_ HTTPHandler      = NopHTTPHandler{}
	_ HTTPHandler      = HTTPHandlerFuncs{}
	_ WebSocketHandler = NopWebSocketHandler{}
	_ WebSocketHandler = WebSocketHandlerFuncs{}
)
