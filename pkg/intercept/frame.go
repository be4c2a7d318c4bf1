package intercept

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/gobwas/ws"
)

// Frame is a single unmasked WebSocket frame.
type Frame struct {
	Fin     bool
	OpCode  ws.OpCode
	Payload []byte
}

// NewTextFrame returns a final text frame carrying s.
func NewTextFrame(s string) *Frame {
	return &Frame{Fin: true, OpCode: ws.OpText, Payload: []byte(s)}
}

// NewBinaryFrame returns a final binary frame carrying b.
func NewBinaryFrame(b []byte) *Frame {
	return &Frame{Fin: true, OpCode: ws.OpBinary, Payload: b}
}

// IsControl reports whether f is a close, ping or pong frame.
func (f *Frame) IsControl() bool {
	return f.OpCode.IsControl()
}

// IsText reports whether f is the first frame of a text message.
// Continuation frames report false.
func (f *Frame) IsText() bool {
	return f.OpCode == ws.OpText
}

// NewResponse builds a complete response to req with the given body, suitable
// for short-circuiting an exchange from HandleRequest.
func NewResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	resp := &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}
