package proxy

import (
	"context"
	"net/http"
	"net/textproto"
	"strings"
)

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// framingHeaders describe one connection's message framing. The proxy
// always writes its own.
var framingHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHop deletes hop-by-hop headers, including those named by the
// Connection header.
func removeHopByHop(h http.Header) {
	removeHeaders(h, hopHeaders)
}

// removeFramingHeaders is removeHopByHop for responses the proxy itself is
// sending. Proxy-Authenticate survives so a handler can demand credentials.
func removeFramingHeaders(h http.Header) {
	removeHeaders(h, framingHeaders)
}

func removeHeaders(h http.Header, names []string) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range names {
		h.Del(name)
	}
}

// headerValuesContainsToken reports whether any comma-separated value in
// values contains token, compared case-insensitively.
func headerValuesContainsToken(values []string, token string) bool {
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(textproto.TrimString(t), token) {
				return true
			}
		}
	}
	return false
}

// headerCase maps canonical header names to the spelling the client used.
type headerCase map[string]string

type headerCaseKey struct{}

func withHeaderCase(ctx context.Context, names headerCase) context.Context {
	if len(names) == 0 {
		return ctx
	}
	return context.WithValue(ctx, headerCaseKey{}, names)
}

func headerCaseFrom(ctx context.Context) headerCase {
	names, _ := ctx.Value(headerCaseKey{}).(headerCase)
	return names
}

// headersKeptCanonical are read by net/http under their canonical key while
// writing a request, so they must not be renamed.
var headersKeptCanonical = map[string]bool{
	"Host":              true,
	"User-Agent":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Connection":        true,
	"Expect":            true,
	"Accept-Encoding":   true,
	"Range":             true,
}

// record notes the client's spelling of name. The first spelling wins.
func (c headerCase) record(name string) {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	if canon == name {
		return
	}
	if _, ok := c[canon]; !ok {
		c[canon] = name
	}
}

// restore renames the keys of h back to the recorded spelling. Headers the
// handler added keep their canonical form. Order is not restored: http.Header
// is a map and Header.Write emits keys sorted.
func (c headerCase) restore(h http.Header) {
	for canon, raw := range c {
		if headersKeptCanonical[canon] {
			continue
		}
		vv, ok := h[canon]
		if !ok {
			continue
		}
		delete(h, canon)
		h[raw] = append(h[raw], vv...)
	}
}
