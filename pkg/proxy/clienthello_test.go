package proxy

import (
	"bufio"
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal TLS 1.0 ClientHello record carrying
// the given extensions.
func buildClientHello(extensions ...[]byte) []byte {
	var ext []byte
	for _, e := range extensions {
		ext = append(ext, e...)
	}

	// Version, random, empty session ID, one cipher suite, null compression.
	body := []byte{0x03, 0x01}
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x00, 0x2f)
	body = append(body, 0x01, 0x00)
	if len(extensions) > 0 {
		body = append(body, byte(len(ext)>>8), byte(len(ext)))
		body = append(body, ext...)
	}

	hs := append([]byte{0x01, 0x00, byte(len(body) >> 8), byte(len(body))}, body...)
	return append([]byte{recordTypeHandshake, 0x03, 0x01, byte(len(hs) >> 8), byte(len(hs))}, hs...)
}

func sniExtension(name string) []byte {
	entry := append([]byte{0x00, byte(len(name) >> 8), byte(len(name))}, name...)
	list := append([]byte{byte(len(entry) >> 8), byte(len(entry))}, entry...)
	return append([]byte{0x00, 0x00, byte(len(list) >> 8), byte(len(list))}, list...)
}

func alpnExtension(protos ...string) []byte {
	var names []byte
	for _, p := range protos {
		names = append(names, byte(len(p)))
		names = append(names, p...)
	}
	list := append([]byte{byte(len(names) >> 8), byte(len(names))}, names...)
	return append([]byte{0x00, 0x10, byte(len(list) >> 8), byte(len(list))}, list...)
}

func TestParseClientHello(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		wantSNI  string
		wantALPN []string
	}{
		{
			name:    "sni only",
			data:    buildClientHello(sniExtension("example.com")),
			wantSNI: "example.com",
		},
		{
			name:     "sni and alpn",
			data:     buildClientHello(alpnExtension("h2", "http/1.1"), sniExtension("api.example.com")),
			wantSNI:  "api.example.com",
			wantALPN: []string{"h2", "http/1.1"},
		},
		{
			name: "no extensions",
			data: buildClientHello(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hello, err := parseClientHello(tt.data)
			require.NoError(t, err)
			assert.Equal(t, uint16(0x0301), hello.Version)
			assert.Equal(t, tt.wantSNI, hello.ServerName)
			assert.Equal(t, tt.wantALPN, hello.ALPN)
		})
	}
}

func TestParseClientHelloInvalid(t *testing.T) {
	valid := buildClientHello(sniExtension("example.com"))

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "too short", data: valid[:20]},
		{name: "not handshake", data: append([]byte{0x17}, valid[1:]...)},
		{name: "ssl3", data: append([]byte{0x16, 0x03, 0x00}, valid[3:]...)},
		{name: "truncated extensions", data: valid[:len(valid)-4]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseClientHello(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestIsTLSHandshake(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "client hello", data: buildClientHello()[:6], want: true},
		{name: "http request", data: []byte("GET / HTTP/1.1"), want: false},
		{name: "too short", data: []byte{0x16, 0x03, 0x01}, want: false},
		{name: "server hello", data: []byte{0x16, 0x03, 0x03, 0x00, 0x10, 0x02}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTLSHandshake(tt.data))
		})
	}
}

func TestPeekClientHelloFromClient(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tls.Client(client, &tls.Config{
			ServerName:         "peek.example.com",
			NextProtos:         []string{"h2", "http/1.1"},
			InsecureSkipVerify: true, //nolint:gosec // handshake never completes
		}).Handshake()
	}()

	br := bufio.NewReaderSize(server, 16<<10)
	record, err := peekClientHello(br)
	require.NoError(t, err)

	hello, err := parseClientHello(record)
	require.NoError(t, err)
	assert.Equal(t, "peek.example.com", hello.ServerName)
	assert.Equal(t, []string{"h2", "http/1.1"}, hello.ALPN)

	// Peeking leaves the record for the TLS stack.
	assert.Equal(t, len(record), br.Buffered())

	_ = server.Close()
	<-done
}

func TestPeekClientHelloTooLarge(t *testing.T) {
	data := buildClientHello(sniExtension("example.com"))
	br := bufio.NewReaderSize(&sliceReader{data: data}, 16)

	_, err := peekClientHello(br)
	assert.Error(t, err)
}

type sliceReader struct {
	data []byte
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, net.ErrClosed
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}
