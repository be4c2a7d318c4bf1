package proxy

import (
	"bufio"

	"golang.org/x/xerrors"
)

const (
	recordTypeHandshake = 0x16
	recordHeaderLen     = 5

	extServerName = 0x0000
	extALPN       = 0x0010
)

// clientHello is what the proxy reads from a ClientHello before the TLS
// stack takes over.
type clientHello struct {
	ServerName string
	Version    uint16
	ALPN       []string
}

// isTLSHandshake checks if the given data looks like a TLS handshake
func isTLSHandshake(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	// Record type handshake, major version 3, handshake type ClientHello.
	return data[0] == recordTypeHandshake && data[1] == 0x03 && data[5] == 0x01
}

// peekClientHello returns the first TLS record from br without consuming it,
// provided it fits in the reader's buffer.
func peekClientHello(br *bufio.Reader) ([]byte, error) {
	hdr, err := br.Peek(recordHeaderLen)
	if err != nil {
		return nil, err
	}
	n := recordHeaderLen + (int(hdr[3])<<8 | int(hdr[4]))
	if n > br.Size() {
		return nil, xerrors.Errorf("client hello record of %d bytes exceeds buffer", n)
	}
	return br.Peek(n)
}

// parseClientHello extracts the server name and ALPN protocols from a TLS
// record holding a ClientHello.
func parseClientHello(data []byte) (*clientHello, error) {
	if len(data) < 43 {
		return nil, xerrors.New("data too short for TLS handshake")
	}
	if data[0] != recordTypeHandshake {
		return nil, xerrors.New("not a TLS handshake record")
	}

	version := uint16(data[1])<<8 | uint16(data[2])
	if version < 0x0301 {
		return nil, xerrors.Errorf("unsupported TLS version: %04x", version)
	}
	hello := &clientHello{Version: version}

	// Record header, handshake header, client version and random.
	offset := recordHeaderLen + 4 + 2 + 32

	// Session ID
	if len(data) < offset+1 {
		return nil, xerrors.New("insufficient data for session ID length")
	}
	offset += 1 + int(data[offset])

	// Cipher suites
	if len(data) < offset+2 {
		return nil, xerrors.New("insufficient data for cipher suites length")
	}
	offset += 2 + (int(data[offset])<<8 | int(data[offset+1]))

	// Compression methods
	if len(data) < offset+1 {
		return nil, xerrors.New("insufficient data for compression methods length")
	}
	offset += 1 + int(data[offset])

	if len(data) < offset+2 {
		// No extensions.
		return hello, nil
	}
	extensionsLen := int(data[offset])<<8 | int(data[offset+1])
	offset += 2
	if len(data) < offset+extensionsLen {
		return nil, xerrors.New("insufficient data for extensions")
	}

	end := offset + extensionsLen
	for offset+4 <= end {
		extType := uint16(data[offset])<<8 | uint16(data[offset+1])
		extLen := int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if offset+extLen > end {
			break
		}
		body := data[offset : offset+extLen]

		switch extType {
		case extServerName:
			if sni, err := parseSNIExtension(body); err == nil {
				hello.ServerName = sni
			}
		case extALPN:
			hello.ALPN = parseALPNExtension(body)
		}
		offset += extLen
	}

	return hello, nil
}

// parseSNIExtension parses the Server Name Indication extension
func parseSNIExtension(data []byte) (string, error) {
	if len(data) < 5 {
		return "", xerrors.New("SNI extension too short")
	}

	// Skip server name list length
	offset := 2
	for offset < len(data) {
		if len(data) < offset+3 {
			return "", xerrors.New("insufficient data for server name entry")
		}
		nameType := data[offset]
		nameLen := int(data[offset+1])<<8 | int(data[offset+2])
		offset += 3

		if len(data) < offset+nameLen {
			return "", xerrors.New("insufficient data for server name")
		}
		if nameType == 0x00 { // host_name
			return string(data[offset : offset+nameLen]), nil
		}
		offset += nameLen
	}

	return "", xerrors.New("no hostname found in SNI extension")
}

func parseALPNExtension(data []byte) []string {
	if len(data) < 2 {
		return nil
	}
	listLen := int(data[0])<<8 | int(data[1])
	data = data[2:]
	if listLen > len(data) {
		return nil
	}
	data = data[:listLen]

	var protos []string
	for len(data) > 0 {
		n := int(data[0])
		if 1+n > len(data) {
			break
		}
		protos = append(protos, string(data[1:1+n]))
		data = data[1+n:]
	}
	return protos
}
