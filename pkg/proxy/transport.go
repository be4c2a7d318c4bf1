package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/xerrors"
)

// TransportOptions configures NewTransport.
type TransportOptions struct {
	// InsecureSkipVerify disables origin certificate verification.
	InsecureSkipVerify bool
	// RootCAs verifies origins. Nil uses the system pool.
	RootCAs *x509.CertPool
	// ResponseHeaderTimeout bounds the wait for an origin's response head.
	ResponseHeaderTimeout time.Duration
	// DisableHTTP2 keeps outbound connections on HTTP/1.1.
	DisableHTTP2 bool
	// DialContext overrides the default dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTransport returns the outbound transport used when Options.Transport is
// nil. It never consults proxy environment variables, never follows
// redirects and never adds or removes content encodings.
func NewTransport(opts TransportOptions) (*http.Transport, error) {
	dial := opts.DialContext
	if dial == nil {
		dial = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	t := &http.Transport{
		DialContext: dial,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator choice
			RootCAs:            opts.RootCAs,
			MinVersion:         tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableCompression:    true,
	}

	if !opts.DisableHTTP2 {
		if _, err := http2.ConfigureTransports(t); err != nil {
			return nil, xerrors.Errorf("configure http2 transport: %w", err)
		}
	}

	return t, nil
}
