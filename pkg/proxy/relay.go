package proxy

import (
	"context"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pshima/interlope/pkg/intercept"
)

// relay copies bytes between client and upstream until either side closes
// or the proxy drains. Both sockets are closed together.
func (c *conn) relay(client, upstream net.Conn, s *intercept.Session, authority string) {
	p := c.p

	ctx, cancel := context.WithCancel(p.drainCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var sent, received atomic.Int64
	size := p.opts.Server.BufferSize

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		n, err := io.CopyBuffer(upstream, client, make([]byte, size))
		sent.Store(n)
		return err
	})
	g.Go(func() error {
		defer cancel()
		n, err := io.CopyBuffer(client, upstream, make([]byte, size))
		received.Store(n)
		return err
	})
	err := g.Wait()

	if err != nil && !isClosedConn(err) {
		p.logger.Debug("Tunnel relay error",
			"session", s.ID,
			"error", &ConnectionError{Op: "relay", Peer: authority, Err: err},
		)
	}
	p.logger.Debug("Tunnel closed",
		"session", s.ID,
		"authority", authority,
		"bytes_sent", sent.Load(),
		"bytes_received", received.Load(),
	)
}
