package proxy

import (
	"context"
	"net"
	"time"
)

// TCPProber checks a proxy by opening a TCP connection to its address. It
// proves the endpoint is reachable, not that the proxy protocol works, which
// is enough to detect dead hosts and closed ports.
type TCPProber struct {
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context, address, protocol string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}
