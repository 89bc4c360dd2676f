package pool

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Prober measures the reachability latency of one endpoint.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (time.Duration, error)
}

// TCPProber measures the wall time of a TCP connect. The caller bounds
// each probe with a context deadline.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, host string, port int) (time.Duration, error) {
	var dialer net.Dialer

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()

	return elapsed, nil
}
