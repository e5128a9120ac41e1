package balancer

import (
	"context"
	"net"
	"time"
)

// TCPHealthCheck marks a backend healthy when a TCP connection to it can be
// established within Timeout.
type TCPHealthCheck struct {
	Timeout time.Duration
}

// NewTCPHealthCheck returns a TCP check. A zero timeout means one second.
func NewTCPHealthCheck(timeout time.Duration) *TCPHealthCheck {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &TCPHealthCheck{Timeout: timeout}
}

// Check dials the backend.
func (t *TCPHealthCheck) Check(ctx context.Context, b Backend) error {
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", b.Resolved)
	if err != nil {
		return err
	}
	return conn.Close()
}
