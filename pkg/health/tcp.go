package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker is healthy once Address accepts a connection
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: time.Second}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return result(start, false, err, "dial %s", t.Address)
	}
	conn.Close()
	return result(start, true, nil, "%s accepts connections", t.Address)
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout bounds each dial
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
