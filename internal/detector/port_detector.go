package detector

import (
	"net"
	"time"
)

// PortDetector reports whether something accepts TCP connections on Addr.
type PortDetector struct {
	Addr    string        // host:port
	Timeout time.Duration // dial timeout, default 1s
}

func (d PortDetector) Alive() (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	conn, err := net.DialTimeout("tcp", d.Addr, timeout)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d PortDetector) Describe() string { return "tcp:" + d.Addr }
