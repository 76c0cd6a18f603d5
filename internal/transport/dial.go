package transport

import (
	"net"
	"time"
)

// Dial connects to a peer at the given TCP address (e.g. "host:port")
// within timeout. A zero timeout means no deadline.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		return net.Dial("tcp", addr)
	}
	return net.DialTimeout("tcp", addr, timeout)
}
