//go:build !unix

package discovery

import (
	"errors"
	"net"
	"syscall"
	"time"
)

// The net package already enables SO_BROADCAST on UDP sockets for these platforms
// and exposes no portable way to set SO_REUSEADDR.
func socketControl(opts socketOptions) func(network, address string, c syscall.RawConn) error {
	return nil
}

// readPending emulates a non-blocking receive with the shortest practical deadline.
func readPending(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, nil, err
	}
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, errNoData
		}
		return 0, nil, err
	}
	return n, from, nil
}
