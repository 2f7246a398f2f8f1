//go:build unix

package discovery

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func socketControl(opts socketOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if opts.reuseAddr {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
			}
			// Broadcast sends are refused unless explicitly allowed.
			if opts.broadcast {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// readPending performs a single non-blocking receive on conn. errNoData is returned
// if nothing is waiting.
func readPending(conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, err
	}

	var (
		n       int
		from    unix.Sockaddr
		recvErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		n, from, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	if recvErr != nil {
		if errors.Is(recvErr, unix.EAGAIN) || errors.Is(recvErr, unix.EWOULDBLOCK) || errors.Is(recvErr, unix.EINTR) {
			return 0, nil, errNoData
		}
		return 0, nil, recvErr
	}
	return n, sockaddrToUDP(from), nil
}

func sockaddrToUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, addr.Addr[:])
		return &net.UDPAddr{IP: ip, Port: addr.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, addr.Addr[:])
		return &net.UDPAddr{IP: ip, Port: addr.Port}
	}
	return &net.UDPAddr{}
}
