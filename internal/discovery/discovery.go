// Package discovery implements the UDP broadcast protocol used by clients to find
// chat servers on the local network.
//
// A client's Scanner broadcasts a one byte probe to the well-known discovery port and
// collects the ServerInfo replies sent back by each server's Responder. Both sides
// only ever perform non-blocking reads so that they can share a single event loop
// with the session transport.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dcrodman/lanchat/internal/packets"
)

var (
	// ErrBind is returned when a discovery socket can't be created or bound.
	ErrBind = errors.New("discovery socket unavailable")
	// ErrMalformedReply is returned by a scan that received a reply of the wrong size.
	ErrMalformedReply = packets.ErrMalformedReply

	errNoData = errors.New("no datagram pending")
)

type socketOptions struct {
	reuseAddr bool
	broadcast bool
}

// listenUDP opens an IPv4 UDP socket on address with the requested options applied
// before binding.
func listenUDP(ctx context.Context, address string, opts socketOptions) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: socketControl(opts)}
	pc, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	return pc.(*net.UDPConn), nil
}
