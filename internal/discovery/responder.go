package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/dcrodman/lanchat/internal/core/debug"
	"github.com/dcrodman/lanchat/internal/packets"
)

// maxProbeSize bounds how much of a probe is read. Probes are a single byte by
// convention but anything arriving on the port counts as one.
const maxProbeSize = 1500

// Responder answers discovery probes on behalf of a session host.
type Responder struct {
	Logger *logrus.Logger
	// Destination for packet dumps. Nil disables packet logging.
	PacketLog io.Writer

	hostname string
	conn     *net.UDPConn
	buf      []byte
}

// NewResponder binds a responder to the discovery port on all interfaces. hostname
// is advertised in every reply; if it's empty the machine's hostname is used. The
// name is sent as given apart from being put in Unicode normal form C, so that
// scanners comparing names byte for byte see one spelling of it.
func NewResponder(port int, hostname string, logger *logrus.Logger) (*Responder, error) {
	conn, err := listenUDP(context.Background(), fmt.Sprintf(":%d", port), socketOptions{reuseAddr: true})
	if err != nil {
		return nil, err
	}

	if hostname == "" {
		// Not fatal, replies fall back to the session host's IP.
		hostname, _ = os.Hostname()
	}

	return &Responder{
		Logger:   logger,
		hostname: norm.NFC.String(hostname),
		conn:     conn,
		buf:      make([]byte, maxProbeSize),
	}, nil
}

// Addr returns the local address the responder is bound to.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Hostname returns the name advertised in replies.
func (r *Responder) Hostname() string {
	return r.hostname
}

// PollOnce checks whether a probe is waiting without blocking. If one is, it's
// answered with a ServerInfo naming the host and port of sessionAddr. At most one
// probe is handled per call.
func (r *Responder) PollOnce(sessionAddr *net.UDPAddr) error {
	if r.conn == nil {
		return net.ErrClosed
	}

	n, from, err := readPending(r.conn, r.buf)
	if errors.Is(err, errNoData) {
		return nil
	} else if err != nil {
		return fmt.Errorf("error receiving probe: %w", err)
	}

	debug.PrintPacket(debug.PrintPacketParams{
		Writer:      r.PacketLog,
		Component:   "DISCOVERY",
		Source:      from.String(),
		Destination: r.conn.LocalAddr().String(),
		Data:        r.buf[:n],
	})
	r.Logger.Infof("[DISCOVERY] received probe (%d bytes) from %s", n, from)

	hostname := r.hostname
	if hostname == "" {
		hostname = sessionAddr.IP.String()
	}
	info := packets.NewServerInfo(hostname, uint16(sessionAddr.Port))
	reply := info.Encode()

	if _, err := r.conn.WriteToUDP(reply, from); err != nil {
		return fmt.Errorf("error replying to scanner %s: %w", from, err)
	}

	debug.PrintPacket(debug.PrintPacketParams{
		Writer:      r.PacketLog,
		Component:   "DISCOVERY",
		Source:      r.conn.LocalAddr().String(),
		Destination: from.String(),
		Data:        reply,
	})
	return nil
}

// Close shuts down the discovery socket. Calling Close more than once is a no-op.
func (r *Responder) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
