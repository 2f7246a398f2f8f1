package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/dcrodman/lanchat/internal/core/debug"
	"github.com/dcrodman/lanchat/internal/packets"
)

// KCP window sizes, in segments.
const (
	sendWindow    = 128
	receiveWindow = 256
)

type peerState int

const (
	peerPending peerState = iota
	peerConnected
	peerClosed
)

// Peer is one end of a session as seen from the Host that owns it.
type Peer struct {
	// ID is the identifier the server assigned to this peer. On a server it's the
	// index of the peer's slot, on a client it's the id the server reported.
	ID uint16

	host    *Host
	session *kcp.UDPSession
	state   peerState
	// Number of channels agreed during the handshake.
	channels int
}

func newPeer(h *Host, session *kcp.UDPSession) *Peer {
	// Turbo mode: no delay, 10ms internal update, fast resend after 2 dup ACKs and
	// no congestion control. Chat traffic is tiny so latency matters more.
	session.SetNoDelay(1, 10, 2, 1)
	session.SetWindowSize(sendWindow, receiveWindow)
	session.SetStreamMode(true)
	return &Peer{host: h, session: session}
}

// RemoteAddr returns the address of the other end of the session.
func (p *Peer) RemoteAddr() net.Addr {
	return p.session.RemoteAddr()
}

// Connected reports whether the peer has completed its handshake and hasn't been
// disconnected since.
func (p *Peer) Connected() bool {
	return p.state == peerConnected
}

// Send queues data for reliable, in-order delivery on channel. A peer whose window
// stays full for longer than the write timeout is dropped and reported by the next
// Poll as disconnected.
func (p *Peer) Send(channel uint8, data []byte) error {
	if p.state != peerConnected {
		return ErrPeerClosed
	}
	if int(channel) >= p.channels {
		return fmt.Errorf("channel %d out of range (%d channels)", channel, p.channels)
	}
	frame, err := packets.EncodeFrame(packets.DataType, channel, data)
	if err != nil {
		return err
	}
	if err := p.write(frame); err != nil {
		p.host.lose(p, err)
		return err
	}
	return nil
}

// DisconnectNow ends the session immediately. The other side is sent a best effort
// Bye but nothing waits for it to be delivered. No disconnect event is generated
// locally. Calling DisconnectNow on a closed peer is a no-op.
func (p *Peer) DisconnectNow() {
	if p.state == peerClosed {
		return
	}
	if p.state == peerConnected {
		if frame, err := packets.EncodeFrame(packets.ByeType, 0, nil); err == nil {
			_ = p.writeWithin(frame, 0)
		}
	}
	p.host.release(p)
}

func (p *Peer) write(frame []byte) error {
	return p.writeWithin(frame, p.host.opts.WriteTimeout)
}

// writeWithin queues frame, waiting at most timeout for the peer's window to open.
// A zero timeout only writes if there's room right away.
func (p *Peer) writeWithin(frame []byte, timeout time.Duration) error {
	debug.PrintPacket(debug.PrintPacketParams{
		Writer:      p.host.opts.PacketLog,
		Component:   "TRANSPORT",
		Source:      p.session.LocalAddr().String(),
		Destination: p.session.RemoteAddr().String(),
		Data:        frame,
	})
	_ = p.session.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := p.session.Write(frame); err != nil {
		return fmt.Errorf("failed to send to peer %v: %w", p.session.RemoteAddr(), err)
	}
	return nil
}

// readLoop pumps frames from the session to the host until the session fails, is
// closed or stays silent for longer than the idle timeout.
func (p *Peer) readLoop(session *kcp.UDPSession) {
	h := p.host
	defer h.wg.Done()

	reader := bufio.NewReader(session)
	for {
		_ = session.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
		header, frame, err := packets.ReadFrame(reader)

		select {
		case h.inbound <- inbound{peer: p, header: header, frame: frame, err: err}:
		case <-h.done:
			return
		}
		if err != nil {
			return
		}
	}
}
