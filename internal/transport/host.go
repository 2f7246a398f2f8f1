package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/dcrodman/lanchat/internal/core/debug"
	"github.com/dcrodman/lanchat/internal/packets"
)

type inbound struct {
	peer   *Peer
	header packets.SessionHeader
	frame  []byte
	err    error
}

// Host is a transport endpoint: either a server accepting up to a fixed number of
// peers or a client holding the single peer it connected to.
type Host struct {
	opts     Options
	listener *kcp.Listener
	channels int

	// Connected peers indexed by id. A nil entry is a free slot.
	slots []*Peer
	// Every peer with an open session, connected or still handshaking.
	sessions map[*Peer]struct{}

	accepted chan *kcp.UDPSession
	inbound  chan inbound
	failures chan error
	done     chan struct{}
	wg       sync.WaitGroup

	// Connected peers dropped outside of Poll, waiting to be reported.
	lost []*Peer
	// Set once the listener has failed. Every later Poll reports it.
	failed    error
	lastPing  time.Time
	destroyed bool
}

func newHost(maxPeers, channels int, opts Options) *Host {
	return &Host{
		opts:     opts.withDefaults(),
		channels: channels,
		slots:    make([]*Peer, maxPeers),
		sessions: make(map[*Peer]struct{}),
		accepted: make(chan *kcp.UDPSession, 16),
		inbound:  make(chan inbound, 256),
		failures: make(chan error, 1),
		done:     make(chan struct{}),
		lastPing: time.Now(),
	}
}

// NewClientHost creates a host that can connect to a single server.
func NewClientHost(opts Options) *Host {
	return newHost(1, 0, opts)
}

// NewServerHost reserves bindAddress and starts accepting sessions for up to
// maxPeers peers, each with the given number of channels.
func NewServerHost(bindAddress string, maxPeers, channels int, opts Options) (*Host, error) {
	if maxPeers <= 0 || channels <= 0 || channels > 0xFF {
		return nil, fmt.Errorf("%w: invalid limits (%d peers, %d channels)", ErrBindFailed, maxPeers, channels)
	}

	listener, err := kcp.ListenWithOptions(bindAddress, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBindFailed, bindAddress, err)
	}

	h := newHost(maxPeers, channels, opts)
	h.listener = listener

	h.wg.Add(1)
	go h.acceptLoop()

	return h, nil
}

// Addr returns the local address a server host is bound to, or nil for client hosts.
func (h *Host) Addr() *net.UDPAddr {
	if h.listener == nil {
		return nil
	}
	addr, _ := h.listener.Addr().(*net.UDPAddr)
	return addr
}

// Peers returns the currently connected peers ordered by id.
func (h *Host) Peers() []*Peer {
	var peers []*Peer
	for _, p := range h.slots {
		if p != nil {
			peers = append(peers, p)
		}
	}
	return peers
}

// Connect opens a session to address and blocks until the server confirms it, the
// server rejects it or the connect timeout expires.
func (h *Host) Connect(address string, channels int) (*Peer, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}
	if channels <= 0 || channels > 0xFF {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrConnectFailed, channels)
	}

	session, err := kcp.DialWithOptions(address, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, address, err)
	}
	p := h.track(session)

	hello, err := packets.EncodeStruct(&packets.Hello{
		Header:   packets.SessionHeader{Type: packets.HelloType},
		Channels: uint8(channels),
	})
	if err == nil {
		err = p.write(hello)
	}
	if err != nil {
		h.release(p)
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	timer := time.NewTimer(h.opts.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			h.release(p)
			return nil, fmt.Errorf("%w: %s: no reply within %v", ErrConnectFailed, address, h.opts.ConnectTimeout)
		case in := <-h.inbound:
			if in.peer != p {
				continue
			}
			if in.err != nil {
				h.release(p)
				return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, address, in.err)
			}
			h.logFrame(in)

			switch in.header.Type {
			case packets.WelcomeType:
				var welcome packets.Welcome
				if err := packets.DecodeStruct(in.frame, &welcome); err != nil {
					h.release(p)
					return nil, fmt.Errorf("%w: bad welcome: %v", ErrConnectFailed, err)
				}
				if welcome.Channels == 0 || int(welcome.Channels) > channels {
					h.release(p)
					return nil, fmt.Errorf("%w: server granted %d channels, asked for %d", ErrConnectFailed, welcome.Channels, channels)
				}
				p.ID = welcome.PeerID
				p.state = peerConnected
				p.channels = int(welcome.Channels)
				h.slots[0] = p
				return p, nil
			case packets.RejectType:
				h.release(p)
				return nil, fmt.Errorf("%w: %s: rejected by server", ErrConnectFailed, address)
			}
		}
	}
}

// Poll services the host, returning the next event or nil if nothing happened
// within timeout. A zero timeout never blocks. Frames that don't produce an event
// (handshakes, pings) are handled internally.
func (h *Host) Poll(timeout time.Duration) (*Event, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}
	if h.failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceFailed, h.failed)
	}
	h.keepAlive()

	if len(h.lost) > 0 {
		p := h.lost[0]
		h.lost = h.lost[1:]
		return &Event{Type: EventDisconnect, Peer: p}, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		// Everything already queued is handled before considering the timeout.
		select {
		case err := <-h.failures:
			h.failed = err
			return nil, fmt.Errorf("%w: %v", ErrServiceFailed, err)
		case session := <-h.accepted:
			h.track(session)
			continue
		case in := <-h.inbound:
			if ev := h.handle(in); ev != nil {
				return ev, nil
			}
			continue
		default:
		}

		if expired == nil {
			return nil, nil
		}

		select {
		case err := <-h.failures:
			h.failed = err
			return nil, fmt.Errorf("%w: %v", ErrServiceFailed, err)
		case session := <-h.accepted:
			h.track(session)
		case in := <-h.inbound:
			if ev := h.handle(in); ev != nil {
				return ev, nil
			}
		case <-expired:
			return nil, nil
		}
	}
}

// Broadcast sends data on channel to every connected peer. Every peer is attempted
// even if sending to one of them fails; the first error is returned.
func (h *Host) Broadcast(channel uint8, data []byte) error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	var firstErr error
	for _, p := range h.Peers() {
		if err := p.Send(channel, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy disconnects every peer and releases the host's sockets and goroutines.
// Calling Destroy more than once is a no-op.
func (h *Host) Destroy() {
	if h.destroyed {
		return
	}
	h.destroyed = true

	for p := range h.sessions {
		p.DisconnectNow()
	}

	close(h.done)
	if h.listener != nil {
		_ = h.listener.Close()
	}
	h.wg.Wait()

	// Sessions accepted after the last Poll never made it to a Peer.
	for {
		select {
		case session := <-h.accepted:
			_ = session.Close()
		default:
			return
		}
	}
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()

	for {
		session, err := h.listener.AcceptKCP()
		if err != nil {
			select {
			case <-h.done:
			case h.failures <- err:
			}
			return
		}

		select {
		case h.accepted <- session:
		case <-h.done:
			_ = session.Close()
			return
		}
	}
}

// track wraps a new session in a pending Peer and starts reading from it.
func (h *Host) track(session *kcp.UDPSession) *Peer {
	p := newPeer(h, session)
	h.sessions[p] = struct{}{}

	h.wg.Add(1)
	go p.readLoop(session)
	return p
}

// release closes a peer's session and frees its slot.
func (h *Host) release(p *Peer) {
	// A client's only peer sits in slot 0 whatever id the server gave it.
	for i, occupant := range h.slots {
		if occupant == p {
			h.slots[i] = nil
		}
	}
	p.state = peerClosed
	delete(h.sessions, p)
	_ = p.session.Close()
}

// lose drops a connected peer that can no longer be written to. Its disconnect is
// reported by the next Poll.
func (h *Host) lose(p *Peer, err error) {
	if p.state != peerConnected {
		h.release(p)
		return
	}
	h.opts.Logger.Debugf("[TRANSPORT] lost peer %d (%v): %v", p.ID, p.RemoteAddr(), err)
	h.release(p)
	h.lost = append(h.lost, p)
}

func (h *Host) handle(in inbound) *Event {
	p := in.peer
	if p.state == peerClosed {
		return nil
	}

	if in.err != nil {
		wasConnected := p.state == peerConnected
		h.release(p)
		if wasConnected {
			h.opts.Logger.Debugf("[TRANSPORT] lost peer %d (%v): %v", p.ID, p.RemoteAddr(), in.err)
			return &Event{Type: EventDisconnect, Peer: p}
		}
		return nil
	}
	h.logFrame(in)

	switch in.header.Type {
	case packets.HelloType:
		if p.state == peerPending && h.listener != nil {
			return h.establish(p, in.frame)
		}
	case packets.DataType:
		if p.state != peerConnected {
			return nil
		}
		if int(in.header.Channel) >= p.channels {
			h.opts.Logger.Warnf("[TRANSPORT] peer %d sent data on invalid channel %d", p.ID, in.header.Channel)
			return nil
		}
		return &Event{
			Type:    EventReceive,
			Peer:    p,
			Channel: in.header.Channel,
			Data:    in.frame[packets.SessionHeaderSize:],
		}
	case packets.ByeType:
		if p.state == peerConnected {
			h.release(p)
			return &Event{Type: EventDisconnect, Peer: p}
		}
		h.release(p)
	}
	return nil
}

// establish answers a Hello by assigning the lowest free slot to the peer, or
// rejecting it if the host is full.
func (h *Host) establish(p *Peer, frame []byte) *Event {
	var hello packets.Hello
	if err := packets.DecodeStruct(frame, &hello); err != nil || hello.Channels == 0 {
		h.release(p)
		return nil
	}
	// Peers get as many channels as they asked for, up to the host's limit.
	channels := h.channels
	if int(hello.Channels) < channels {
		channels = int(hello.Channels)
	}

	slot := -1
	for i, occupant := range h.slots {
		if occupant == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		h.opts.Logger.Warnf("[TRANSPORT] rejected %v: all %d slots in use", p.RemoteAddr(), len(h.slots))
		if reject, err := packets.EncodeFrame(packets.RejectType, 0, nil); err == nil {
			_ = p.writeWithin(reject, 0)
		}
		h.release(p)
		return nil
	}

	welcome, err := packets.EncodeStruct(&packets.Welcome{
		Header:   packets.SessionHeader{Type: packets.WelcomeType},
		PeerID:   uint16(slot),
		Channels: uint8(channels),
	})
	if err == nil {
		err = p.write(welcome)
	}
	if err != nil {
		h.opts.Logger.Warnf("[TRANSPORT] failed to welcome %v: %v", p.RemoteAddr(), err)
		h.release(p)
		return nil
	}

	p.ID = uint16(slot)
	p.state = peerConnected
	p.channels = channels
	h.slots[slot] = p
	return &Event{Type: EventConnect, Peer: p}
}

// keepAlive pings every connected peer once per ping interval so that idle sessions
// aren't mistaken for lost ones.
func (h *Host) keepAlive() {
	if time.Since(h.lastPing) < h.opts.PingInterval {
		return
	}
	h.lastPing = time.Now()

	ping, err := packets.EncodeFrame(packets.PingType, 0, nil)
	if err != nil {
		return
	}
	for _, p := range h.Peers() {
		if err := p.write(ping); err != nil {
			h.lose(p, err)
		}
	}
}

func (h *Host) logFrame(in inbound) {
	debug.PrintPacket(debug.PrintPacketParams{
		Writer:      h.opts.PacketLog,
		Component:   "TRANSPORT",
		Source:      in.peer.session.RemoteAddr().String(),
		Destination: in.peer.session.LocalAddr().String(),
		Data:        in.frame,
	})
}
