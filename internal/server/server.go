// Package server implements the chat server's event loop.
//
// A single goroutine owns both the discovery responder and the session host and
// alternates between them: every tick answers at most one pending probe, services at
// most one transport event and then yields for a moment. Transport events are turned
// into chat notices that are broadcast to every connected peer, the sender included.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/lanchat/internal/core"
	"github.com/dcrodman/lanchat/internal/discovery"
	"github.com/dcrodman/lanchat/internal/packets"
	"github.com/dcrodman/lanchat/internal/transport"
)

// ErrTooManyPollErrors is returned by Serve when the session host kept failing on
// consecutive ticks.
var ErrTooManyPollErrors = errors.New("session host failed repeatedly")

// chatChannel carries every chat line and notice.
const chatChannel = 0

// State is the lifecycle stage of a Server.
type State int

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Server is the chat server. It isn't safe for concurrent use: after Start, only
// the goroutine running Serve may touch it until Serve returns.
type Server struct {
	Config *core.Config
	Logger *logrus.Logger
	// Destination for packet dumps when packet logging is enabled. Defaults to stdout.
	PacketLog io.Writer

	state       State
	responder   *discovery.Responder
	host        sessionHost
	sessionAddr *net.UDPAddr
	pollErrors  int
}

// sessionHost is the part of a transport.Host the event loop drives.
type sessionHost interface {
	Poll(timeout time.Duration) (*transport.Event, error)
	Broadcast(channel uint8, data []byte) error
	Destroy()
}

// Run starts the server and services it until ctx is cancelled or the session host
// fails for good. Everything acquired is released before Run returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Start binds the discovery responder and creates the session host. If either fails
// whatever was already acquired is released and the server moves to Stopped.
func (s *Server) Start() error {
	if s.state != Starting {
		return fmt.Errorf("server can't be started from state %v", s.state)
	}
	if s.Logger == nil {
		s.Logger = logrus.StandardLogger()
	}

	var packetLog io.Writer
	if s.Config.Debugging.PacketLoggingEnabled {
		packetLog = s.PacketLog
		if packetLog == nil {
			packetLog = os.Stdout
		}
	}

	responder, err := discovery.NewResponder(s.Config.Discovery.Port, s.Config.Discovery.AdvertisedHostname, s.Logger)
	if err != nil {
		s.state = Stopped
		return fmt.Errorf("error starting discovery responder: %w", err)
	}
	responder.PacketLog = packetLog

	host, err := transport.NewServerHost(
		s.Config.SessionAddress(),
		s.Config.Server.MaxPeers,
		s.Config.Server.Channels,
		transport.Options{
			IdleTimeout:  s.Config.Transport.IdleTimeout,
			PingInterval: s.Config.Transport.PingInterval,
			WriteTimeout: s.Config.Transport.WriteTimeout,
			Logger:       s.Logger,
			PacketLog:    packetLog,
		},
	)
	if err != nil {
		_ = responder.Close()
		s.state = Stopped
		return fmt.Errorf("error creating session host: %w", err)
	}

	s.responder = responder
	s.host = host
	s.sessionAddr = host.Addr()
	s.state = Running

	s.Logger.Infof("[SERVER] answering discovery probes on port %d as '%s'", responder.Addr().Port, responder.Hostname())
	s.Logger.Infof("[SERVER] waiting for connections on %v", s.sessionAddr)
	return nil
}

// Serve runs the event loop of a started server. Cancelling ctx drains and stops it
// at the start of the next tick.
func (s *Server) Serve(ctx context.Context) error {
	if s.state != Running {
		return fmt.Errorf("server can't serve from state %v", s.state)
	}
	defer s.Shutdown()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("[SERVER] shutting down")
			return nil
		default:
		}

		if err := s.Tick(); err != nil {
			return err
		}
		time.Sleep(s.Config.Server.TickInterval)
	}
}

// Tick performs one iteration of the event loop: answer at most one discovery probe
// and then handle at most one transport event. An error means the server can't keep
// running and is now Draining.
func (s *Server) Tick() error {
	if err := s.responder.PollOnce(s.sessionAddr); err != nil {
		s.Logger.Warnf("[DISCOVERY] %v", err)
	}

	event, err := s.host.Poll(0)
	if err != nil {
		s.pollErrors++
		s.Logger.Errorf("[SERVER] %v", err)
		if s.pollErrors >= s.Config.Transport.MaxPollErrors {
			s.state = Draining
			return fmt.Errorf("%w: %d consecutive errors, last: %v", ErrTooManyPollErrors, s.pollErrors, err)
		}
		return nil
	}
	s.pollErrors = 0

	if event != nil {
		s.handleEvent(event)
	}
	return nil
}

func (s *Server) handleEvent(event *transport.Event) {
	switch event.Type {
	case transport.EventConnect:
		s.Logger.Debugf("[SERVER] accepted connection from %v", event.Peer.RemoteAddr())
		s.notify(fmt.Sprintf("New client connected: id %d", event.Peer.ID))
	case transport.EventReceive:
		s.notify(fmt.Sprintf("Client %d says: %s", event.Peer.ID, packets.DecodeChat(event.Data)))
	case transport.EventDisconnect:
		s.notify(fmt.Sprintf("Client %d disconnected", event.Peer.ID))
	}
}

// notify sends a notice to every connected peer.
func (s *Server) notify(notice string) {
	s.Logger.Infof("[SERVER] %s", notice)
	if err := s.host.Broadcast(chatChannel, packets.EncodeChat(notice)); err != nil {
		s.Logger.Warnf("[SERVER] failed to broadcast notice: %v", err)
	}
}

// State returns the server's lifecycle stage.
func (s *Server) State() State {
	return s.state
}

// SessionAddr returns the address the session host is bound to. Only valid once
// the server has started.
func (s *Server) SessionAddr() *net.UDPAddr {
	return s.sessionAddr
}

// DiscoveryAddr returns the address the responder is bound to. Only valid while the
// server is running.
func (s *Server) DiscoveryAddr() *net.UDPAddr {
	if s.state != Running {
		return nil
	}
	return s.responder.Addr()
}

// Shutdown closes the discovery socket and destroys the session host, disconnecting
// every peer. Calling Shutdown more than once is a no-op.
func (s *Server) Shutdown() {
	if s.state == Stopped {
		return
	}
	s.state = Draining

	if s.responder != nil {
		if err := s.responder.Close(); err != nil {
			s.Logger.Warnf("[SERVER] failed to close discovery socket: %v", err)
		}
	}
	if s.host != nil {
		s.host.Destroy()
	}

	s.state = Stopped
	s.Logger.Info("[SERVER] exited")
}
