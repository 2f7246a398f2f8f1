// Package transport provides reliable, ordered, connection-oriented messaging over UDP.
//
// Sessions are carried by KCP, which provides retransmission and ordering but has no
// notion of connecting, peer ids, channels or disconnects. Those are layered on top
// with the frames defined in the packets package: a client sends Hello, the server
// answers Welcome (carrying the id it assigned) or Reject, chat payloads travel in
// Data frames, Ping keeps idle sessions alive and Bye ends a session early.
//
// A Host is owned by a single event loop. Its accept and read pumps run in their own
// goroutines but only hand sessions and frames to the owner through channels; all
// peer bookkeeping happens inside Poll, Connect and the send methods.
package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBindFailed is returned when a server host can't reserve its address.
	ErrBindFailed = errors.New("transport bind failed")
	// ErrConnectFailed is returned when a connection attempt times out or is rejected.
	ErrConnectFailed = errors.New("connection failed")
	// ErrHostDestroyed is returned by operations on a destroyed host.
	ErrHostDestroyed = errors.New("host destroyed")
	// ErrPeerClosed is returned when sending to a peer that isn't connected.
	ErrPeerClosed = errors.New("peer not connected")
	// ErrServiceFailed is returned by Poll when the host's socket has failed.
	ErrServiceFailed = errors.New("error servicing host")
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultIdleTimeout    = 10 * time.Second
	defaultPingInterval   = 2 * time.Second
	defaultWriteTimeout   = 100 * time.Millisecond
)

// Options tune a Host. Zero values are replaced with defaults.
type Options struct {
	// How long Connect waits for the server's Welcome.
	ConnectTimeout time.Duration
	// A peer that has sent nothing for this long is disconnected.
	IdleTimeout time.Duration
	// How often connected peers are pinged.
	PingInterval time.Duration
	// How long a send may wait for room in a peer's window. A peer that stays full
	// for longer is considered lost.
	WriteTimeout time.Duration

	Logger *logrus.Logger
	// Destination for frame dumps. Nil disables packet logging.
	PacketLog io.Writer
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	return o
}

// EventType identifies what happened to a peer.
type EventType int

const (
	EventConnect EventType = iota + 1
	EventReceive
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one occurrence reported by Host.Poll.
type Event struct {
	Type EventType
	Peer *Peer
	// Channel and Data are only set for EventReceive.
	Channel uint8
	Data    []byte
}
