// Package client implements the chat client's event loop.
//
// The client finds a server (by scanning the LAN or from a configured address),
// connects to it and then alternates between the console and the session: every
// tick reads at most one key, sends the line being typed once Enter is pressed and
// prints at most one line received from the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/lanchat/internal/core"
	"github.com/dcrodman/lanchat/internal/discovery"
	"github.com/dcrodman/lanchat/internal/packets"
	"github.com/dcrodman/lanchat/internal/transport"
)

// ErrNoServerFound is returned when a scan finished without any server replying.
var ErrNoServerFound = errors.New("server not found")

const (
	// Longest line that can be typed, not counting the terminator.
	maxLineLength = 255
	chatChannel   = 0

	keyCtrlC     = 0x03
	keyBackspace = 0x08
	keyDelete    = 0x7F
)

// State is the lifecycle stage of a Client.
type State int

const (
	Connecting State = iota
	Connected
	Closing
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Client is a chat client. It isn't safe for concurrent use.
type Client struct {
	Config  *core.Config
	Logger  *logrus.Logger
	Console Console
	// Select picks which of several discovered servers to join and returns its
	// index. If nil the user is asked on the Console.
	Select func(ctx context.Context, servers []discovery.Server) (int, error)
	// Destination for packet dumps when packet logging is enabled. Defaults to stdout.
	PacketLog io.Writer

	state      State
	host       sessionHost
	peer       *transport.Peer
	line       []byte
	pollErrors int
}

// sessionHost is the part of a transport.Host the event loop drives.
type sessionHost interface {
	Poll(timeout time.Duration) (*transport.Event, error)
	Destroy()
}

// Run connects to a server and runs the event loop until the user quits, the
// server goes away or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Serve(ctx)
}

// Connect finds a server and opens a session to it, then sends the greeting. Any
// failure is fatal and leaves the client Stopped.
func (c *Client) Connect(ctx context.Context) error {
	if c.state != Connecting {
		return fmt.Errorf("client can't connect from state %v", c.state)
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	addr, err := c.findServer(ctx)
	if err != nil {
		c.state = Stopped
		return err
	}

	host := transport.NewClientHost(transport.Options{
		ConnectTimeout: c.Config.Client.ConnectTimeout,
		IdleTimeout:    c.Config.Transport.IdleTimeout,
		PingInterval:   c.Config.Transport.PingInterval,
		WriteTimeout:   c.Config.Transport.WriteTimeout,
		Logger:         c.Logger,
		PacketLog:      c.packetLog(),
	})
	peer, err := host.Connect(addr, c.Config.Server.Channels)
	if err != nil {
		host.Destroy()
		c.state = Stopped
		return err
	}

	c.host = host
	c.peer = peer
	c.state = Connected
	c.Logger.Infof("[CLIENT] connected to %s as client %d", addr, peer.ID)
	c.printf("Connected to %s\n", addr)

	if greeting := c.Config.Client.Greeting; greeting != "" {
		c.send(greeting)
	}
	return nil
}

// findServer returns the session address to connect to.
func (c *Client) findServer(ctx context.Context) (string, error) {
	if addr := c.Config.Client.ConnectAddress; addr != "" {
		return addr, nil
	}

	target := net.ParseIP(c.Config.Discovery.BroadcastAddress)
	if target == nil {
		c.Logger.Warnf("[CLIENT] invalid broadcast address %q, using %v",
			c.Config.Discovery.BroadcastAddress, net.IPv4bcast)
	}
	scanner := &discovery.Scanner{
		Port:       c.Config.Discovery.Port,
		Target:     target,
		Ticks:      c.Config.Discovery.ScanTicks,
		Interval:   c.Config.Discovery.ScanInterval,
		MaxServers: c.Config.Discovery.MaxServers,
		Logger:     c.Logger,
		PacketLog:  c.packetLog(),
	}

	servers, err := scanner.Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("error scanning for servers: %w", err)
	}

	choice := 0
	switch len(servers) {
	case 0:
		return "", ErrNoServerFound
	case 1:
	default:
		if choice, err = c.chooseServer(ctx, servers); err != nil {
			return "", err
		}
	}

	server := servers[choice]
	c.printf("Found server %s\n", server)
	return server.SessionAddr().String(), nil
}

func (c *Client) chooseServer(ctx context.Context, servers []discovery.Server) (int, error) {
	selectFn := c.Select
	if selectFn == nil {
		selectFn = c.promptForServer
	}
	choice, err := selectFn(ctx, servers)
	if err != nil {
		return 0, fmt.Errorf("no server selected: %w", err)
	}
	if choice < 0 || choice >= len(servers) {
		return 0, fmt.Errorf("no server selected: index %d out of range", choice)
	}
	return choice, nil
}

// promptForServer lists servers on the console and waits for the user to type the
// number of one of them.
func (c *Client) promptForServer(ctx context.Context, servers []discovery.Server) (int, error) {
	for i, s := range servers {
		c.printf("[%d] %s\n", i, s)
	}

	for {
		c.printf("Select a server: ")
		var typed []byte
		for {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}

			key, ok, err := c.Console.ReadKey()
			if err != nil {
				return 0, err
			}
			if !ok {
				time.Sleep(c.Config.Client.TickInterval)
				continue
			}
			if key == keyCtrlC {
				return 0, errors.New("interrupted")
			}
			if key == '\r' || key == '\n' {
				break
			}
			typed = c.edit(typed, key)
		}
		c.printf("\n")

		choice, err := strconv.Atoi(strings.TrimSpace(string(typed)))
		if err == nil && choice >= 0 && choice < len(servers) {
			return choice, nil
		}
		c.printf("Enter a number between 0 and %d\n", len(servers)-1)
	}
}

// Serve runs the event loop of a connected client and closes it on the way out.
func (c *Client) Serve(ctx context.Context) error {
	if c.state != Connected {
		return fmt.Errorf("client can't serve from state %v", c.state)
	}
	defer c.Close()

	for c.state == Connected {
		select {
		case <-ctx.Done():
			c.state = Closing
			return nil
		default:
		}

		if err := c.Tick(); err != nil {
			return err
		}
		time.Sleep(c.Config.Client.TickInterval)
	}
	return nil
}

// Tick performs one iteration of the event loop: handle at most one key press and
// then at most one transport event.
func (c *Client) Tick() error {
	if err := c.handleInput(); err != nil {
		return err
	}
	if c.state != Connected {
		return nil
	}

	event, err := c.host.Poll(0)
	if err != nil {
		c.pollErrors++
		c.Logger.Errorf("[CLIENT] %v", err)
		if c.pollErrors >= c.Config.Transport.MaxPollErrors {
			c.state = Closing
			return err
		}
		return nil
	}
	c.pollErrors = 0

	if event == nil {
		return nil
	}
	switch event.Type {
	case transport.EventReceive:
		c.printf("%s\n", packets.DecodeChat(event.Data))
	case transport.EventDisconnect:
		c.printf("Lost connection with server\n")
		c.state = Closing
	}
	return nil
}

func (c *Client) handleInput() error {
	key, ok, err := c.Console.ReadKey()
	if errors.Is(err, io.EOF) {
		c.Logger.Debug("[CLIENT] console input ended")
		c.state = Closing
		return nil
	} else if err != nil {
		return fmt.Errorf("error reading console: %w", err)
	}
	if !ok {
		return nil
	}

	switch key {
	case '\r', '\n':
		c.submit()
	case keyCtrlC:
		c.printf("\n")
		c.state = Closing
	default:
		c.line = c.edit(c.line, key)
	}
	return nil
}

// edit applies a key press to a line being typed, echoing the result.
func (c *Client) edit(line []byte, key byte) []byte {
	switch {
	case key == keyBackspace || key == keyDelete:
		if len(line) > 0 {
			line = line[:len(line)-1]
			c.printf("\b \b")
		}
	case key >= 0x20 && len(line) < maxLineLength:
		line = append(line, key)
		c.printf("%c", key)
	}
	return line
}

func (c *Client) submit() {
	line := string(c.line)
	c.line = c.line[:0]
	c.printf("\n")

	switch line {
	case "quit", "exit":
		c.state = Closing
	case "":
	default:
		c.send(line)
	}
}

func (c *Client) send(line string) {
	if err := c.peer.Send(chatChannel, packets.EncodeChat(line)); err != nil {
		c.Logger.Warnf("[CLIENT] error sending message: %v", err)
	}
}

// State returns the client's lifecycle stage.
func (c *Client) State() State {
	return c.state
}

// PeerID returns the id the server assigned to this client.
func (c *Client) PeerID() uint16 {
	if c.peer == nil {
		return 0
	}
	return c.peer.ID
}

// Close disconnects from the server without waiting and releases the session.
// Calling Close more than once is a no-op.
func (c *Client) Close() {
	if c.state == Stopped {
		return
	}
	c.state = Closing

	if c.host != nil {
		c.printf("Client closing\n")
		c.peer.DisconnectNow()
		c.host.Destroy()
	}
	c.state = Stopped
}

func (c *Client) printf(format string, args ...interface{}) {
	if c.Console == nil {
		return
	}
	if _, err := fmt.Fprintf(c.Console, format, args...); err != nil {
		c.Logger.Warnf("[CLIENT] error writing to console: %v", err)
	}
}

func (c *Client) packetLog() io.Writer {
	if !c.Config.Debugging.PacketLoggingEnabled {
		return nil
	}
	if c.PacketLog != nil {
		return c.PacketLog
	}
	return os.Stdout
}
