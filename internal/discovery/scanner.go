package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/lanchat/internal/core/debug"
	"github.com/dcrodman/lanchat/internal/packets"
)

// Server is one reply received during a scan.
type Server struct {
	Info packets.ServerInfo
	// Address the reply came from. Its port is ephemeral and is not the session port.
	Origin *net.UDPAddr
}

// SessionAddr returns the address to connect to: the reply's origin IP combined with
// the session port the server advertised.
func (s Server) SessionAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: s.Origin.IP, Port: int(s.Info.Port)}
}

func (s Server) String() string {
	return fmt.Sprintf("'%s' at %s", s.Info.Name(), s.SessionAddr())
}

// Scanner looks for servers by broadcasting a probe and collecting replies for a
// fixed number of ticks.
type Scanner struct {
	// Discovery port the probe is sent to.
	Port int
	// Probe destination. Defaults to the limited broadcast address.
	Target net.IP
	// Number of ticks to wait for replies and the length of each tick.
	Ticks    int
	Interval time.Duration
	// Replies beyond this many are ignored.
	MaxServers int

	Logger *logrus.Logger
	// Destination for packet dumps. Nil disables packet logging.
	PacketLog io.Writer
}

// Scan broadcasts a probe and returns every server that replied within the scan
// window, in the order the replies arrived. An empty result is not an error. A reply
// that doesn't decode fails the whole scan with ErrMalformedReply since it means
// something on the network is speaking a different protocol on our port.
func (s *Scanner) Scan(ctx context.Context) ([]Server, error) {
	conn, err := listenUDP(ctx, ":0", socketOptions{broadcast: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.Logger.Warnf("[DISCOVERY] failed to close scan socket: %v", err)
		}
	}()

	target := &net.UDPAddr{IP: s.Target, Port: s.Port}
	if target.IP == nil {
		target.IP = net.IPv4bcast
	}

	probe := packets.Probe()
	if _, err := conn.WriteToUDP(probe, target); err != nil {
		return nil, fmt.Errorf("error sending probe to %s: %w", target, err)
	}
	debug.PrintPacket(debug.PrintPacketParams{
		Writer:      s.PacketLog,
		Component:   "DISCOVERY",
		Source:      conn.LocalAddr().String(),
		Destination: target.String(),
		Data:        probe,
	})

	// Origins already answered during this window. Entries expire with the window
	// and the janitor is disabled since the cache dies with the scan.
	seen := gocache.New(time.Duration(s.Ticks)*s.Interval, 0)
	// One extra byte so that oversized replies are detected rather than truncated.
	buf := make([]byte, packets.ServerInfoSize+1)

	var servers []Server
	for tick := 0; tick < s.Ticks && len(servers) < s.MaxServers; tick++ {
		s.Logger.Info("[DISCOVERY] scanning for server...")

		// Drain everything that's arrived since the last tick.
		for len(servers) < s.MaxServers {
			n, from, err := readPending(conn, buf)
			if errors.Is(err, errNoData) {
				break
			} else if err != nil {
				return nil, fmt.Errorf("error receiving scan reply: %w", err)
			}

			debug.PrintPacket(debug.PrintPacketParams{
				Writer:      s.PacketLog,
				Component:   "DISCOVERY",
				Source:      from.String(),
				Destination: conn.LocalAddr().String(),
				Data:        buf[:n],
			})

			info, err := packets.DecodeServerInfo(buf[:n])
			if err != nil {
				return nil, fmt.Errorf("unexpected reply from %s: %w", from, err)
			}

			if _, found := seen.Get(from.String()); found {
				continue
			}
			seen.SetDefault(from.String(), struct{}{})

			server := Server{Info: info, Origin: from}
			servers = append(servers, server)
			s.Logger.Infof("[DISCOVERY] found server %s", server)
		}

		if len(servers) >= s.MaxServers {
			break
		}

		select {
		case <-ctx.Done():
			return servers, ctx.Err()
		case <-time.After(s.Interval):
		}
	}

	return servers, nil
}
