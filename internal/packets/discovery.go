// Package packets defines the wire formats exchanged between lanchat servers and clients.
package packets

import (
	"errors"
	"fmt"

	"github.com/dcrodman/lanchat/internal/core/bytes"
)

const (
	// HostnameSize is the fixed width of the hostname field in a ServerInfo.
	HostnameSize = 1024
	// ServerInfoSize is the exact number of bytes of an encoded ServerInfo.
	ServerInfoSize = HostnameSize + 2

	// ProbeByte is the conventional payload of a discovery probe. Responders
	// don't look at it.
	ProbeByte = 42
)

// ErrMalformedReply is returned when a discovery reply doesn't have the exact
// size of an encoded ServerInfo.
var ErrMalformedReply = errors.New("malformed discovery reply")

// ServerInfo is the reply a discovery responder sends to a scanning client. Numeric
// fields are in network byte order.
type ServerInfo struct {
	Hostname [HostnameSize]byte
	Port     uint16
}

// NewServerInfo builds a ServerInfo advertising hostname and the session port. Names
// longer than HostnameSize-1 bytes are truncated.
func NewServerInfo(hostname string, port uint16) ServerInfo {
	var info ServerInfo
	bytes.PutCString(info.Hostname[:], hostname)
	info.Port = port
	return info
}

// Name returns the advertised hostname without its padding.
func (s *ServerInfo) Name() string {
	return bytes.CString(s.Hostname[:])
}

// Encode returns the fixed-size wire representation of s.
func (s *ServerInfo) Encode() []byte {
	b, _, err := bytes.BytesFromStruct(s)
	if err != nil {
		// ServerInfo only has fixed-size fields.
		panic(err)
	}
	return b
}

// DecodeServerInfo parses a discovery reply. Anything that isn't exactly
// ServerInfoSize bytes long is rejected.
func DecodeServerInfo(data []byte) (ServerInfo, error) {
	var info ServerInfo
	if len(data) != ServerInfoSize {
		return info, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedReply, len(data), ServerInfoSize)
	}
	if err := bytes.StructFromBytes(data, &info); err != nil {
		return info, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return info, nil
}

// Probe returns the datagram a scanner broadcasts to find servers.
func Probe() []byte {
	return []byte{ProbeByte}
}
