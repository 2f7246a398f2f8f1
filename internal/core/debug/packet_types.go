package debug

import (
	"encoding/binary"

	"github.com/dcrodman/lanchat/internal/packets"
)

var framePacketNames = map[uint8]string{
	packets.HelloType:   "Hello",
	packets.WelcomeType: "Welcome",
	packets.RejectType:  "Reject",
	packets.DataType:    "Data",
	packets.PingType:    "Ping",
	packets.ByeType:     "Bye",
}

// PacketName makes a best effort guess at what data is based on its shape. Discovery
// datagrams are identified by size, anything else is treated as a transport frame.
func PacketName(data []byte) string {
	switch {
	case len(data) == 1:
		return "DiscoveryProbe"
	case len(data) == packets.ServerInfoSize:
		return "ServerInfo"
	case len(data) >= packets.SessionHeaderSize:
		if int(binary.BigEndian.Uint16(data[0:2])) != len(data) {
			break
		}
		if name, ok := framePacketNames[data[2]]; ok {
			return name
		}
	}
	return "Unknown"
}
