// Package sniff decodes captured lanchat traffic for the sniffer tool.
//
// Discovery datagrams are dumped as they are. Session datagrams carry KCP segments
// (no encryption or FEC), so they are split into segments first and the payload of
// each data segment is dumped as a transport frame.
package sniff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dcrodman/lanchat/internal/core/debug"
)

// Size of the header in front of every KCP segment.
const SegmentHeaderSize = 24

// KCP segment commands.
const (
	CmdPush = 81
	CmdAck  = 82
	CmdWask = 83
	CmdWins = 84
)

var commandNames = map[uint8]string{
	CmdPush: "push",
	CmdAck:  "ack",
	CmdWask: "window probe",
	CmdWins: "window size",
}

var ErrTruncatedSegment = errors.New("truncated KCP segment")

// Segment is one KCP segment. Multi-byte fields are little endian on the wire.
type Segment struct {
	Conv      uint32
	Cmd       uint8
	Fragment  uint8
	Window    uint16
	Timestamp uint32
	Sequence  uint32
	Una       uint32
	Data      []byte
}

func (s Segment) String() string {
	name, ok := commandNames[s.Cmd]
	if !ok {
		name = fmt.Sprintf("cmd %d", s.Cmd)
	}
	return fmt.Sprintf("conv=%d %s sn=%d una=%d wnd=%d len=%d", s.Conv, name, s.Sequence, s.Una, s.Window, len(s.Data))
}

// ParseSegments splits a KCP datagram into its segments.
func ParseSegments(datagram []byte) ([]Segment, error) {
	var segments []Segment
	for len(datagram) > 0 {
		if len(datagram) < SegmentHeaderSize {
			return segments, fmt.Errorf("%w: %d header bytes", ErrTruncatedSegment, len(datagram))
		}
		seg := Segment{
			Conv:      binary.LittleEndian.Uint32(datagram[0:4]),
			Cmd:       datagram[4],
			Fragment:  datagram[5],
			Window:    binary.LittleEndian.Uint16(datagram[6:8]),
			Timestamp: binary.LittleEndian.Uint32(datagram[8:12]),
			Sequence:  binary.LittleEndian.Uint32(datagram[12:16]),
			Una:       binary.LittleEndian.Uint32(datagram[16:20]),
		}
		length := int(binary.LittleEndian.Uint32(datagram[20:24]))
		datagram = datagram[SegmentHeaderSize:]
		if length > len(datagram) {
			return segments, fmt.Errorf("%w: want %d data bytes, have %d", ErrTruncatedSegment, length, len(datagram))
		}
		seg.Data = datagram[:length]
		datagram = datagram[length:]
		segments = append(segments, seg)
	}
	return segments, nil
}

// Sniffer prints the lanchat traffic it's handed.
type Sniffer struct {
	Writer        io.Writer
	DiscoveryPort uint16
	// Session port of the server being watched. 0 treats every other UDP port as a
	// session port.
	SessionPort uint16
	// Only print the first TruncateThreshold bytes of each payload if greater than 0.
	TruncateThreshold int
}

// Run handles packets until the channel is closed.
func (s *Sniffer) Run(packets <-chan gopacket.Packet) {
	for packet := range packets {
		s.HandlePacket(packet)
	}
}

// HandlePacket prints packet if it's lanchat traffic and reports whether it was.
func (s *Sniffer) HandlePacket(packet gopacket.Packet) bool {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return false
	}
	udp := udpLayer.(*layers.UDP)

	src, dst := endpoints(packet, udp)
	srcPort, dstPort := uint16(udp.SrcPort), uint16(udp.DstPort)

	switch {
	case srcPort == s.DiscoveryPort || dstPort == s.DiscoveryPort:
		debug.PrintPacket(debug.PrintPacketParams{
			Writer:            s.Writer,
			Component:         "DISCOVERY",
			Source:            src,
			Destination:       dst,
			Data:              udp.Payload,
			TruncateThreshold: s.TruncateThreshold,
		})
		return true
	case s.SessionPort == 0 || srcPort == s.SessionPort || dstPort == s.SessionPort:
		return s.printSession(src, dst, udp.Payload)
	}
	return false
}

func (s *Sniffer) printSession(src, dst string, payload []byte) bool {
	segments, err := ParseSegments(payload)
	if len(segments) == 0 {
		// Not KCP, so not ours.
		return false
	}

	for _, seg := range segments {
		fmt.Fprintf(s.Writer, "[KCP] %s -> %s %v\n", src, dst, seg)
		if seg.Cmd == CmdPush && len(seg.Data) > 0 {
			debug.PrintPacket(debug.PrintPacketParams{
				Writer:            s.Writer,
				Component:         "SESSION",
				Source:            src,
				Destination:       dst,
				Data:              seg.Data,
				TruncateThreshold: s.TruncateThreshold,
			})
		}
	}
	if err != nil {
		fmt.Fprintf(s.Writer, "[KCP] %s -> %s %v\n", src, dst, err)
	}
	return true
}

func endpoints(packet gopacket.Packet, udp *layers.UDP) (string, string) {
	src, dst := udp.SrcPort.String(), udp.DstPort.String()
	if network := packet.NetworkLayer(); network != nil {
		flow := network.NetworkFlow()
		src = fmt.Sprintf("%v:%d", flow.Src(), udp.SrcPort)
		dst = fmt.Sprintf("%v:%d", flow.Dst(), udp.DstPort)
	}
	return src, dst
}
