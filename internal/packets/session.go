package packets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dcrodman/lanchat/internal/core/bytes"
)

// SessionHeaderSize is the size of the header in front of every transport frame.
const SessionHeaderSize = 0x04

// MaxFramePayload is the largest payload a single frame can carry.
const MaxFramePayload = 0xFFFF - SessionHeaderSize

// Frame types exchanged over a transport session.
const (
	HelloType   = 0x01
	WelcomeType = 0x02
	RejectType  = 0x03
	DataType    = 0x04
	PingType    = 0x05
	ByeType     = 0x06
)

var ErrFrameTooLarge = errors.New("frame payload too large")

// SessionHeader precedes every frame sent over a transport session. Size counts
// the header itself.
type SessionHeader struct {
	Size    uint16
	Type    uint8
	Channel uint8
}

// Hello is the first frame a connecting client sends.
type Hello struct {
	Header   SessionHeader
	Channels uint8
	Padding  [3]uint8
}

// Welcome confirms a connection and tells the client which id the server assigned it.
type Welcome struct {
	Header   SessionHeader
	PeerID   uint16
	Channels uint8
	Padding  uint8
}

// EncodeFrame prepends a SessionHeader to payload.
func EncodeFrame(frameType, channel uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, SessionHeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(frame)))
	frame[2] = frameType
	frame[3] = channel
	copy(frame[SessionHeaderSize:], payload)
	return frame, nil
}

// EncodeStruct serializes a fixed-layout frame struct and fixes up its header size.
func EncodeStruct(frame interface{}) ([]byte, error) {
	b, n, err := bytes.BytesFromStruct(frame)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(b[0:2], uint16(n))
	return b, nil
}

// DecodeStruct fills the fixed-layout frame struct pointed to by frame from data,
// which must include the header.
func DecodeStruct(data []byte, frame interface{}) error {
	return bytes.StructFromBytes(data, frame)
}

// ReadFrame blocks until one complete frame has been read from r and returns its
// header together with the full frame (header included).
func ReadFrame(r io.Reader) (SessionHeader, []byte, error) {
	var header SessionHeader
	hdr := make([]byte, SessionHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return header, nil, err
	}
	header.Size = binary.BigEndian.Uint16(hdr[0:2])
	header.Type = hdr[2]
	header.Channel = hdr[3]

	if header.Size < SessionHeaderSize {
		return header, nil, fmt.Errorf("invalid frame size %d", header.Size)
	}

	frame := make([]byte, header.Size)
	copy(frame, hdr)
	if _, err := io.ReadFull(r, frame[SessionHeaderSize:]); err != nil {
		return header, nil, err
	}
	return header, frame, nil
}

// EncodeChat returns the NUL-terminated wire form of a chat line.
func EncodeChat(line string) []byte {
	return bytes.AppendCString(line)
}

// DecodeChat returns the text of a chat payload, stopping at its terminator.
func DecodeChat(payload []byte) string {
	return bytes.CString(payload)
}
