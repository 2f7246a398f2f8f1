package debug

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
)

// PrintPacketParams describes one datagram or frame to be dumped by PrintPacket.
type PrintPacketParams struct {
	Writer io.Writer
	// Short name of the component that saw the packet, e.g. DISCOVERY.
	Component   string
	Source      string
	Destination string
	Data        []byte
	// Only print the first TruncateThreshold bytes if greater than 0.
	TruncateThreshold int
}

var writeLock sync.Mutex

// PrintPacket writes a header line naming the packet followed by a hex dump of its
// contents. Calls with a nil Writer are ignored so that callers can leave packet
// logging disabled by not configuring one.
func PrintPacket(params PrintPacketParams) {
	if params.Writer == nil {
		return
	}

	data := params.Data
	truncated := false
	if params.TruncateThreshold > 0 && len(data) > params.TruncateThreshold {
		data = data[:params.TruncateThreshold]
		truncated = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s -> %s (%s, %d bytes)\n",
		params.Component, params.Source, params.Destination, PacketName(params.Data), len(params.Data))
	b.WriteString(spew.Sdump(data))
	if truncated {
		b.WriteString("...\n")
	}

	writeLock.Lock()
	defer writeLock.Unlock()
	_, _ = io.WriteString(params.Writer, b.String())
}
