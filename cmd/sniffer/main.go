// The sniffer prints lanchat traffic seen on a network device. Useful for checking
// what discovery probes and replies actually make it onto the LAN.
package main

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	flag "github.com/spf13/pflag"

	"github.com/dcrodman/lanchat/internal/sniff"
)

var (
	device        = flag.StringP("device", "d", "en0", "Device on which to listen for packets")
	discoveryPort = flag.Uint16("discovery-port", 34567, "Discovery port used by lanchat")
	sessionPort   = flag.Uint16("session-port", 0, "Session port of the server to watch (0 for any)")
	truncate      = flag.Int("truncate", 0, "Only print the first N bytes of each payload")
)

func main() {
	flag.Parse()

	if getDeviceIP() == "" {
		exit("invalid device: %s", *device)
	}

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v", err)
	}
	defer handle.Close()

	filter := "udp"
	if *sessionPort != 0 {
		filter = fmt.Sprintf("udp and (port %d or port %d)", *discoveryPort, *sessionPort)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		exit("error setting filter %q: %v", filter, err)
	}

	w := bufio.NewWriter(os.Stdout)
	s := &sniff.Sniffer{
		Writer:            w,
		DiscoveryPort:     *discoveryPort,
		SessionPort:       *sessionPort,
		TruncateThreshold: *truncate,
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		if s.HandlePacket(packet) {
			_ = w.Flush()
		}
	}
}

func exit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func getDeviceIP() string {
	devs, _ := pcap.FindAllDevs()
	for _, dev := range devs {
		if dev.Name == *device {
			for _, address := range dev.Addresses {
				return address.IP.String()
			}
		}
	}
	return ""
}
