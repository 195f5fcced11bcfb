// Package llrp implements the Low Level Recovery Protocol: passive
// Targets and the binary-search discovery Manager, both driven over UDP
// multicast (spec.md §4.5, §4.6).
package llrp

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Well-known LLRP multicast groups and port (spec.md §4.5).
const (
	Port = 5569

	RequestGroupV4  = "239.255.250.133"
	ResponseGroupV4 = "239.255.250.134"
	RequestGroupV6  = "ff18::85:0:0:85"
	ResponseGroupV6 = "ff18::85:0:0:86"
)

// LlrpMaxBackoffMs bounds an LLRP Target's randomized probe-reply delay.
const LlrpMaxBackoffMs = 500

// listenMulticast opens a UDP socket bound to the wildcard address on
// port, joins group on every usable interface, and sets SO_REUSEADDR /
// SO_REUSEPORT so multiple LLRP targets can share one host (spec.md §4.5).
func listenMulticast(group string, port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	gaddr := net.ParseIP(group)
	if gaddr.To4() == nil {
		addr = &net.UDPAddr{IP: net.IPv6zero, Port: port}
	}

	conn, err := listenReusable(addr)
	if err != nil {
		return nil, err
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if gaddr.To4() != nil {
		p := ipv4.NewPacketConn(conn)
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
				continue
			}
			_ = p.JoinGroup(&ifi, &net.UDPAddr{IP: gaddr})
		}
	} else {
		p := ipv6.NewPacketConn(conn)
		for _, ifi := range ifaces {
			if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
				continue
			}
			_ = p.JoinGroup(&ifi, &net.UDPAddr{IP: gaddr})
		}
	}

	return conn, nil
}

// sendSocket opens a UDP socket suitable for sending to a multicast group,
// bound to the IPv4 or IPv6 wildcard address on an ephemeral port.
func sendSocket(v6 bool) (*net.UDPConn, error) {
	network := "udp4"
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	if v6 {
		network = "udp6"
		laddr = &net.UDPAddr{IP: net.IPv6zero, Port: 0}
	}
	return net.ListenUDP(network, laddr)
}

func groupAddr(group string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(group), Port: port}
}
