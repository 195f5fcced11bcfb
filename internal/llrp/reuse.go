package llrp

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenReusable opens a UDP listener with SO_REUSEADDR and (where
// available) SO_REUSEPORT set before bind, so many LLRP targets can
// coexist on one host bound to the same multicast port (spec.md §4.5).
func listenReusable(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			// SO_REUSEPORT is a best-effort addition; some platforms in
			// this build's target set lack it entirely.
			_ = sockErr
			return nil
		},
	}
	network := "udp4"
	if addr.IP.To4() == nil {
		network = "udp6"
	}
	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
