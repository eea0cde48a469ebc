//go:build !linux

package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
)

// newConn opens the non-Linux transport: a plain UDP broadcast socket. There
// is no raw-Ethernet fallback on this platform, so a client with no
// routable address is always reached via the two-pass broadcast in
// [Server.broadcastTwice].
func newConn(iface *net.Interface, _ netip.Addr) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", serverPort))
	if err != nil {
		return nil, fmt.Errorf("opening udp socket: %w", err)
	}

	return conn, nil
}
