package dhcpd

import (
	"context"
	"log/slog"
	"net"
	"net/netip"

	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
)

// clientPort and serverPort are the well-known DHCPv4 UDP ports.
const (
	serverPort = 67
	clientPort = 68
)

// rawUnicaster is implemented by transports that can address a reply
// directly to a client's hardware address, bypassing IP routing entirely.
// Only the Linux raw-Ethernet transport in conn_linux.go implements it.
type rawUnicaster interface {
	unicastToHardwareAddr(payload []byte, hwAddr []byte, yiaddr netip.Addr) error
}

// send chooses how to address resp and writes it to the wire, following
// RFC 2131 section 4.1's destination-address rules.
func (s *Server) send(ctx context.Context, peer net.Addr, req, resp *dhcpmsg.Message) {
	payload := dhcpmsg.Encode(resp)

	if req.GIAddr.IsValid() && req.GIAddr != (netip.Addr{}) {
		addr := &net.UDPAddr{IP: req.GIAddr.AsSlice(), Port: serverPort}
		s.writeUDP(ctx, payload, addr)

		return
	}

	if req.CIAddr.IsValid() && req.CIAddr != (netip.Addr{}) {
		addr := &net.UDPAddr{IP: req.CIAddr.AsSlice(), Port: clientPort}
		s.writeUDP(ctx, payload, addr)

		return
	}

	if !resp.Broadcast() {
		if ru, ok := s.conn.(rawUnicaster); ok {
			if err := ru.unicastToHardwareAddr(payload, req.CHAddr, resp.YIAddr); err == nil {
				return
			}
		}
	}

	s.broadcastTwice(ctx, payload)
}

// broadcastTwice writes payload to the limited broadcast address and then
// to the interface-specific broadcast address, matching a client that
// expects either.
func (s *Server) broadcastTwice(ctx context.Context, payload []byte) {
	limited := &net.UDPAddr{IP: net.IPv4bcast, Port: clientPort}
	s.writeUDP(ctx, payload, limited)

	ifaceBcast := &net.UDPAddr{IP: s.conf.resolved.broadcast.AsSlice(), Port: clientPort}
	s.writeUDP(ctx, payload, ifaceBcast)
}

func (s *Server) writeUDP(ctx context.Context, payload []byte, addr net.Addr) {
	if _, err := s.conn.WriteTo(payload, addr); err != nil {
		s.logger.DebugContext(ctx, "write failed", slog.String("addr", addr.String()), slog.Any("err", err))
	}
}
