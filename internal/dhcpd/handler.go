package dhcpd

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
)

// handleMessage dispatches an inbound DHCPv4 message to the appropriate
// handler and builds the response, if any. It returns nil if no response
// should be sent — an unsupported or malformed request is simply dropped,
// matching this server's no-NAK design.
func (s *Server) handleMessage(ctx context.Context, req *dhcpmsg.Message) *dhcpmsg.Message {
	switch req.Options.MessageType() {
	case dhcpmsg.MessageTypeDiscover:
		return s.handleDiscover(ctx, req)
	case dhcpmsg.MessageTypeRequest:
		return s.handleRequest(ctx, req)
	case dhcpmsg.MessageTypeRelease:
		s.handleRelease(ctx, req)

		return nil
	default:
		s.logger.DebugContext(ctx, "dropping unsupported message type",
			slog.Any("type", req.Options.MessageType()))

		return nil
	}
}

// handleDiscover processes a DHCPDISCOVER and returns a DHCPOFFER, or nil if
// the pool is exhausted.
func (s *Server) handleDiscover(ctx context.Context, req *dhcpmsg.Message) *dhcpmsg.Message {
	l, err := s.leases.allocate(req.CHAddr)
	if err != nil {
		s.logger.DebugContext(ctx, "no free lease for discover",
			slog.String("chaddr", hwString(req.CHAddr)), slog.Any("err", err))

		return nil
	}

	return s.buildReply(req, l.IP, dhcpmsg.MessageTypeOffer)
}

// handleRequest processes a DHCPREQUEST, covering both the new-acquisition
// branch (the client is confirming an offer) and the renewing branch (the
// client already holds a lease and is extending it).
func (s *Server) handleRequest(ctx context.Context, req *dhcpmsg.Message) *dhcpmsg.Message {
	reqIP, hasReqIP := req.Options.IPOption(dhcpmsg.OptRequestedIP)
	if !hasReqIP {
		reqIP = req.YIAddr
	}

	if reqIP.IsValid() && reqIP != (netip.Addr{}) {
		if _, ok := s.leases.commit(reqIP, req.CHAddr); ok {
			s.logger.DebugContext(ctx, "acknowledging new lease",
				slog.String("ip", reqIP.String()), slog.String("chaddr", hwString(req.CHAddr)))

			return s.buildReply(req, reqIP, dhcpmsg.MessageTypeAck)
		}
	}

	if req.CIAddr.IsValid() && req.CIAddr != (netip.Addr{}) {
		if l, ok := s.leases.renew(req.CIAddr, req.CHAddr); ok {
			return s.buildReply(req, l.IP, dhcpmsg.MessageTypeAck)
		}
	}

	s.logger.DebugContext(ctx, "no matching lease for request",
		slog.String("chaddr", hwString(req.CHAddr)))

	return nil
}

// handleRelease releases the lease identified by the client's address, if
// any. DHCPRELEASE carries no reply.
func (s *Server) handleRelease(ctx context.Context, req *dhcpmsg.Message) {
	if !req.CIAddr.IsValid() {
		return
	}

	if s.leases.release(req.CIAddr, req.CHAddr) {
		s.logger.DebugContext(ctx, "released lease", slog.String("ip", req.CIAddr.String()))
	}
}

// buildReply constructs the OFFER/ACK response for req, filling in the
// fields common to both: yiaddr, server identifier, lease time, subnet
// mask, router, and DNS server.
func (s *Server) buildReply(req *dhcpmsg.Message, yiaddr netip.Addr, typ dhcpmsg.MessageType) *dhcpmsg.Message {
	resp := &dhcpmsg.Message{
		Op:     dhcpmsg.BootReply,
		HType:  req.HType,
		HLen:   req.HLen,
		Xid:    req.Xid,
		Flags:  req.Flags,
		YIAddr: yiaddr,
		GIAddr: req.GIAddr,
		CHAddr: req.CHAddr,
	}

	resp.Options.SetMessageType(typ)
	resp.Options.SetIPOption(dhcpmsg.OptServerIdentifier, s.conf.resolved.gateway)
	resp.Options.SetLeaseTime(uint32(s.conf.resolved.leaseTTL.Seconds()))
	resp.Options.SetIPOption(dhcpmsg.OptSubnetMask, s.conf.resolved.mask)
	resp.Options.SetIPOption(dhcpmsg.OptRouter, s.conf.resolved.gateway)
	resp.Options.SetIPOption(dhcpmsg.OptDNSServer, s.conf.resolved.dns)

	return resp
}

func hwString(hw []byte) string {
	return string(hw)
}
