// Package dhcprelay implements a DHCPv4 relay agent: it forwards client
// broadcasts to a configured server address and forwards the server's
// unicast replies back out to the client-facing interface.
package dhcprelay

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
)

// serverPort is the well-known DHCPv4 server/relay port, used on both the
// client-facing and server-facing sockets.
const serverPort = 67

// clientPort is the well-known DHCPv4 client port.
const clientPort = 68

// maxHops is the hop-count ceiling beyond which a packet is dropped rather
// than forwarded, guarding against relay loops.
const maxHops = 16

// errTooManyHops is returned by hopPacket, in either direction, when the
// incremented hop count would exceed maxHops.
const errTooManyHops errors.Error = "dhcprelay: hop count exceeded, dropping packet"

// Relay forwards DHCPv4 traffic between a client-facing socket and a
// server-facing socket.
type Relay struct {
	clientConn net.PacketConn
	serverConn net.PacketConn

	serverAddr netip.Addr
	giaddr     netip.Addr

	logger *slog.Logger

	wg sync.WaitGroup
}

// New constructs a Relay. clientConn must be bound to receive client
// broadcasts; serverConn is used to reach serverAddr and to receive the
// server's replies. giaddr is the relay's own address, stamped into
// forwarded client messages per RFC 2131 section 4.1.
func New(clientConn, serverConn net.PacketConn, serverAddr, giaddr netip.Addr, logger *slog.Logger) *Relay {
	return &Relay{
		clientConn: clientConn,
		serverConn: serverConn,
		serverAddr: serverAddr,
		giaddr:     giaddr,
		logger:     logger,
	}
}

// Run starts the two forwarding goroutines and blocks until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.wg.Add(2)
	go r.forwardClientToServer(ctx)
	go r.forwardServerToClient(ctx)

	<-ctx.Done()
	r.clientConn.Close()
	r.serverConn.Close()
	r.wg.Wait()
}

const maxPacketBuf = dhcpmsg.PacketSize + 64

// forwardClientToServer reads datagrams from the client-facing socket,
// increments hops, sets giaddr if unset, and forwards the full packet to
// the server.
func (r *Relay) forwardClientToServer(ctx context.Context) {
	defer r.wg.Done()

	buf := make([]byte, maxPacketBuf)
	for {
		n, _, err := r.clientConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		if err := r.relayClientPacket(ctx, raw); err != nil {
			r.logger.DebugContext(ctx, "dropping client packet", slog.Any("err", err))
		}
	}
}

func (r *Relay) relayClientPacket(ctx context.Context, raw []byte) error {
	msg, err := r.hopPacket(raw)
	if err != nil {
		return err
	}

	if !msg.GIAddr.IsValid() || msg.GIAddr == (netip.Addr{}) {
		msg.GIAddr = r.giaddr
	}

	_, err = r.serverConn.WriteTo(dhcpmsg.Encode(msg), &net.UDPAddr{
		IP:   r.serverAddr.AsSlice(),
		Port: serverPort,
	})

	return err
}

// forwardServerToClient reads datagrams the server addresses to this relay,
// runs them through the same hop-increment pipeline as the client-to-server
// direction, and forwards them to the client-facing interface by broadcast,
// since the relay does not track which client socket address a given reply
// belongs to.
func (r *Relay) forwardServerToClient(ctx context.Context) {
	defer r.wg.Done()

	buf := make([]byte, maxPacketBuf)
	for {
		n, _, err := r.serverConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		if err := r.relayServerPacket(ctx, raw); err != nil {
			r.logger.DebugContext(ctx, "dropping server packet", slog.Any("err", err))
		}
	}
}

func (r *Relay) relayServerPacket(ctx context.Context, raw []byte) error {
	msg, err := r.hopPacket(raw)
	if err != nil {
		return err
	}

	_, err = r.clientConn.WriteTo(dhcpmsg.Encode(msg), &net.UDPAddr{IP: net.IPv4bcast, Port: clientPort})

	return err
}

// hopPacket decodes raw, drops it if forwarding would exceed maxHops, and
// otherwise increments its hop count. giaddr is left untouched here; each
// direction's caller decides whether to stamp it.
func (r *Relay) hopPacket(raw []byte) (*dhcpmsg.Message, error) {
	msg, err := dhcpmsg.Decode(raw)
	if err != nil {
		return nil, err
	}

	if msg.Hops >= maxHops {
		return nil, errTooManyHops
	}
	msg.Hops++

	return msg, nil
}
