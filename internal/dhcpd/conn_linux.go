//go:build linux

package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// ipv4DefaultTTL is the TTL used for the raw unicast fallback frames, as
// recommended by RFC 1700.
const ipv4DefaultTTL = 64

// rawConn is the Linux transport: a UDP broadcast socket for ordinary
// traffic, plus an AF_PACKET socket used only to unicast a reply directly to
// a client's hardware address when the client has no routable source
// address and did not ask to be broadcast to.
type rawConn struct {
	udp net.PacketConn
	raw net.PacketConn

	srcMAC net.HardwareAddr
	srcIP  netip.Addr
}

// newConn opens the Linux transport on iface.
func newConn(iface *net.Interface, _ netip.Addr) (net.PacketConn, error) {
	raw, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("opening raw socket: %w", err)
	}

	udp, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", serverPort))
	if err != nil {
		return nil, fmt.Errorf("opening udp socket: %w", err)
	}

	srcIP, err := firstIPv4(iface)
	if err != nil {
		return nil, fmt.Errorf("reading interface address: %w", err)
	}

	return &rawConn{
		udp:    udp,
		raw:    raw,
		srcMAC: iface.HardwareAddr,
		srcIP:  srcIP,
	}, nil
}

func firstIPv4(iface *net.Interface) (netip.Addr, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		if ip4 := ipNet.IP.To4(); ip4 != nil {
			addr, ok := netip.AddrFromSlice(ip4)
			if ok {
				return addr, nil
			}
		}
	}

	return netip.Addr{}, errors.Error("interface has no ipv4 address")
}

func (c *rawConn) ReadFrom(p []byte) (int, net.Addr, error) { return c.udp.ReadFrom(p) }
func (c *rawConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	return c.udp.WriteTo(p, addr)
}
func (c *rawConn) Close() error {
	rerr := c.raw.Close()
	uerr := c.udp.Close()
	if uerr != nil {
		return uerr
	}

	return rerr
}
func (c *rawConn) LocalAddr() net.Addr              { return c.udp.LocalAddr() }
func (c *rawConn) SetDeadline(t time.Time) error     { return c.udp.SetDeadline(t) }
func (c *rawConn) SetReadDeadline(t time.Time) error { return c.udp.SetReadDeadline(t) }
func (c *rawConn) SetWriteDeadline(t time.Time) error { return c.udp.SetWriteDeadline(t) }

// unicastToHardwareAddr implements rawUnicaster by hand-building an
// Ethernet/IPv4/UDP frame addressed to hwAddr and writing it on the raw
// socket, the only way to reach a client that has neither a routable
// source address nor the broadcast bit set.
func (c *rawConn) unicastToHardwareAddr(payload []byte, hwAddr []byte, yiaddr netip.Addr) error {
	if len(hwAddr) != 6 {
		return errors.Error("invalid hardware address length")
	}

	udpLayer := &layers.UDP{SrcPort: serverPort, DstPort: clientPort}
	ipv4Layer := &layers.IPv4{
		Version:  4,
		Flags:    layers.IPv4DontFragment,
		TTL:      ipv4DefaultTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    c.srcIP.AsSlice(),
		DstIP:    yiaddr.AsSlice(),
	}
	_ = udpLayer.SetNetworkLayerForChecksum(ipv4Layer)

	ethLayer := &layers.Ethernet{
		SrcMAC:       c.srcMAC,
		DstMAC:       net.HardwareAddr(hwAddr),
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipv4Layer, udpLayer, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serializing frame: %w", err)
	}

	_, err := c.raw.WriteTo(buf.Bytes(), &packet.Addr{HardwareAddr: net.HardwareAddr(hwAddr)})

	return err
}
