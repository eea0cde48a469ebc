// Package dhcpclient implements a minimal DHCPv4 client state machine: the
// four-way DISCOVER/OFFER/REQUEST/ACK handshake and timer-driven renewal.
package dhcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
)

// State is one of the client's lease-acquisition states.
type State int

// Client states: INIT, SELECTING, REQUESTING, BOUND and RENEWING from the
// classic DHCP client state diagram (RFC 2131 section 4.4), plus a final
// Terminated state. REBINDING, INIT-REBOOT and REBOOTING are not used; the
// client always starts from a clean INIT.
const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSelecting:
		return "selecting"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateRenewing:
		return "renewing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// errTerminated is returned by public operations once the client has been
// released or the conversation loop has exited.
const errTerminated errors.Error = "dhcpclient: client is terminated"

// Lease is the address and parameters a client has successfully bound.
type Lease struct {
	Addr     netip.Addr
	Server   netip.Addr
	Router   netip.Addr
	Mask     netip.Addr
	DNS      netip.Addr
	Lifetime time.Duration
}

// Client drives the DHCPv4 handshake over a caller-provided socket. There is
// never more than one request outstanding: a single in-flight transaction ID
// is tracked, rather than a map of pending transactions, since this client
// never pipelines requests.
type Client struct {
	conn   net.PacketConn
	hwAddr net.HardwareAddr
	logger *slog.Logger

	mu    sync.Mutex
	state State

	inbound chan *dhcpmsg.Message
	done    chan struct{}
}

// New constructs a Client that reads and writes DHCPv4 packets over conn.
// conn should already be bound for broadcast traffic on the client port.
func New(conn net.PacketConn, hwAddr net.HardwareAddr, logger *slog.Logger) *Client {
	return &Client{
		conn:    conn,
		hwAddr:  hwAddr,
		logger:  logger,
		state:   StateInit,
		inbound: make(chan *dhcpmsg.Message, 4),
		done:    make(chan struct{}),
	}
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

const (
	serverPort = 67
	clientPort = 68

	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

// Run drives the handshake to completion and then keeps the lease renewed
// until ctx is cancelled or Release is called. It launches its own receive
// goroutine, filtered by the client's own hardware address, and blocks on a
// select loop — it never polls.
func (c *Client) Run(ctx context.Context) (Lease, error) {
	go c.receiveLoop(ctx)

	lease, xid, err := c.acquire(ctx)
	if err != nil {
		c.setState(StateTerminated)

		return Lease{}, err
	}

	c.setState(StateBound)

	go c.renewLoop(ctx, lease, xid)

	return lease, nil
}

// acquire runs the DISCOVER/OFFER/REQUEST/ACK handshake once.
func (c *Client) acquire(ctx context.Context) (Lease, uint32, error) {
	c.setState(StateSelecting)

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: serverPort}

	xid := newXid()
	offer, err := c.exchange(ctx, c.discoverMessage(xid), xid, broadcastAddr)
	if err != nil {
		return Lease{}, 0, fmt.Errorf("discover: %w", err)
	}

	c.setState(StateRequesting)

	ack, err := c.exchange(ctx, c.requestMessage(xid, offer), xid, broadcastAddr)
	if err != nil {
		return Lease{}, 0, fmt.Errorf("request: %w", err)
	}

	return leaseFromAck(ack), xid, nil
}

// exchange sends req to dest and waits for a correlated response, sending it
// at most maxRetries times in all and resending only after a timeout.
func (c *Client) exchange(
	ctx context.Context,
	req *dhcpmsg.Message,
	xid uint32,
	dest net.Addr,
) (*dhcpmsg.Message, error) {
	payload := dhcpmsg.Encode(req)

	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := c.conn.WriteTo(payload, dest)
		if err != nil {
			return nil, fmt.Errorf("writing packet: %w", err)
		}

		timer := time.NewTimer(requestTimeout)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()

				return nil, ctx.Err()
			case <-c.done:
				timer.Stop()

				return nil, errTerminated
			case resp := <-c.inbound:
				if resp.Xid == xid {
					timer.Stop()

					return resp, nil
				}
				// Not our transaction; discard and keep waiting on the same
				// attempt's remaining budget by looping without resending.
			case <-timer.C:
				// Retry: resend and wait again.
				break wait
			}
		}
	}

	return nil, errors.Error("dhcpclient: no response received")
}

// renewLoop waits out the lease lifetime, then performs a REQUEST/ACK
// renewal via ciaddr, repeating until ctx is cancelled or Release fires.
func (c *Client) renewLoop(ctx context.Context, lease Lease, xid uint32) {
	timer := time.NewTimer(lease.Lifetime)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.C:
			c.setState(StateRenewing)

			xid = newXid()
			req := c.renewMessage(xid, lease)
			dest := &net.UDPAddr{IP: lease.Server.AsSlice(), Port: serverPort}
			ack, err := c.exchange(ctx, req, xid, dest)
			if err != nil {
				c.logger.DebugContext(ctx, "renew failed", slog.Any("err", err))
				timer.Reset(time.Minute)

				continue
			}

			lease = leaseFromAck(ack)
			c.setState(StateBound)

			timer.Reset(lease.Lifetime)
		}
	}
}

// Release sends a DHCPRELEASE for addr and stops the renewal loop.
func (c *Client) Release(addr netip.Addr, server netip.Addr) error {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()

		return errTerminated
	}
	c.state = StateTerminated
	c.mu.Unlock()

	close(c.done)

	m := &dhcpmsg.Message{
		Op:     dhcpmsg.BootRequest,
		HType:  dhcpmsg.HTypeEthernet,
		HLen:   dhcpmsg.HLenEthernet,
		Xid:    newXid(),
		CIAddr: addr,
		CHAddr: []byte(c.hwAddr),
	}
	m.Options.SetMessageType(dhcpmsg.MessageTypeRelease)
	m.Options.SetIPOption(dhcpmsg.OptServerIdentifier, server)

	_, err := c.conn.WriteTo(dhcpmsg.Encode(m), &net.UDPAddr{IP: server.AsSlice(), Port: serverPort})

	return err
}

// receiveLoop reads inbound packets, decodes them, filters by chaddr, and
// forwards matches onto c.inbound. It is the client's only reader of conn.
func (c *Client) receiveLoop(ctx context.Context) {
	buf := make([]byte, dhcpmsg.PacketSize+64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			continue
		}

		m, err := dhcpmsg.Decode(buf[:n])
		if err != nil {
			continue
		}

		if m.Op != dhcpmsg.BootReply || string(m.CHAddr[:len(c.hwAddr)]) != string(c.hwAddr) {
			continue
		}

		select {
		case c.inbound <- m:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) discoverMessage(xid uint32) *dhcpmsg.Message {
	m := &dhcpmsg.Message{
		Op:     dhcpmsg.BootRequest,
		HType:  dhcpmsg.HTypeEthernet,
		HLen:   dhcpmsg.HLenEthernet,
		Xid:    xid,
		CHAddr: []byte(c.hwAddr),
	}
	m.SetBroadcast(true)
	m.Options.SetMessageType(dhcpmsg.MessageTypeDiscover)

	return m
}

func (c *Client) requestMessage(xid uint32, offer *dhcpmsg.Message) *dhcpmsg.Message {
	m := &dhcpmsg.Message{
		Op:     dhcpmsg.BootRequest,
		HType:  dhcpmsg.HTypeEthernet,
		HLen:   dhcpmsg.HLenEthernet,
		Xid:    xid,
		CHAddr: []byte(c.hwAddr),
	}
	m.SetBroadcast(true)
	m.Options.SetMessageType(dhcpmsg.MessageTypeRequest)
	m.Options.SetIPOption(dhcpmsg.OptRequestedIP, offer.YIAddr)

	if sid, ok := offer.Options.IPOption(dhcpmsg.OptServerIdentifier); ok {
		m.Options.SetIPOption(dhcpmsg.OptServerIdentifier, sid)
	}

	return m
}

// renewMessage builds the unicast renewal REQUEST: ciaddr set, broadcast
// flag clear, and option 54 naming the server being renewed with so a relay
// or multi-server segment doesn't need to guess.
func (c *Client) renewMessage(xid uint32, lease Lease) *dhcpmsg.Message {
	m := &dhcpmsg.Message{
		Op:     dhcpmsg.BootRequest,
		HType:  dhcpmsg.HTypeEthernet,
		HLen:   dhcpmsg.HLenEthernet,
		Xid:    xid,
		CIAddr: lease.Addr,
		CHAddr: []byte(c.hwAddr),
	}
	m.Options.SetMessageType(dhcpmsg.MessageTypeRequest)
	m.Options.SetIPOption(dhcpmsg.OptServerIdentifier, lease.Server)

	return m
}

func leaseFromAck(ack *dhcpmsg.Message) Lease {
	l := Lease{Addr: ack.YIAddr}

	if sid, ok := ack.Options.IPOption(dhcpmsg.OptServerIdentifier); ok {
		l.Server = sid
	}
	if router, ok := ack.Options.IPOption(dhcpmsg.OptRouter); ok {
		l.Router = router
	}
	if mask, ok := ack.Options.IPOption(dhcpmsg.OptSubnetMask); ok {
		l.Mask = mask
	}
	if dns, ok := ack.Options.IPOption(dhcpmsg.OptDNSServer); ok {
		l.DNS = dns
	}
	if secs, ok := ack.Options.LeaseTime(); ok {
		l.Lifetime = time.Duration(secs) * time.Second
	}

	return l
}

func newXid() uint32 {
	return rand.Uint32()
}
