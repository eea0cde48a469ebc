package dhcpclient

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentPacket is a single write observed on fakeConn, paired with its
// destination address so tests can assert on unicast vs. broadcast.
type sentPacket struct {
	payload []byte
	dest    net.Addr
}

// fakeConn is an in-memory net.PacketConn standing in for a real UDP socket:
// writes from the client land in toServer, and the test pushes responses in
// on fromServer for the receive loop to pick up.
type fakeConn struct {
	toServer   chan sentPacket
	fromServer chan []byte
	closed     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toServer:   make(chan sentPacket, 8),
		fromServer: make(chan []byte, 8),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-c.fromServer:
		return copy(p, b), &net.UDPAddr{}, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteTo(p []byte, dest net.Addr) (int, error) {
	b := append([]byte(nil), p...)
	select {
	case c.toServer <- sentPacket{payload: b, dest: dest}:
	default:
	}

	return len(p), nil
}

func (c *fakeConn) Close() error                       { close(c.closed); return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHWAddr() net.HardwareAddr {
	return net.HardwareAddr{0xa, 0xb, 0xc, 0xd, 0xe, 0xf}
}

// respondAsServer drains one request from conn.toServer, decodes it to learn
// the xid, and writes back resp with that xid filled in. It returns the
// request's destination address so callers can assert on unicast/broadcast.
func respondAsServer(
	t *testing.T,
	conn *fakeConn,
	hwAddr net.HardwareAddr,
	build func(xid uint32) *dhcpmsg.Message,
) (req *dhcpmsg.Message, dest net.Addr) {
	t.Helper()

	select {
	case sent := <-conn.toServer:
		var err error
		req, err = dhcpmsg.Decode(sent.payload)
		require.NoError(t, err)

		resp := build(req.Xid)
		resp.CHAddr = []byte(hwAddr)
		conn.fromServer <- dhcpmsg.Encode(resp)

		return req, sent.dest
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client request")

		return nil, nil
	}
}

func offerBuilder(yiaddr, server netip.Addr) func(uint32) *dhcpmsg.Message {
	return func(xid uint32) *dhcpmsg.Message {
		m := &dhcpmsg.Message{Op: dhcpmsg.BootReply, Xid: xid, YIAddr: yiaddr}
		m.Options.SetMessageType(dhcpmsg.MessageTypeOffer)
		m.Options.SetIPOption(dhcpmsg.OptServerIdentifier, server)
		m.Options.SetLeaseTime(2)

		return m
	}
}

func ackBuilder(yiaddr, server netip.Addr) func(uint32) *dhcpmsg.Message {
	return func(xid uint32) *dhcpmsg.Message {
		m := &dhcpmsg.Message{Op: dhcpmsg.BootReply, Xid: xid, YIAddr: yiaddr}
		m.Options.SetMessageType(dhcpmsg.MessageTypeAck)
		m.Options.SetIPOption(dhcpmsg.OptServerIdentifier, server)
		m.Options.SetLeaseTime(3600)

		return m
	}
}

// TestClient_Run_handshake verifies the full DISCOVER/OFFER/REQUEST/ACK
// handshake leaves the client bound with the offered address.
func TestClient_Run_handshake(t *testing.T) {
	conn := newFakeConn()
	hwAddr := testHWAddr()
	c := New(conn, hwAddr, testLogger())

	yiaddr := netip.MustParseAddr("192.168.1.50")
	server := netip.MustParseAddr("192.168.1.1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := make(chan Lease, 1)
	errc := make(chan error, 1)
	go func() {
		l, err := c.Run(ctx)
		if err != nil {
			errc <- err

			return
		}
		result <- l
	}()

	assert.Eventually(t, func() bool { return c.State() == StateSelecting }, time.Second, 10*time.Millisecond)
	respondAsServer(t, conn, hwAddr, offerBuilder(yiaddr, server))

	assert.Eventually(t, func() bool { return c.State() == StateRequesting }, time.Second, 10*time.Millisecond)
	respondAsServer(t, conn, hwAddr, ackBuilder(yiaddr, server))

	select {
	case lease := <-result:
		assert.Equal(t, yiaddr, lease.Addr)
		assert.Equal(t, server, lease.Server)
		assert.Equal(t, StateBound, c.State())
	case err := <-errc:
		t.Fatalf("unexpected error: %v", err)
	case <-ctx.Done():
		t.Fatal("handshake did not complete")
	}
}

// TestClient_renewUnicastsToServer verifies that once bound, the client's
// renewal REQUEST is sent unicast to the leasing server (never broadcast)
// and carries option 54 naming that server.
func TestClient_renewUnicastsToServer(t *testing.T) {
	conn := newFakeConn()
	hwAddr := testHWAddr()
	c := New(conn, hwAddr, testLogger())

	yiaddr := netip.MustParseAddr("192.168.1.50")
	server := netip.MustParseAddr("192.168.1.1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() { _, _ = c.Run(ctx) }()

	assert.Eventually(t, func() bool { return c.State() == StateSelecting }, time.Second, 10*time.Millisecond)
	respondAsServer(t, conn, hwAddr, offerBuilder(yiaddr, server))

	assert.Eventually(t, func() bool { return c.State() == StateRequesting }, time.Second, 10*time.Millisecond)
	// A 2-second lease fires the renewal timer (one lease lifetime) well
	// within the test's timeout.
	shortAck := func(xid uint32) *dhcpmsg.Message {
		m := &dhcpmsg.Message{Op: dhcpmsg.BootReply, Xid: xid, YIAddr: yiaddr}
		m.Options.SetMessageType(dhcpmsg.MessageTypeAck)
		m.Options.SetIPOption(dhcpmsg.OptServerIdentifier, server)
		m.Options.SetLeaseTime(2)

		return m
	}
	respondAsServer(t, conn, hwAddr, shortAck)

	assert.Eventually(t, func() bool { return c.State() == StateBound }, time.Second, 10*time.Millisecond)

	select {
	case sent := <-conn.toServer:
		udpAddr, ok := sent.dest.(*net.UDPAddr)
		require.True(t, ok)
		assert.True(t, udpAddr.IP.Equal(server.AsSlice()), "renew must unicast to the leasing server, not broadcast")

		req, err := dhcpmsg.Decode(sent.payload)
		require.NoError(t, err)
		assert.Equal(t, yiaddr, req.CIAddr)

		sid, ok := req.Options.IPOption(dhcpmsg.OptServerIdentifier)
		require.True(t, ok, "renew request must carry option 54 (server identifier)")
		assert.Equal(t, server, sid)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for renewal request")
	}
}

func TestClient_Release(t *testing.T) {
	conn := newFakeConn()
	hwAddr := testHWAddr()
	c := New(conn, hwAddr, testLogger())
	c.setState(StateBound)

	addr := netip.MustParseAddr("192.168.1.50")
	server := netip.MustParseAddr("192.168.1.1")

	require.NoError(t, c.Release(addr, server))
	assert.Equal(t, StateTerminated, c.State())

	// A second release must report termination rather than panicking on a
	// closed channel.
	assert.ErrorIs(t, c.Release(addr, server), errTerminated)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "bound", StateBound.String())
	assert.Equal(t, "unknown", State(99).String())
}
