package dhcpmsg_test

import (
	"net/netip"
	"testing"

	"github.com/dhcplab/dhcpsuite/internal/dhcpmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_setGet(t *testing.T) {
	var opts dhcpmsg.Options

	_, ok := opts.Get(dhcpmsg.OptRouter)
	assert.False(t, ok)

	opts.Set(dhcpmsg.OptRouter, []byte{192, 0, 2, 1})
	v, ok := opts.Get(dhcpmsg.OptRouter)
	require.True(t, ok)
	assert.Equal(t, []byte{192, 0, 2, 1}, v)
}

func TestOptions_setUpdatesInPlace(t *testing.T) {
	var opts dhcpmsg.Options

	opts.Set(dhcpmsg.OptRouter, []byte{192, 0, 2, 1})
	opts.Set(dhcpmsg.OptDNSServer, []byte{8, 8, 8, 8})
	opts.Set(dhcpmsg.OptRouter, []byte{192, 0, 2, 254})

	require.Len(t, opts, 2)

	v, ok := opts.Get(dhcpmsg.OptRouter)
	require.True(t, ok)
	assert.Equal(t, []byte{192, 0, 2, 254}, v)

	// Updating in place must not reorder the options: the router option,
	// set first, must still be encoded before the DNS server option.
	m := &dhcpmsg.Message{CHAddr: make([]byte, 6), Options: opts}
	buf := dhcpmsg.Encode(m)

	routerTag := buf[236+4]
	assert.Equal(t, dhcpmsg.OptRouter, routerTag)

	dnsTagOffset := 236 + 4 + 2 + 4 // cookie + router TLV header + 4-byte value
	assert.Equal(t, dhcpmsg.OptDNSServer, buf[dnsTagOffset])
}

func TestOptions_messageType(t *testing.T) {
	var opts dhcpmsg.Options

	assert.Equal(t, dhcpmsg.MessageTypeNone, opts.MessageType())

	opts.SetMessageType(dhcpmsg.MessageTypeDiscover)
	assert.Equal(t, dhcpmsg.MessageTypeDiscover, opts.MessageType())
}

func TestOptions_ipOption(t *testing.T) {
	var opts dhcpmsg.Options

	_, ok := opts.IPOption(dhcpmsg.OptSubnetMask)
	assert.False(t, ok)

	want := netip.MustParseAddr("255.255.255.0")
	opts.SetIPOption(dhcpmsg.OptSubnetMask, want)

	got, ok := opts.IPOption(dhcpmsg.OptSubnetMask)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestOptions_leaseTime(t *testing.T) {
	var opts dhcpmsg.Options

	_, ok := opts.LeaseTime()
	assert.False(t, ok)

	opts.SetLeaseTime(3600)
	got, ok := opts.LeaseTime()
	require.True(t, ok)
	assert.EqualValues(t, 3600, got)
}
