package dhcpd

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRangeLoStr = "192.0.2.10"
	testRangeHiStr = "192.0.2.12"
)

var (
	testRangeLo = netip.MustParseAddr(testRangeLoStr)
	testRangeHi = netip.MustParseAddr(testRangeHiStr)
)

func testHWAddr(b byte) []byte {
	return []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, b}
}

func TestLeaseTable_allocate(t *testing.T) {
	table := newLeaseTable(testRangeLo, testRangeHi, time.Minute)

	l1, err := table.allocate(testHWAddr(1))
	require.NoError(t, err)
	assert.Equal(t, testRangeLo, l1.IP)
	assert.True(t, l1.Pending)

	// Re-allocating for the same hardware address returns the same lease.
	l1Again, err := table.allocate(testHWAddr(1))
	require.NoError(t, err)
	assert.Same(t, l1, l1Again)

	l2, err := table.allocate(testHWAddr(2))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.11"), l2.IP)

	l3, err := table.allocate(testHWAddr(3))
	require.NoError(t, err)
	assert.Equal(t, testRangeHi, l3.IP)

	_, err = table.allocate(testHWAddr(4))
	assert.ErrorIs(t, err, errNoFreeAddresses)
}

func TestLeaseTable_allocate_reclaimsExpired(t *testing.T) {
	table := newLeaseTable(testRangeLo, testRangeHi, time.Minute)

	for i := byte(1); i <= 3; i++ {
		l, err := table.allocate(testHWAddr(i))
		require.NoError(t, err)
		_, ok := table.commit(l.IP, testHWAddr(i))
		require.True(t, ok)
	}

	// Manually expire the middle lease.
	mid := netip.MustParseAddr("192.0.2.11")
	table.byIP[mid].Expiry = time.Now().Add(-time.Second)

	l, err := table.allocate(testHWAddr(9))
	require.NoError(t, err)
	assert.Equal(t, mid, l.IP)
	assert.True(t, l.Pending)
}

func TestLeaseTable_commitRenewRelease(t *testing.T) {
	table := newLeaseTable(testRangeLo, testRangeHi, time.Minute)

	hw := testHWAddr(1)
	l, err := table.allocate(hw)
	require.NoError(t, err)

	_, ok := table.commit(l.IP, testHWAddr(2))
	assert.False(t, ok, "commit must reject a hardware address that does not hold the lease")
	assert.True(t, l.Pending, "a rejected commit must not mutate the lease")

	committed, ok := table.commit(l.IP, hw)
	require.True(t, ok)
	assert.False(t, committed.Pending)
	assert.False(t, committed.Expiry.IsZero())

	renewed, ok := table.renew(l.IP, hw)
	require.True(t, ok)
	assert.True(t, renewed.Expiry.After(time.Now()))

	_, ok = table.renew(l.IP, testHWAddr(2))
	assert.False(t, ok)

	assert.True(t, table.release(l.IP, hw))
	_, ok = table.byHardwareAddr(hw)
	assert.False(t, ok)
}

func TestLeaseTable_sweep(t *testing.T) {
	table := newLeaseTable(testRangeLo, testRangeHi, time.Minute)

	hw := testHWAddr(1)
	l, err := table.allocate(hw)
	require.NoError(t, err)
	table.commit(l.IP, hw)

	removed := table.sweep(time.Now())
	assert.Zero(t, removed)

	removed = table.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)

	_, ok := table.byHardwareAddr(hw)
	assert.False(t, ok)
}
