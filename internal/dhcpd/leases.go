package dhcpd

import (
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// Lease is a single DHCP lease entry.
type Lease struct {
	IP      netip.Addr
	HWAddr  []byte
	Expiry  time.Time
	Pending bool
}

// errNoFreeAddresses is returned by allocate when the pool is exhausted and
// no expired lease could be reclaimed.
const errNoFreeAddresses errors.Error = "dhcpd: no free addresses in pool"

// leaseTable is the server's lease store, indexed both by IP and by hardware
// address so that allocate, commit, renew, and release can all avoid a
// linear scan over anything but the free-address search itself.
type leaseTable struct {
	mu sync.Mutex

	byIP     map[netip.Addr]*Lease
	byHWAddr map[string]*Lease

	rangeLo netip.Addr
	rangeHi netip.Addr
	ttl     time.Duration
}

// newLeaseTable returns an empty table over the pool [lo, hi].
func newLeaseTable(lo, hi netip.Addr, ttl time.Duration) *leaseTable {
	return &leaseTable{
		byIP:     map[netip.Addr]*Lease{},
		byHWAddr: map[string]*Lease{},
		rangeLo:  lo,
		rangeHi:  hi,
		ttl:      ttl,
	}
}

func hwKey(hwAddr []byte) string {
	return string(hwAddr)
}

// allocate returns the existing lease for hwAddr if one is already
// reserved, or reserves the lowest free address in the pool as a pending
// (uncommitted) lease.  An expired lease is reclaimed if the pool is
// otherwise full.
func (t *leaseTable) allocate(hwAddr []byte) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.byHWAddr[hwKey(hwAddr)]; ok {
		return l, nil
	}

	now := time.Now()

	for ip := t.rangeLo; ; ip = nextAddr(ip) {
		if _, taken := t.byIP[ip]; !taken {
			l := &Lease{IP: ip, HWAddr: append([]byte(nil), hwAddr...), Pending: true}
			t.byIP[ip] = l
			t.byHWAddr[hwKey(hwAddr)] = l

			return l, nil
		}

		if ip == t.rangeHi {
			break
		}
	}

	for ip := t.rangeLo; ; ip = nextAddr(ip) {
		l := t.byIP[ip]
		if l != nil && !l.Pending && now.After(l.Expiry) {
			delete(t.byHWAddr, hwKey(l.HWAddr))
			l.HWAddr = append([]byte(nil), hwAddr...)
			l.Pending = true
			t.byHWAddr[hwKey(hwAddr)] = l

			return l, nil
		}

		if ip == t.rangeHi {
			break
		}
	}

	return nil, errNoFreeAddresses
}

// commit marks the lease for ip as active, setting its expiry ttl from now,
// provided the lease is held by hwAddr. A mismatched or absent lease is
// left untouched.
func (t *leaseTable) commit(ip netip.Addr, hwAddr []byte) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byIP[ip]
	if !ok || hwKey(l.HWAddr) != hwKey(hwAddr) {
		return nil, false
	}

	l.Pending = false
	l.Expiry = time.Now().Add(t.ttl)

	return l, true
}

// renew extends the expiry of the lease held by hwAddr for ip, provided the
// lease matches hwAddr.
func (t *leaseTable) renew(ip netip.Addr, hwAddr []byte) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byIP[ip]
	if !ok || hwKey(l.HWAddr) != hwKey(hwAddr) {
		return nil, false
	}

	l.Pending = false
	l.Expiry = time.Now().Add(t.ttl)

	return l, true
}

// release removes the lease belonging to hwAddr, if it holds ip.
func (t *leaseTable) release(ip netip.Addr, hwAddr []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byIP[ip]
	if !ok || hwKey(l.HWAddr) != hwKey(hwAddr) {
		return false
	}

	delete(t.byIP, ip)
	delete(t.byHWAddr, hwKey(l.HWAddr))

	return true
}

// byHardwareAddr returns the lease reserved for hwAddr, if any.
func (t *leaseTable) byHardwareAddr(hwAddr []byte) (*Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.byHWAddr[hwKey(hwAddr)]

	return l, ok
}

// sweep removes every committed lease whose expiry has passed, freeing its
// address for reuse.  Pending (uncommitted) leases are left alone, and
// allocate does not reclaim them either: a pending reservation keeps its
// address until its client commits or releases it.
func (t *leaseTable) sweep(now time.Time) (removed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, l := range t.byIP {
		if !l.Pending && now.After(l.Expiry) {
			delete(t.byIP, ip)
			delete(t.byHWAddr, hwKey(l.HWAddr))
			removed++
		}
	}

	return removed
}

// nextAddr returns the IPv4 address following a, wrapping within its
// 4-byte representation (the caller bounds the scan with rangeHi, so wrap
// only matters if the pool spans a byte boundary awkwardly, which the
// config validator prevents by keeping the pool within one /24).
func nextAddr(a netip.Addr) netip.Addr {
	b := a.As4()
	b[3]++

	return netip.AddrFrom4(b)
}
