package dhcpd

import (
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// ServerConfig is the YAML-driven configuration for the DHCP server.  The
// order of fields follows the order they appear in the configuration file.
type ServerConfig struct {
	InterfaceName string `yaml:"interface_name"`

	// CIDR is the network served, e.g. "192.168.1.0/24".  The network
	// address, broadcast address and gateway (network address + 1) are all
	// derived from it.
	CIDR string `yaml:"cidr"`

	// RangeStart and RangeEnd are host offsets within CIDR's address space
	// (not full addresses) delimiting the pool of dynamically assignable
	// addresses, inclusive on both ends.
	RangeStart uint8 `yaml:"range_start"`
	RangeEnd   uint8 `yaml:"range_end"`

	DNSServer string `yaml:"dns_server"`

	// LeaseDuration is the lease lifetime in seconds.
	LeaseDuration uint32 `yaml:"lease_duration"`

	// Workers is the number of goroutines reading from the shared socket.
	// Defaults to 1 if zero.
	Workers int `yaml:"workers"`

	// resolved holds the values computed from CIDR by Validate.
	resolved resolvedConfig
}

// resolvedConfig holds the netip-typed values derived from a validated
// ServerConfig.
type resolvedConfig struct {
	network   netip.Prefix
	gateway   netip.Addr
	mask      netip.Addr
	broadcast netip.Addr
	dns       netip.Addr
	rangeLo   netip.Addr
	rangeHi   netip.Addr
	leaseTTL  time.Duration
}

// maxPrefixLen is the most specific IPv4 prefix this implementation accepts.
// A prefix stricter than /24 leaves no room for a dynamic pool and is
// rejected by Validate.
const maxPrefixLen = 24

// Validate parses and checks c's fields, populating the derived addresses.
// It must be called once before the configuration is used to construct a
// Server.
func (c *ServerConfig) Validate() (err error) {
	defer func() { err = errors.Annotate(err, "validating dhcp config: %w") }()

	if c.InterfaceName == "" {
		return errors.Error("interface_name must not be empty")
	}

	prefix, err := netip.ParsePrefix(c.CIDR)
	if err != nil {
		return errors.Annotate(err, "parsing cidr: %w")
	}

	if prefix.Bits() > maxPrefixLen {
		return errors.Error("cidr prefix must be /24 or wider to leave room for a dynamic pool")
	}

	if c.RangeStart == 0 || c.RangeEnd == 0 {
		return errors.Error("range_start and range_end must be set")
	}

	if c.RangeStart > c.RangeEnd {
		return errors.Error("range_start must not be greater than range_end")
	}

	dns, err := netip.ParseAddr(c.DNSServer)
	if err != nil {
		return errors.Annotate(err, "parsing dns_server: %w")
	}

	network := prefix.Masked()
	base := network.Addr().As4()

	gateway := base
	gateway[3]++

	mask := maskFromBits(prefix.Bits())

	broadcast := base
	for i, m := range mask {
		broadcast[i] |= ^m
	}

	rangeLo := base
	rangeLo[3] = c.RangeStart
	rangeHi := base
	rangeHi[3] = c.RangeEnd

	if c.Workers <= 0 {
		c.Workers = 1
	}

	leaseTTL := 24 * time.Hour
	if c.LeaseDuration != 0 {
		leaseTTL = time.Duration(c.LeaseDuration) * time.Second
	}

	c.resolved = resolvedConfig{
		network:   network,
		gateway:   netip.AddrFrom4(gateway),
		mask:      netip.AddrFrom4(mask),
		broadcast: netip.AddrFrom4(broadcast),
		dns:       dns,
		rangeLo:   netip.AddrFrom4(rangeLo),
		rangeHi:   netip.AddrFrom4(rangeHi),
		leaseTTL:  leaseTTL,
	}

	return nil
}

// maskFromBits returns the 4-byte subnet mask for an IPv4 prefix length.
func maskFromBits(bits int) (mask [4]byte) {
	for i := 0; i < bits; i++ {
		mask[i/8] |= 1 << (7 - uint(i%8))
	}

	return mask
}
