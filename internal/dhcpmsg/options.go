package dhcpmsg

import "net/netip"

// Known DHCP option tags (RFC 2132), the subset this implementation
// understands.
const (
	tagPad              uint8 = 0
	OptSubnetMask       uint8 = 1
	OptRouter           uint8 = 3
	OptDNSServer        uint8 = 6
	OptRequestedIP      uint8 = 50
	OptLeaseTime        uint8 = 51
	OptMessageType      uint8 = 53
	OptServerIdentifier uint8 = 54
	tagEnd              uint8 = 255
)

// MessageType is the value carried by option 53.
type MessageType uint8

// Message type values used by this implementation.
const (
	MessageTypeNone    MessageType = 0
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeAck      MessageType = 5
	MessageTypeRelease  MessageType = 7
)

// option is a single TLV record.
type option struct {
	code  uint8
	value []byte
}

// Options is an ordered sequence of DHCP options. Order is preserved across
// Set calls (an update keeps the option's original position) so that
// round-tripping a decoded Message through Encode reproduces the same byte
// sequence.
type Options []option

// Get returns the value for code and whether it was present.
func (o Options) Get(code uint8) (value []byte, ok bool) {
	for _, opt := range o {
		if opt.code == code {
			return opt.value, true
		}
	}

	return nil, false
}

// Set inserts or updates the option with the given code.
func (o *Options) Set(code uint8, value []byte) {
	for i, opt := range *o {
		if opt.code == code {
			(*o)[i].value = value

			return
		}
	}

	*o = append(*o, option{code: code, value: value})
}

// MessageType returns the value of option 53, or MessageTypeNone if it is
// missing or not a single byte.
func (o Options) MessageType() MessageType {
	v, ok := o.Get(OptMessageType)
	if !ok || len(v) != 1 {
		return MessageTypeNone
	}

	return MessageType(v[0])
}

// SetMessageType sets option 53.
func (o *Options) SetMessageType(t MessageType) {
	o.Set(OptMessageType, []byte{uint8(t)})
}

// IPOption returns the first 4 bytes of an IP-valued option as a netip.Addr.
func (o Options) IPOption(code uint8) (netip.Addr, bool) {
	v, ok := o.Get(code)
	if !ok || len(v) < 4 {
		return netip.Addr{}, false
	}

	return getIP(v[:4]), true
}

// SetIPOption sets an IP-valued option to a single IPv4 address.
func (o *Options) SetIPOption(code uint8, a netip.Addr) {
	b := make([]byte, 4)
	putIP(b, a)
	o.Set(code, b)
}

// LeaseTime returns the value of option 51 in seconds.
func (o Options) LeaseTime() (seconds uint32, ok bool) {
	v, found := o.Get(OptLeaseTime)
	if !found || len(v) != 4 {
		return 0, false
	}

	return uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3]), true
}

// SetLeaseTime sets option 51 from a duration in seconds.
func (o *Options) SetLeaseTime(seconds uint32) {
	o.Set(OptLeaseTime, []byte{
		byte(seconds >> 24), byte(seconds >> 16), byte(seconds >> 8), byte(seconds),
	})
}

// encode serializes the options in order as Code,Length,Value TLVs. It does
// not emit the magic cookie or the terminating End option; the caller adds
// those.
func (o Options) encode() []byte {
	var buf []byte
	for _, opt := range o {
		buf = append(buf, opt.code, uint8(len(opt.value)))
		buf = append(buf, opt.value...)
	}

	return buf
}

// decodeOptions parses the TLV records in buf (the options area following
// the magic cookie). It stops, without error, at the End tag or at the
// first record whose declared length would read past the end of buf — the
// "graceful truncation" behavior required for malformed tails.
func decodeOptions(buf []byte) Options {
	var opts Options

	i := 0
	for i < len(buf) {
		tag := buf[i]
		if tag == tagEnd {
			break
		}
		if tag == tagPad {
			i++

			continue
		}

		if i+2 > len(buf) {
			break
		}

		length := int(buf[i+1])
		if i+2+length > len(buf) {
			break
		}

		value := make([]byte, length)
		copy(value, buf[i+2:i+2+length])
		opts = append(opts, option{code: tag, value: value})

		i += 2 + length
	}

	return opts
}
