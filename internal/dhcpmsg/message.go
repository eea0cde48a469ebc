// Package dhcpmsg implements the bit-exact DHCPv4/BOOTP wire format: the
// fixed 236-byte header, the 312-byte options area, and the TLV options
// sequence described in RFC 2131/2132.
//
// The codec operates field-by-field against a byte buffer rather than
// relying on any Go struct's in-memory layout, so the 548-byte wire format is
// identical regardless of host alignment rules.
package dhcpmsg

import (
	"encoding/binary"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Op codes for the op field.
const (
	BootRequest uint8 = 1
	BootReply   uint8 = 2
)

// HTypeEthernet is the hardware type value for Ethernet.
const HTypeEthernet uint8 = 1

// HLenEthernet is the hardware address length for Ethernet.
const HLenEthernet uint8 = 6

// FlagBroadcast is bit 15 of the flags field.
const FlagBroadcast uint16 = 0x8000

// Wire layout sizes.
const (
	headerSize  = 236
	optionsSize = 312
	// PacketSize is the total size of an encoded DHCPv4 packet: the fixed
	// header plus the options area.
	PacketSize = headerSize + optionsSize

	chaddrSize = 16
	snameSize  = 64
	fileSize   = 128
)

// magicCookie marks the start of the DHCP options area within the BOOTP
// options field.
var magicCookie = [4]byte{99, 130, 83, 99} // 0x63 0x82 0x53 0x63

// errShortBuffer is returned by Decode when buf is too small to hold a
// header and the magic cookie.
const errShortBuffer errors.Error = "dhcpmsg: buffer shorter than a bootp header plus cookie"

// errBadCookie is returned by Decode when the options area does not begin
// with the DHCP magic cookie.
const errBadCookie errors.Error = "dhcpmsg: missing or invalid magic cookie"

// Message is a decoded DHCPv4/BOOTP packet.
type Message struct {
	Op     uint8
	HType  uint8
	HLen   uint8
	Hops   uint8
	Xid    uint32
	Secs   uint16
	Flags  uint16
	CIAddr netip.Addr
	YIAddr netip.Addr
	SIAddr netip.Addr
	GIAddr netip.Addr

	// CHAddr is the client hardware address. It must be at most 16 bytes;
	// Encode zero-fills the remainder of the 16-byte wire field.
	CHAddr []byte

	// SName and File are carried verbatim; this implementation never
	// populates them (no boot-filename/server-name support), but preserves
	// whatever bytes Decode found so that re-Encoding is lossless.
	SName [snameSize]byte
	File  [fileSize]byte

	Options Options
}

// Broadcast reports whether the broadcast bit is set in Flags.
func (m *Message) Broadcast() bool {
	return m.Flags&FlagBroadcast != 0
}

// SetBroadcast sets or clears the broadcast bit in Flags.
func (m *Message) SetBroadcast(b bool) {
	if b {
		m.Flags |= FlagBroadcast
	} else {
		m.Flags &^= FlagBroadcast
	}
}

func putIP(b []byte, a netip.Addr) {
	if !a.IsValid() {
		return
	}

	a4 := a.As4()
	copy(b, a4[:])
}

// getIP reads a 4-byte IPv4 field. An all-zero field decodes to the zero
// netip.Addr, the "unset" value that putIP encodes as zeros.
func getIP(b []byte) netip.Addr {
	var a4 [4]byte
	copy(a4[:], b)
	if a4 == [4]byte{} {
		return netip.Addr{}
	}

	return netip.AddrFrom4(a4)
}

// Encode serializes m into a new 548-byte buffer.
//
// Unused bytes (chaddr padding, the SName/File fields when zero, and the
// unused tail of the options area) are zero.
func Encode(m *Message) []byte {
	buf := make([]byte, PacketSize)

	buf[0] = m.Op
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.Xid)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	putIP(buf[12:16], m.CIAddr)
	putIP(buf[16:20], m.YIAddr)
	putIP(buf[20:24], m.SIAddr)
	putIP(buf[24:28], m.GIAddr)
	copy(buf[28:28+chaddrSize], m.CHAddr)
	copy(buf[44:44+snameSize], m.SName[:])
	copy(buf[108:108+fileSize], m.File[:])

	optsOff := headerSize
	copy(buf[optsOff:optsOff+4], magicCookie[:])

	tlv := m.Options.encode()
	// optsOff+4 is the start of the TLV area; the last byte is reserved for
	// the terminating End option and the rest is implicitly zero (Pad).
	copy(buf[optsOff+4:optsOff+optionsSize-1], tlv)
	buf[optsOff+4+len(tlv)] = tagEnd

	return buf
}

// Decode parses buf, which must be at least headerSize+4 bytes, into a
// Message. It validates the magic cookie and stops scanning options at the
// first truncated or End record without returning an error for a short or
// malformed tail, per RFC 2131's tolerance for garbage after End.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerSize+4 {
		return nil, errShortBuffer
	}

	m := &Message{}
	m.Op = buf[0]
	m.HType = buf[1]
	m.HLen = buf[2]
	m.Hops = buf[3]
	m.Xid = binary.BigEndian.Uint32(buf[4:8])
	m.Secs = binary.BigEndian.Uint16(buf[8:10])
	m.Flags = binary.BigEndian.Uint16(buf[10:12])
	m.CIAddr = getIP(buf[12:16])
	m.YIAddr = getIP(buf[16:20])
	m.SIAddr = getIP(buf[20:24])
	m.GIAddr = getIP(buf[24:28])

	m.CHAddr = make([]byte, chaddrSize)
	copy(m.CHAddr, buf[28:28+chaddrSize])

	copy(m.SName[:], buf[44:44+snameSize])
	copy(m.File[:], buf[108:108+fileSize])

	optsOff := headerSize
	optsEnd := optsOff + optionsSize
	if optsEnd > len(buf) {
		optsEnd = len(buf)
	}

	if optsEnd-optsOff < 4 {
		return nil, errShortBuffer
	}

	var cookie [4]byte
	copy(cookie[:], buf[optsOff:optsOff+4])
	if cookie != magicCookie {
		return nil, errBadCookie
	}

	m.Options = decodeOptions(buf[optsOff+4 : optsEnd])

	return m, nil
}
