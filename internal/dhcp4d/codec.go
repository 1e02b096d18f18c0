// Package dhcp4d implements a DHCPv4 server's wire codec and per-datagram
// session handler; address selection lives in package allocator.
package dhcp4d

import (
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/krolaw/dhcp4"
)

// ErrMalformedPacket is returned by Parse when a datagram does not conform
// to the BOOTP/DHCP layout: too short, bad magic cookie, or an option TLV
// walk that runs past the end of the buffer without a terminating tag.
var ErrMalformedPacket = errors.New("dhcp4d: malformed packet")

const (
	bootReply   = 2
	htypeEther  = 1
	hlenEther   = 6
	magicCookie = 0x63825363

	offOp     = 0
	offHType  = 1
	offHLen   = 2
	offHops   = 3
	offXID    = 4
	offSecs   = 8
	offFlags  = 10
	offCIAddr = 12
	offYIAddr = 16
	offSIAddr = 20
	offGIAddr = 24
	offCHAddr = 28
	offSName  = 44
	offFile   = 108
	offCookie = 236
	offOpts   = 240

	minPacketLen = 240
)

// Option tags this codec reads or writes. Named locally rather than pulled
// from dhcp4.OptionCode so the byte-level walk below stays a pure function
// of the wire layout spec.md §6 specifies, independent of library constants.
const (
	tagPad          = 0
	tagSubnetMask   = 1
	tagRouter       = 3
	tagDNS          = 6
	tagHostname     = 12
	tagNTP          = 42
	tagRequestedIP  = 50
	tagLeaseTime    = 51
	tagMessageType  = 53
	tagServerID     = 54
	tagParamReqList = 55
	tagClientID     = 61
	tagEnd          = 255
)

// Message is the decoded, logical form of an inbound DHCPv4 datagram: the
// fields the session handler needs, extracted from the BOOTP header and
// options region.
type Message struct {
	MessageType      dhcp4.MessageType
	XID              [4]byte
	ClientMAC        net.HardwareAddr
	CIAddr           net.IP
	Hostname         string
	RequestedIP      net.IP
	ServerIdentifier net.IP
	Broadcast        bool
}

// Parse decodes an inbound datagram per spec.md §4.1. It fails with
// ErrMalformedPacket when the buffer is shorter than 240 bytes, the magic
// cookie doesn't match, the option TLV walk overruns the buffer, or no
// message-type option (tag 53) is present.
func Parse(buf []byte) (*Message, error) {
	if len(buf) < minPacketLen {
		return nil, ErrMalformedPacket
	}

	cookie := binary.BigEndian.Uint32(buf[offCookie : offCookie+4])
	if cookie != magicCookie {
		return nil, ErrMalformedPacket
	}

	opts, err := parseOptions(buf[offOpts:])
	if err != nil {
		return nil, err
	}

	mtBytes, ok := opts[tagMessageType]
	if !ok || len(mtBytes) != 1 {
		return nil, ErrMalformedPacket
	}

	m := &Message{
		MessageType: dhcp4.MessageType(mtBytes[0]),
		ClientMAC:   net.HardwareAddr(append([]byte(nil), buf[offCHAddr:offCHAddr+6]...)),
		CIAddr:      net.IP(append([]byte(nil), buf[offCIAddr:offCIAddr+4]...)),
		Broadcast:   binary.BigEndian.Uint16(buf[offFlags:offFlags+2])&0x8000 != 0,
	}
	copy(m.XID[:], buf[offXID:offXID+4])

	if v, ok := opts[tagHostname]; ok {
		m.Hostname = strings.ToValidUTF8(string(v), string(utf8.RuneError))
	}
	if v, ok := opts[tagRequestedIP]; ok && len(v) == 4 {
		m.RequestedIP = net.IP(append([]byte(nil), v...))
	}
	if v, ok := opts[tagServerID]; ok && len(v) == 4 {
		m.ServerIdentifier = net.IP(append([]byte(nil), v...))
	}

	return m, nil
}

// parseOptions walks the TLV options region starting at the byte following
// the magic cookie. Tag 0 is single-byte padding, tag 255 terminates the
// walk, every other tag is followed by a length byte and that many value
// bytes. Any length that would read past the end of buf is malformed.
func parseOptions(buf []byte) (map[byte][]byte, error) {
	opts := make(map[byte][]byte)
	i := 0
	sawEnd := false
	for i < len(buf) {
		tag := buf[i]
		if tag == tagEnd {
			sawEnd = true
			break
		}
		if tag == tagPad {
			i++
			continue
		}
		if i+1 >= len(buf) {
			return nil, ErrMalformedPacket
		}
		length := int(buf[i+1])
		start := i + 2
		end := start + length
		if end > len(buf) {
			return nil, ErrMalformedPacket
		}
		if _, exists := opts[tag]; !exists {
			opts[tag] = buf[start:end]
		}
		i = end
	}
	if !sawEnd {
		return nil, ErrMalformedPacket
	}
	return opts, nil
}

// StaticOptions are the server-configured DHCP options emitted on every
// OFFER/ACK: subnet mask, router, DNS, and NTP server addresses.
type StaticOptions struct {
	SubnetMask net.IP
	Router     net.IP
	DNS        net.IP
	NTP        net.IP
}

// ReplyParams carries everything Serialize needs to build an OFFER or ACK.
type ReplyParams struct {
	MessageType  dhcp4.MessageType
	XID          [4]byte
	YourIP       net.IP
	ClientMAC    net.HardwareAddr
	ServerIP     net.IP
	LeaseSeconds uint32
	Options      StaticOptions
}

// Serialize builds an outbound BOOTP/DHCP datagram per spec.md §4.1: fixed
// header with op=2 (reply), htype=1, hlen=6, hops=0, the given xid,
// yiaddr/siaddr/chaddr set and the rest zeroed, the magic cookie, then
// options in the fixed order 53, 54, 1, 3, 6, 42, 51, 255.
func Serialize(p ReplyParams) []byte {
	buf := make([]byte, minPacketLen)

	buf[offOp] = bootReply
	buf[offHType] = htypeEther
	buf[offHLen] = hlenEther
	buf[offHops] = 0
	copy(buf[offXID:offXID+4], p.XID[:])
	// secs, flags, ciaddr, giaddr left zero.

	yiaddr := p.YourIP.To4()
	if yiaddr != nil {
		copy(buf[offYIAddr:offYIAddr+4], yiaddr)
	}
	siaddr := p.ServerIP.To4()
	if siaddr != nil {
		copy(buf[offSIAddr:offSIAddr+4], siaddr)
	}

	mac := p.ClientMAC
	if len(mac) > 6 {
		mac = mac[:6]
	}
	copy(buf[offCHAddr:offCHAddr+len(mac)], mac)
	// remaining chaddr bytes, sname, file already zero.

	binary.BigEndian.PutUint32(buf[offCookie:offCookie+4], magicCookie)

	var opts []byte
	opts = appendOption(opts, tagMessageType, []byte{byte(p.MessageType)})
	if siaddr != nil {
		opts = appendOption(opts, tagServerID, siaddr)
	}
	if v := p.Options.SubnetMask.To4(); v != nil {
		opts = appendOption(opts, tagSubnetMask, v)
	}
	if v := p.Options.Router.To4(); v != nil {
		opts = appendOption(opts, tagRouter, v)
	}
	if v := p.Options.DNS.To4(); v != nil {
		opts = appendOption(opts, tagDNS, v)
	}
	if v := p.Options.NTP.To4(); v != nil {
		opts = appendOption(opts, tagNTP, v)
	}
	leaseBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(leaseBytes, p.LeaseSeconds)
	opts = appendOption(opts, tagLeaseTime, leaseBytes)
	opts = append(opts, tagEnd)

	return append(buf, opts...)
}

func appendOption(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag, byte(len(value)))
	return append(buf, value...)
}
