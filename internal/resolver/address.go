package resolver

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// Family identifies the address family of a SocketAddress.
type Family uint8

const (
	// FamilyIPv4 is AF_INET.
	FamilyIPv4 Family = 4
	// FamilyIPv6 is AF_INET6.
	FamilyIPv6 Family = 6
)

// Sizes of struct sockaddr_in and struct sockaddr_in6.
const (
	sockaddrInet4Len = 16
	sockaddrInet6Len = 28
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// network returns the LookupNetIP network name for the family.
func (f Family) network() string {
	if f == FamilyIPv6 {
		return "ip6"
	}
	return "ip4"
}

// SocketAddress is a resolved endpoint ready to be dialed.
// Exactly one family is populated, and it always matches Addr.
type SocketAddress struct {
	Family Family
	Addr   netip.Addr
	Port   uint16
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses are
// IPv4. An invalid address has family 0.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case addr.Is4() || addr.Is4In6():
		return FamilyIPv4
	case addr.Is6():
		return FamilyIPv6
	default:
		return 0
	}
}

// newSocketAddress builds a SocketAddress from a looked-up address.
func newSocketAddress(addr netip.Addr, port uint16) (SocketAddress, error) {
	switch FamilyOf(addr) {
	case FamilyIPv4:
		return SocketAddress{Family: FamilyIPv4, Addr: addr.Unmap(), Port: port}, nil
	case FamilyIPv6:
		return SocketAddress{Family: FamilyIPv6, Addr: addr, Port: port}, nil
	default:
		return SocketAddress{}, ErrUnsupportedFamily
	}
}

// Len returns the length of the OS sockaddr structure for the address.
func (a SocketAddress) Len() int {
	if a.Family == FamilyIPv6 {
		return sockaddrInet6Len
	}
	return sockaddrInet4Len
}

// Network returns the dial network for the address, "tcp4" or "tcp6".
func (a SocketAddress) Network() string {
	if a.Family == FamilyIPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// AddrPort returns the address and port as a dial target.
func (a SocketAddress) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.Addr, a.Port)
}

// NetworkPort returns the port as stored in a sockaddr: big-endian.
func (a SocketAddress) NetworkPort() [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], a.Port)
	return b
}

// String renders the address the way the diagnostics print it: dotted quad
// for IPv4 and eight uncompressed hex groups for IPv6.
func (a SocketAddress) String() string {
	return FormatAddr(a.Addr)
}

// FormatAddr renders addr as a dotted quad (IPv4) or as eight colon-separated
// groups of four hex digits (IPv6). Zero groups are never compressed.
func FormatAddr(addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		return addr.Unmap().String()
	}
	if !addr.Is6() {
		return addr.String()
	}

	b := addr.As16()
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x%02x", b[i], b[i+1])
	}
	return sb.String()
}
