package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Family selects one of the two address planes the registry indexes.
// Each enabled family gets its own hash table.
type Family uint8

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Address is the registry's view of a server endpoint. IPv4 addresses use
// the first four bytes of IP, IPv6 addresses all sixteen plus the scope.
// The port is kept in host order; hashing and comparison only need one
// consistent order, not the wire's.
type Address struct {
	Family  Family
	IP      [16]byte
	Port    uint16
	ScopeID uint32
}

// IPv4 builds an IPv4 endpoint.
func IPv4(ip [4]byte, port uint16) Address {
	a := Address{Family: FamilyIPv4, Port: port}
	copy(a.IP[:4], ip[:])
	return a
}

// IPv6 builds an IPv6 endpoint.
func IPv6(ip [16]byte, port uint16, scope uint32) Address {
	return Address{Family: FamilyIPv6, IP: ip, Port: port, ScopeID: scope}
}

// FromUDPAddr converts a socket address. A dual-stack socket reports IPv4
// peers as 4-in-6 mapped addresses; those become plain IPv4 here so both
// socket flavours land on the same records. Returns false for an address
// the registry cannot index.
func FromUDPAddr(ua *net.UDPAddr) (Address, bool) {
	if ua == nil {
		return Address{}, false
	}
	var a Address
	if ip4 := ua.IP.To4(); ip4 != nil {
		a.Family = FamilyIPv4
		copy(a.IP[:4], ip4)
	} else if ip16 := ua.IP.To16(); ip16 != nil {
		a.Family = FamilyIPv6
		copy(a.IP[:], ip16)
		a.ScopeID = zoneScope(ua.Zone)
	} else {
		return Address{}, false
	}
	a.Port = uint16(ua.Port)
	return a, true
}

// Hash folds an endpoint into hashSize bits. IPv6 hashes only the subnet
// half so one multi-homed host lands in a single bucket; the host half
// varies per interface and would scatter it. Folding the port in is
// optional and reserved for stress testing.
func (a Address) Hash(hashSize uint, hashPorts bool) uint32 {
	var h uint32
	if a.Family == FamilyIPv6 {
		h = binary.BigEndian.Uint32(a.IP[0:4]) ^ binary.BigEndian.Uint32(a.IP[4:8])
	} else {
		h = binary.BigEndian.Uint32(a.IP[0:4])
	}
	if hashPorts {
		h ^= uint32(a.Port)
	}
	h = (h & 0xFFFF) ^ (h >> 16)
	return (h ^ (h >> hashSize)) & (1<<hashSize - 1)
}

// SameAddress compares two endpoints. exact means the whole endpoint
// matches. samePublic means both sit on the same public host: the full
// 32-bit address for IPv4, the subnet half for IPv6. The per-address quota
// counts public hosts, not endpoints.
func SameAddress(a, b Address) (exact, samePublic bool) {
	if a.Family != b.Family {
		return false, false
	}
	if a.Family == FamilyIPv4 {
		samePublic = binary.BigEndian.Uint32(a.IP[0:4]) == binary.BigEndian.Uint32(b.IP[0:4])
		exact = samePublic && a.Port == b.Port
		return exact, samePublic
	}
	samePublic = bytes.Equal(a.IP[0:8], b.IP[0:8])
	exact = samePublic &&
		a.ScopeID == b.ScopeID &&
		a.Port == b.Port &&
		bytes.Equal(a.IP[8:16], b.IP[8:16])
	return exact, samePublic
}

var in6Loopback = [16]byte{15: 1}

// IsLoopback reports whether the endpoint sits on a loopback address,
// 127.0.0.0/8 for IPv4 or ::1 for IPv6.
func (a Address) IsLoopback() bool {
	if a.Family == FamilyIPv4 {
		return a.IP[0] == 127
	}
	return a.IP == in6Loopback
}

// String renders host:port, bracketing IPv6 hosts.
func (a Address) String() string {
	host := net.IP(a.IP[:4]).String()
	if a.Family == FamilyIPv6 {
		host = net.IP(a.IP[:]).String()
		if a.ScopeID != 0 {
			host = fmt.Sprintf("%s%%%d", host, a.ScopeID)
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// zoneScope maps a socket zone to a numeric scope. Zones usually carry the
// interface name; numeric zones appear on systems without a name for it.
func zoneScope(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	return 0
}
