// Package ratelimit implements the hierarchical GCRA-style limiter and
// hashcash-style proof-of-work counter from spec §4.D, grounded on the
// original Rust rate_limit module's AddressKey hierarchy and decay
// math, expressed with golang.org/x/time/rate (the same token-bucket
// idea the governor crate rides on) and hashicorp/golang-lru for the
// bounded ban/penalty/PoW tables.
package ratelimit

import "net"

// Level names an AddressKey's position in the hierarchy.
type Level string

const (
	LevelIPv4Individual Level = "ipv4_individual"
	LevelIPv4Network    Level = "ipv4_network"
	LevelIPv6Subnet     Level = "ipv6_subnet"
	LevelIPv6Provider   Level = "ipv6_provider"
)

// AddressKey identifies one hierarchical bucket derived from a client
// IP: an individual IPv4 host, its /24 network, an IPv6 /64 subnet, or
// a coarser IPv6 /48 "provider" range. It is comparable so it can key a
// map or LRU cache directly.
type AddressKey struct {
	Level Level
	Value string // canonical string form of the address/prefix
}

// ExtractAll returns every AddressKey level that applies to addr: two
// levels for IPv4 (individual + network), two for IPv6 (subnet +
// provider). Every request is checked against every applicable level.
func ExtractAll(addr net.IP) []AddressKey {
	if v4 := addr.To4(); v4 != nil {
		return []AddressKey{
			{Level: LevelIPv4Individual, Value: v4.String()},
			{Level: LevelIPv4Network, Value: maskedString(v4, net.CIDRMask(24, 32))},
		}
	}
	v6 := addr.To16()
	if v6 == nil {
		return nil
	}
	return []AddressKey{
		{Level: LevelIPv6Subnet, Value: maskedString(v6, net.CIDRMask(64, 128))},
		{Level: LevelIPv6Provider, Value: maskedString(v6, net.CIDRMask(48, 128))},
	}
}

// IndividualKey returns only the most specific (individual) key for an
// address — the level the PoW counter's "individual" tier uses.
func IndividualKey(addr net.IP) AddressKey {
	if v4 := addr.To4(); v4 != nil {
		return AddressKey{Level: LevelIPv4Individual, Value: v4.String()}
	}
	return AddressKey{Level: LevelIPv6Subnet, Value: maskedString(addr.To16(), net.CIDRMask(64, 128))}
}

// NetworkKey returns the coarser "network" key for an address — the
// level the PoW counter's "network" tier uses, and the level a
// network-affecting penalty propagates to.
func NetworkKey(addr net.IP) AddressKey {
	if v4 := addr.To4(); v4 != nil {
		return AddressKey{Level: LevelIPv4Network, Value: maskedString(v4, net.CIDRMask(24, 32))}
	}
	return AddressKey{Level: LevelIPv6Provider, Value: maskedString(addr.To16(), net.CIDRMask(48, 128))}
}

func maskedString(ip net.IP, mask net.IPMask) string {
	masked := ip.Mask(mask)
	ones, _ := mask.Size()
	return masked.String() + "/" + itoa(ones)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
