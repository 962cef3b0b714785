package utils

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/apparentlymart/go-cidr/cidr"
)

// ToIPNet converts an IPv4 prefix into the net.IPNet form used by go-cidr.
func ToIPNet(p netip.Prefix) *net.IPNet {
	p = p.Masked()
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// FromIPNet converts a net.IPNet back into a prefix.
func FromIPNet(n *net.IPNet) (netip.Prefix, error) {
	ip := n.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid network address %v", n.IP)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones).Masked(), nil
}

// Halves splits a prefix into its two child prefixes. Host prefixes cannot
// be split and return an error.
func Halves(p netip.Prefix) (netip.Prefix, netip.Prefix, error) {
	base := ToIPNet(p)
	lo, err := cidr.Subnet(base, 1, 0)
	if err != nil {
		return netip.Prefix{}, netip.Prefix{}, fmt.Errorf("split %s: %w", p, err)
	}
	hi, err := cidr.Subnet(base, 1, 1)
	if err != nil {
		return netip.Prefix{}, netip.Prefix{}, fmt.Errorf("split %s: %w", p, err)
	}
	loPrefix, err := FromIPNet(lo)
	if err != nil {
		return netip.Prefix{}, netip.Prefix{}, err
	}
	hiPrefix, err := FromIPNet(hi)
	if err != nil {
		return netip.Prefix{}, netip.Prefix{}, err
	}
	return loPrefix, hiPrefix, nil
}

// LastAddr returns the highest address inside a prefix.
func LastAddr(p netip.Prefix) netip.Addr {
	_, last := cidr.AddressRange(ToIPNet(p))
	addr, _ := netip.AddrFromSlice(last)
	return addr.Unmap()
}

// CIDRSize returns the number of addresses in a CIDR network.
func CIDRSize(p netip.Prefix) uint64 {
	return cidr.AddressCount(ToIPNet(p))
}

// RangeToPrefixes decomposes an inclusive IPv4 address range into the
// minimal list of covering prefixes, in address order.
func RangeToPrefixes(start, end netip.Addr) ([]netip.Prefix, error) {
	start, end = start.Unmap(), end.Unmap()
	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("range %s-%s is not IPv4", start, end)
	}
	if end.Less(start) {
		return nil, fmt.Errorf("range %s-%s is inverted", start, end)
	}

	var prefixes []netip.Prefix
	cur := start
	for {
		bits := 32
		for bits > 0 {
			candidate := netip.PrefixFrom(cur, bits-1)
			if candidate.Masked().Addr() != cur || end.Less(LastAddr(candidate)) {
				break
			}
			bits--
		}
		p := netip.PrefixFrom(cur, bits)
		prefixes = append(prefixes, p)
		last := LastAddr(p)
		if last == end {
			return prefixes, nil
		}
		cur = last.Next()
	}
}
