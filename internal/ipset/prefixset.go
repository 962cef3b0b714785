// Package ipset implements the address-space arithmetic behind rule
// compilation: an immutable set of IPv4 prefixes and a set of
// source/destination pairs built on top of it.
package ipset

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"static-flow-verifier/internal/utils"
)

// PrefixSet is an immutable, address-sorted list of non-overlapping IPv4
// prefixes. Adjacent prefixes are not coalesced, so two sets covering the
// same addresses may still compare unequal.
//
// IPv6 is not supported; IPv6 prefixes are dropped on construction, which
// makes an IPv6-only set empty.
type PrefixSet struct {
	prefixes []netip.Prefix
}

// New builds a normalized set from arbitrary prefixes.
func New(prefixes ...netip.Prefix) PrefixSet {
	ps := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if !p.IsValid() {
			continue
		}
		addr := p.Addr().Unmap()
		if !addr.Is4() {
			continue
		}
		bits := p.Bits()
		if p.Addr().Is4In6() {
			// shorter than /96 reaches into the IPv6 space
			if bits < 96 {
				continue
			}
			bits -= 96
		}
		ps = append(ps, netip.PrefixFrom(addr, bits).Masked())
	}
	slices.SortFunc(ps, comparePrefix)
	return PrefixSet{prefixes: dropNested(ps)}
}

// Parse builds a set from CIDR strings. Bare addresses are accepted as host
// prefixes.
func Parse(cidrs ...string) (PrefixSet, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		p, err := netip.ParsePrefix(c)
		if err != nil {
			addr, addrErr := netip.ParseAddr(c)
			if addrErr != nil {
				return PrefixSet{}, fmt.Errorf("invalid address or prefix %q", c)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, p)
	}
	return New(prefixes...), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(cidrs ...string) PrefixSet {
	s, err := Parse(cidrs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Any is the whole IPv4 space.
func Any() PrefixSet {
	return PrefixSet{prefixes: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}}
}

func (s PrefixSet) IsEmpty() bool { return len(s.prefixes) == 0 }

func (s PrefixSet) Len() int { return len(s.prefixes) }

// Prefixes returns a copy of the members in address order.
func (s PrefixSet) Prefixes() []netip.Prefix {
	return slices.Clone(s.prefixes)
}

func (s PrefixSet) Strings() []string {
	out := make([]string, len(s.prefixes))
	for i, p := range s.prefixes {
		out[i] = p.String()
	}
	return out
}

func (s PrefixSet) String() string {
	return "{" + strings.Join(s.Strings(), ", ") + "}"
}

// Equal compares the normalized member lists.
func (s PrefixSet) Equal(other PrefixSet) bool {
	return slices.Equal(s.prefixes, other.prefixes)
}

// Compare orders sets lexicographically by member prefix.
func (s PrefixSet) Compare(other PrefixSet) int {
	return slices.CompareFunc(s.prefixes, other.prefixes, comparePrefix)
}

// Contains reports whether addr is covered by any member.
func (s PrefixSet) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	idx, found := slices.BinarySearchFunc(s.prefixes, addr, func(p netip.Prefix, a netip.Addr) int {
		return p.Addr().Compare(a)
	})
	if found {
		return true
	}
	return idx > 0 && s.prefixes[idx-1].Contains(addr)
}

// Size is the number of addresses covered.
func (s PrefixSet) Size() uint64 {
	var total uint64
	for _, p := range s.prefixes {
		total += utils.CIDRSize(p)
	}
	return total
}

// Union merges both sorted member lists and drops nested prefixes.
func (s PrefixSet) Union(other PrefixSet) PrefixSet {
	if other.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return other
	}
	merged := make([]netip.Prefix, 0, len(s.prefixes)+len(other.prefixes))
	i, j := 0, 0
	for i < len(s.prefixes) && j < len(other.prefixes) {
		if comparePrefix(s.prefixes[i], other.prefixes[j]) <= 0 {
			merged = append(merged, s.prefixes[i])
			i++
		} else {
			merged = append(merged, other.prefixes[j])
			j++
		}
	}
	merged = append(merged, s.prefixes[i:]...)
	merged = append(merged, other.prefixes[j:]...)
	return PrefixSet{prefixes: dropNested(merged)}
}

// Intersect sweeps both lists, emitting whichever prefix is contained in
// the other and advancing past it.
func (s PrefixSet) Intersect(other PrefixSet) PrefixSet {
	var result []netip.Prefix
	i, j := 0, 0
	for i < len(s.prefixes) && j < len(other.prefixes) {
		l, r := s.prefixes[i], other.prefixes[j]
		switch {
		case within(l, r):
			result = append(result, l)
			i++
		case within(r, l):
			result = append(result, r)
			j++
		case l.Addr().Less(r.Addr()):
			i++
		default:
			j++
		}
	}
	return PrefixSet{prefixes: result}
}

// Difference removes every address covered by other.
func (s PrefixSet) Difference(other PrefixSet) PrefixSet {
	if s.IsEmpty() || other.IsEmpty() {
		return s
	}
	var result []netip.Prefix
	for _, p := range s.prefixes {
		result = append(result, carve(p, overlapping(p, other.prefixes))...)
	}
	return PrefixSet{prefixes: result}
}

// Disjoint reports whether the sets share no address. It does not allocate
// and stops at the first overlap.
func (s PrefixSet) Disjoint(other PrefixSet) bool {
	i, j := 0, 0
	for i < len(s.prefixes) && j < len(other.prefixes) {
		l, r := s.prefixes[i], other.prefixes[j]
		if within(l, r) || within(r, l) {
			return false
		}
		if l.Addr().Less(r.Addr()) {
			i++
		} else {
			j++
		}
	}
	return true
}

// carve removes the given prefixes from p by splitting p in half until each
// piece is either untouched or fully covered.
func carve(p netip.Prefix, others []netip.Prefix) []netip.Prefix {
	if len(others) == 0 {
		return []netip.Prefix{p}
	}
	for _, o := range others {
		if within(p, o) {
			return nil
		}
	}
	lo, hi, err := utils.Halves(p)
	if err != nil {
		// a host prefix that overlaps something is covered by it
		return nil
	}
	return append(carve(lo, overlapping(lo, others)), carve(hi, overlapping(hi, others))...)
}

func overlapping(p netip.Prefix, candidates []netip.Prefix) []netip.Prefix {
	var out []netip.Prefix
	for _, c := range candidates {
		if p.Overlaps(c) {
			out = append(out, c)
		}
	}
	return out
}

// within reports whether inner is inside outer.
func within(inner, outer netip.Prefix) bool {
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

// dropNested expects sorted input. Prefixes either nest or are disjoint, so
// a prefix starting inside the last kept one is always contained by it.
func dropNested(sorted []netip.Prefix) []netip.Prefix {
	out := sorted[:0]
	for _, p := range sorted {
		if len(out) > 0 && out[len(out)-1].Contains(p.Addr()) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
