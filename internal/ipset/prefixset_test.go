package ipset

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNewNormalizes(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"sorts", []string{"20.0.0.0/8", "10.0.0.0/8"}, []string{"10.0.0.0/8", "20.0.0.0/8"}},
		{"drops nested", []string{"10.1.0.0/16", "10.0.0.0/8", "10.1.2.0/24"}, []string{"10.0.0.0/8"}},
		{"dedups", []string{"10.0.0.0/8", "10.0.0.0/8"}, []string{"10.0.0.0/8"}},
		{"masks host bits", []string{"10.1.2.3/16"}, []string{"10.1.0.0/16"}},
		{"bare address", []string{"192.168.1.1"}, []string{"192.168.1.1/32"}},
		{"keeps adjacent blocks apart", []string{"10.0.0.0/9", "10.128.0.0/9"}, []string{"10.0.0.0/9", "10.128.0.0/9"}},
		{"drops ipv6", []string{"2001:db8::/32", "10.0.0.0/8"}, []string{"10.0.0.0/8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MustParse(tt.in...)
			if diff := cmp.Diff(tt.want, got.Strings()); diff != "" {
				t.Fatalf("unexpected members (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("10.0.0.0/8", "not-an-ip"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestIPv6OnlyIsEmpty(t *testing.T) {
	if !MustParse("::/0").IsEmpty() {
		t.Fatalf("expected IPv6-only set to be empty")
	}
	for _, in := range []string{"::ffff:0:0/80", "::ffff:10.0.0.0/95"} {
		if s := New(netip.MustParsePrefix(in)); !s.IsEmpty() {
			t.Errorf("New(%s) = %v, expected an empty set", in, s)
		}
	}
	if got := MustParse("::ffff:10.1.2.3/104").Strings(); !cmp.Equal(got, []string{"10.0.0.0/8"}) {
		t.Errorf("expected mapped prefix to unmap to 10.0.0.0/8, got %v", got)
	}
}

func TestUnion(t *testing.T) {
	a := MustParse("10.0.0.0/8", "30.0.0.0/8")
	b := MustParse("10.1.0.0/16", "20.0.0.0/8")
	want := []string{"10.0.0.0/8", "20.0.0.0/8", "30.0.0.0/8"}
	if diff := cmp.Diff(want, a.Union(b).Strings()); diff != "" {
		t.Fatalf("union mismatch (-want +got):\n%s", diff)
	}
}

func TestIntersect(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"nested", []string{"10.0.0.0/8"}, []string{"10.1.0.0/16", "20.0.0.0/8"}, []string{"10.1.0.0/16"}},
		{"disjoint", []string{"10.0.0.0/8"}, []string{"11.0.0.0/8"}, nil},
		{"many inside one", []string{"0.0.0.0/0"}, []string{"1.0.0.0/8", "2.0.0.0/8"}, []string{"1.0.0.0/8", "2.0.0.0/8"}},
		{"empty", []string{"10.0.0.0/8"}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MustParse(tt.a...).Intersect(MustParse(tt.b...))
			if diff := cmp.Diff(tt.want, got.Strings(), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("intersect mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDifference(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"hole", []string{"10.0.0.0/30"}, []string{"10.0.0.1/32"}, []string{"10.0.0.0/32", "10.0.0.2/31"}},
		{"covered", []string{"10.1.0.0/16"}, []string{"10.0.0.0/8"}, nil},
		{"untouched", []string{"10.0.0.0/8"}, []string{"11.0.0.0/8"}, []string{"10.0.0.0/8"}},
		{"two holes", []string{"10.0.0.0/29"}, []string{"10.0.0.0/31", "10.0.0.6/31"}, []string{"10.0.0.2/31", "10.0.0.4/31"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MustParse(tt.a...).Difference(MustParse(tt.b...))
			if diff := cmp.Diff(tt.want, got.Strings(), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("difference mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContains(t *testing.T) {
	s := MustParse("10.0.0.0/8", "192.168.1.0/24")
	for addr, want := range map[string]bool{
		"10.0.0.0":       true,
		"10.255.255.255": true,
		"11.0.0.0":       false,
		"192.168.1.77":   true,
		"192.168.2.1":    false,
		"9.255.255.255":  false,
	} {
		if got := s.Contains(netip.MustParseAddr(addr)); got != want {
			t.Errorf("Contains(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestSize(t *testing.T) {
	if got := MustParse("10.0.0.0/24", "10.1.0.0/31").Size(); got != 258 {
		t.Fatalf("expected 258 addresses, got %d", got)
	}
}

var algebraFixtures = [][]string{
	{},
	{"0.0.0.0/0"},
	{"10.0.0.0/8"},
	{"10.1.0.0/16", "10.3.0.0/16", "172.16.0.0/12"},
	{"10.0.0.0/9", "192.168.0.0/16"},
	{"10.1.2.3/32", "10.1.2.128/25"},
	{"172.20.0.0/16", "8.8.8.8/32"},
}

var sampleAddrs = []string{
	"0.0.0.1", "8.8.8.8", "10.0.0.0", "10.1.2.3", "10.1.2.4", "10.1.2.200",
	"10.3.255.255", "10.127.0.1", "10.128.0.1", "172.16.0.1", "172.20.9.9",
	"192.168.4.4", "255.255.255.255",
}

func TestAlgebraicProperties(t *testing.T) {
	for i, ra := range algebraFixtures {
		for j, rb := range algebraFixtures {
			a, b := MustParse(ra...), MustParse(rb...)

			if !a.Intersect(a).Equal(a) {
				t.Errorf("fixture %d: A&A != A", i)
			}
			if !a.Difference(a).IsEmpty() {
				t.Errorf("fixture %d: A-A not empty", i)
			}
			if a.Disjoint(b) != a.Intersect(b).IsEmpty() {
				t.Errorf("fixtures %d,%d: disjoint disagrees with intersect", i, j)
			}
			if !a.Intersect(b).Equal(b.Intersect(a)) {
				t.Errorf("fixtures %d,%d: intersect not commutative", i, j)
			}
			if !a.Union(b).Equal(b.Union(a)) {
				t.Errorf("fixtures %d,%d: union not commutative", i, j)
			}

			union, inter, diff := a.Union(b), a.Intersect(b), a.Difference(b)
			for _, s := range sampleAddrs {
				x := netip.MustParseAddr(s)
				inA, inB := a.Contains(x), b.Contains(x)
				if union.Contains(x) != (inA || inB) {
					t.Errorf("fixtures %d,%d: union membership wrong for %s", i, j, s)
				}
				if inter.Contains(x) != (inA && inB) {
					t.Errorf("fixtures %d,%d: intersect membership wrong for %s", i, j, s)
				}
				if diff.Contains(x) != (inA && !inB) {
					t.Errorf("fixtures %d,%d: difference membership wrong for %s", i, j, s)
				}
			}
		}
	}
}
