package utils

import (
	"net/netip"
	"testing"
)

func TestHalvesSplitsPrefix(t *testing.T) {
	lo, hi, err := Halves(netip.MustParsePrefix("10.0.0.0/8"))
	if err != nil {
		t.Fatalf("expected split to succeed, got %v", err)
	}
	if lo.String() != "10.0.0.0/9" || hi.String() != "10.128.0.0/9" {
		t.Fatalf("unexpected halves %s and %s", lo, hi)
	}

	if _, _, err := Halves(netip.MustParsePrefix("10.0.0.1/32")); err == nil {
		t.Fatalf("expected host prefix split to fail")
	}
}

func TestCIDRSizeCalculatesCorrectly(t *testing.T) {
	// Boundaries matter here; /0 and /32 are easy off-by-one targets.
	cases := map[string]uint64{
		"10.0.0.0/24": 256,
		"10.0.0.1/32": 1,
		"0.0.0.0/0":   1 << 32,
	}
	for cidr, want := range cases {
		if got := CIDRSize(netip.MustParsePrefix(cidr)); got != want {
			t.Errorf("CIDRSize(%s) = %d, want %d", cidr, got, want)
		}
	}
}

func TestLastAddr(t *testing.T) {
	if got := LastAddr(netip.MustParsePrefix("192.168.1.0/24")); got.String() != "192.168.1.255" {
		t.Fatalf("expected 192.168.1.255, got %s", got)
	}
}

func TestRangeToPrefixes(t *testing.T) {
	tests := []struct {
		start, end string
		want       []string
	}{
		{"192.168.1.10", "192.168.1.20", []string{"192.168.1.10/31", "192.168.1.12/30", "192.168.1.16/30", "192.168.1.20/32"}},
		{"10.0.0.0", "10.0.0.255", []string{"10.0.0.0/24"}},
		{"10.0.0.5", "10.0.0.5", []string{"10.0.0.5/32"}},
		{"0.0.0.0", "255.255.255.255", []string{"0.0.0.0/0"}},
	}
	for _, tt := range tests {
		t.Run(tt.start+"-"+tt.end, func(t *testing.T) {
			got, err := RangeToPrefixes(netip.MustParseAddr(tt.start), netip.MustParseAddr(tt.end))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i].String() != tt.want[i] {
					t.Errorf("prefix %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}

	if _, err := RangeToPrefixes(netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("10.0.0.1")); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
}
