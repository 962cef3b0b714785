package engine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var topologySpaces = []string{"ord", "lax", "nyc", "unmanaged"}

func TestParseTopology(t *testing.T) {
	tests := []struct {
		name  string
		exprs map[string][]string
		want  Topology
	}{
		{
			name:  "one route",
			exprs: map[string][]string{"ord -> lax": {"fw1.ord"}},
			want:  Topology{{"ord", "lax"}: {"fw1.ord"}},
		},
		{
			name:  "star source",
			exprs: map[string][]string{"* -> lax": {"fw1.lax"}},
			want: Topology{
				{"lax", "lax"}:       {"fw1.lax"},
				{"nyc", "lax"}:       {"fw1.lax"},
				{"ord", "lax"}:       {"fw1.lax"},
				{"unmanaged", "lax"}: {"fw1.lax"},
			},
		},
		{
			name:  "bidirectional",
			exprs: map[string][]string{"lax <-> nyc": {"fw1.lax"}},
			want: Topology{
				{"lax", "nyc"}: {"fw1.lax"},
				{"nyc", "lax"}: {"fw1.lax"},
			},
		},
		{
			name: "exact overrides wildcard",
			exprs: map[string][]string{
				"ord -> *":   {"fw.ord"},
				"ord -> lax": {"fw.ord", "fw.lax"},
				"ord -> nyc": {},
			},
			want: Topology{
				{"ord", "lax"}:       {"fw.lax", "fw.ord"},
				{"ord", "ord"}:       {"fw.ord"},
				{"ord", "unmanaged"}: {"fw.ord"},
			},
		},
		{
			name: "same level accumulates",
			exprs: map[string][]string{
				"ord <-> lax": {"fw.ord"},
				"lax -> ord":  {"fw.lax"},
			},
			want: Topology{
				{"ord", "lax"}: {"fw.ord"},
				{"lax", "ord"}: {"fw.lax", "fw.ord"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTopology(tt.exprs, topologySpaces)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("topology mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseTopologyErrors(t *testing.T) {
	tests := []struct {
		expr string
		want error
	}{
		{"mdw -> lax", ErrUnknownSpace},
		{"lax -> mdw", ErrUnknownSpace},
		{"lax nyc", ErrBadRouteExpression},
		{"-> lax", ErrBadRouteExpression},
		{"lax -> nyc -> ord", ErrBadRouteExpression},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseTopology(map[string][]string{tt.expr: {"fw"}}, topologySpaces)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTopologyPairsAreSorted(t *testing.T) {
	topo := Topology{{"b", "a"}: {"x"}, {"a", "b"}: {"x"}, {"a", "a"}: {"x"}}
	got := topo.Pairs()
	want := []SpacePair{{"a", "a"}, {"a", "b"}, {"b", "a"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("pairs mismatch (-want +got):\n%s", diff)
	}
}
