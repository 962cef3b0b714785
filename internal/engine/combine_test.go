package engine

import (
	"errors"
	"testing"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

// bothWays is the topology of two sites that each guard their own space,
// so traffic between them must pass both firewalls.
func bothWays(a, b string) map[string][]string {
	return map[string][]string{
		a + " -> " + a:  {a},
		b + " -> " + b:  {b},
		a + " <-> " + b: {a, b},
	}
}

func spaces(kv ...string) map[string]ipset.PrefixSet {
	out := make(map[string]ipset.PrefixSet)
	for i := 0; i < len(kv); i += 2 {
		out[kv[i]] = ipset.MustParse(kv[i+1])
	}
	return out
}

func mustCombine(t *testing.T, in CombineInput) model.RuleSet {
	t.Helper()
	rs, err := Combine(in)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	return rs
}

func TestCombineOverlappingRules(t *testing.T) {
	rs := mustCombine(t, CombineInput{
		Spaces: spaces("nyc", "1.0.0.0/8", "dca", "2.0.0.0/8"),
		Routes: bothWays("nyc", "dca"),
		Sources: map[string]model.RuleSet{
			"nyc": {"app": {rule("1.1.0.0/16", "2.0.0.0/8", "app", "nyc")}},
			"dca": {"app": {rule("1.0.0.0/8", "2.1.0.0/16", "app", "dca")}},
		},
	})
	got := rs["app"]
	if len(got) != 1 {
		t.Fatalf("expected one combined rule, got %v", got)
	}
	if !got[0].Src.Equal(ipset.MustParse("1.1.0.0/16")) || !got[0].Dst.Equal(ipset.MustParse("2.1.0.0/16")) || got[0].Name != "dca+nyc" {
		t.Fatalf("unexpected rule %s", got[0])
	}
	if _, ok := rs[model.OtherApp]; ok {
		t.Fatalf("empty catch-all must be omitted")
	}
}

func TestCombineNonOverlappingRules(t *testing.T) {
	rs := mustCombine(t, CombineInput{
		Spaces: spaces("nyc", "1.0.0.0/8", "dca", "2.0.0.0/8"),
		Routes: bothWays("nyc", "dca"),
		Sources: map[string]model.RuleSet{
			"nyc": {"app": {rule("1.2.5.0/24", "2.2.5.0/24", "app", "nyc")}},
			"dca": {"app": {rule("2.7.7.0/24", "1.7.7.0/24", "app", "dca")}},
		},
	})
	if rs.Len() != 0 {
		t.Fatalf("expected no surviving flows, got %v", rs)
	}
}

func TestCombineMultipleMatches(t *testing.T) {
	rs := mustCombine(t, CombineInput{
		Spaces: spaces("nyc", "1.0.0.0/8", "dca", "2.0.0.0/8"),
		Routes: bothWays("nyc", "dca"),
		Sources: map[string]model.RuleSet{
			"nyc": {"app": {
				rule("1.1.1.1", "2.0.0.0/8", "app", "one"),
				rule("1.1.1.2", "2.0.0.0/8", "app", "two"),
			}},
			"dca": {"app": {
				rule("1.0.0.0/8", "2.7.8.8", "app", "eight"),
				rule("1.0.0.0/8", "2.7.8.9", "app", "nine"),
			}},
		},
	})
	// the four pairwise intersections simplify back into one rectangle
	got := rs["app"]
	if len(got) != 1 {
		t.Fatalf("expected 1 rule, got %v", got)
	}
	if !got[0].Src.Equal(ipset.MustParse("1.1.1.1", "1.1.1.2")) || !got[0].Dst.Equal(ipset.MustParse("2.7.8.8", "2.7.8.9")) {
		t.Fatalf("unexpected rule %s", got[0])
	}
	if got[0].Name != "eight+nine+one+two" {
		t.Fatalf("unexpected name %q", got[0].Name)
	}
}

func TestCombineLimitedBySpace(t *testing.T) {
	routes := bothWays("nyc", "dca")
	routes["ord -> dca"] = []string{"ord", "dca"}
	rs := mustCombine(t, CombineInput{
		Spaces: spaces("ord", "0.0.0.0/8", "nyc", "1.0.0.0/8", "dca", "2.0.0.0/8"),
		Routes: routes,
		Sources: map[string]model.RuleSet{
			"ord": {"app": {}},
			"nyc": {"app": {rule("0.0.0.0/7", "2.0.0.0/8", "app", "nyc")}},
			"dca": {"app": {rule("0.0.0.0/7", "2.0.0.0/8", "app", "dca")}},
		},
	})
	got := rs["app"]
	if len(got) != 1 || !got[0].Src.Equal(ipset.MustParse("1.0.0.0/8")) || !got[0].Dst.Equal(ipset.MustParse("2.0.0.0/8")) {
		t.Fatalf("only nyc space should reach dca, got %v", got)
	}
}

func TestCombineSynthesizesFromCatchAll(t *testing.T) {
	rs := mustCombine(t, CombineInput{
		Spaces: spaces("ord", "0.0.0.0/2", "lga", "64.0.0.0/2"),
		Routes: map[string][]string{"* -> *": {"ord", "lga"}},
		Sources: map[string]model.RuleSet{
			"ord": {
				"ordonly":      {rule("1.1.0.0", "65.1.9.9", "ordonly", "ordonly")},
				model.OtherApp: {rule("1.1.0.0/16", "65.1.0.0/16", model.OtherApp, "ordother")},
			},
			"lga": {
				model.OtherApp: {rule("1.1.0.0/16", "65.1.9.0/24", model.OtherApp, "lgaother")},
			},
		},
	})
	got := rs["ordonly"]
	if len(got) != 1 || got[0].Name != "lgaother+ordonly" || got[0].App != "ordonly" {
		t.Fatalf("expected lga's catch-all to stand in for ordonly, got %v", got)
	}
	other := rs[model.OtherApp]
	if len(other) != 1 || !other[0].Dst.Equal(ipset.MustParse("65.1.9.0/24")) {
		t.Fatalf("unexpected catch-all rules %v", other)
	}
}

func TestCombineUnmanagedSpace(t *testing.T) {
	rs := mustCombine(t, CombineInput{
		Spaces: spaces("ten", "10.0.0.0/8"),
		Routes: map[string][]string{
			"ten <-> *": {"ten"},
		},
		Sources: map[string]model.RuleSet{
			"ten": {"http": {
				rule("10.10.0.0/16", "10.20.0.0/16", "http", "10->10"),
				rule("30.10.0.0/16", "10.20.0.0/16", "http", "30->10"),
				rule("30.10.0.0/16", "30.20.0.0/16", "http", "30->30"),
			}},
		},
		Unmanaged: true,
	})
	for _, r := range rs["http"] {
		if r.Name == "30->30" {
			t.Fatalf("flows inside unmanaged space must be dropped, got %s", r)
		}
	}
	if len(rs["http"]) != 1 || !rs["http"][0].Src.Equal(ipset.MustParse("10.10.0.0/16", "30.10.0.0/16")) {
		t.Fatalf("unexpected http rules %v", rs["http"])
	}
}

func TestCombineConfigurationErrors(t *testing.T) {
	_, err := Combine(CombineInput{
		Spaces:  spaces("nyc", "1.0.0.0/8"),
		Routes:  map[string][]string{"nyc -> mdw": {"nyc"}},
		Sources: map[string]model.RuleSet{"nyc": {}},
	})
	if !errors.Is(err, ErrUnknownSpace) {
		t.Fatalf("expected ErrUnknownSpace, got %v", err)
	}

	_, err = Combine(CombineInput{
		Spaces:  spaces("nyc", "1.0.0.0/8"),
		Routes:  map[string][]string{"nyc -> nyc": {"fw.nyc"}},
		Sources: map[string]model.RuleSet{"nyc": {}},
	})
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}
