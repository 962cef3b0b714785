package query

import (
	"testing"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

func rule(src, dst, app, name string) model.Rule {
	return model.Rule{Src: ipset.MustParse(src), Dst: ipset.MustParse(dst), App: app, Name: name}
}

func testRules() model.RuleSet {
	return model.RuleSet{
		"ssh": {
			rule("10.0.0.0/24", "10.1.0.0/16", "ssh", "admin"),
			rule("10.0.1.0/24", "10.1.0.0/16", "ssh", "ops"),
		},
		"http":         {},
		model.OtherApp: {rule("0.0.0.0/0", "192.168.0.0/16", model.OtherApp, "lab")},
	}
}

func TestPermits(t *testing.T) {
	e := NewEvaluator(testRules())
	tests := []struct {
		name     string
		app      string
		src, dst string
		want     bool
	}{
		{"single rule", "ssh", "10.0.0.5", "10.1.2.3", true},
		{"spans two rules", "ssh", "10.0.0.0/23", "10.1.0.0/24", true},
		{"partly outside", "ssh", "10.0.0.0/22", "10.1.0.0/24", false},
		{"explicitly empty app", "http", "10.0.0.5", "192.168.1.1", false},
		{"falls back to catch-all", "dns", "8.8.8.8", "192.168.1.1", true},
		{"catch-all destination limit", "dns", "8.8.8.8", "10.1.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, remaining := e.Permits(tt.app, ipset.MustParse(tt.src), ipset.MustParse(tt.dst))
			if got != tt.want {
				t.Fatalf("Permits(%s, %s, %s) = %v (unmatched %s), want %v", tt.app, tt.src, tt.dst, got, remaining, tt.want)
			}
			if got != remaining.IsEmpty() {
				t.Fatalf("result and remaining flows disagree")
			}
		})
	}
}

func TestDenies(t *testing.T) {
	e := NewEvaluator(testRules())
	denied, matches := e.Denies("ssh", ipset.MustParse("10.0.1.9"), ipset.MustParse("10.1.0.0/16"))
	if denied || len(matches) != 1 || matches[0].Rule.Name != "ops" {
		t.Fatalf("expected ops to permit, got denied=%v matches=%v", denied, matches)
	}
	if !matches[0].Src.Equal(ipset.MustParse("10.0.1.9")) {
		t.Fatalf("expected match narrowed to query, got %s", matches[0].Src)
	}

	// overlapping only the source or only the destination is not a match
	denied, _ = e.Denies("ssh", ipset.MustParse("10.0.0.0/24"), ipset.MustParse("172.16.0.0/12"))
	if !denied {
		t.Fatalf("expected flow to be denied")
	}
}

func TestApps(t *testing.T) {
	e := NewEvaluator(testRules())
	got := e.Apps(ipset.MustParse("10.0.0.1"), ipset.MustParse("0.0.0.0/0"))
	if len(got) != 2 || got[0] != "any" || got[1] != "ssh" {
		t.Fatalf("unexpected apps %v", got)
	}
}

func TestSourcesFor(t *testing.T) {
	e := NewEvaluator(testRules())
	got := e.SourcesFor(ipset.MustParse("10.1.1.1"), "ssh", ipset.MustParse("10.0.1.0/25"))
	want := ipset.MustParse("10.0.0.0/24", "10.0.1.128/25")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(testRules())
	tests := []struct {
		name     string
		src, dst string
		app      string
		expect   model.Action
		decision model.Decision
		passed   bool
	}{
		{"allowed as expected", "10.0.0.1", "10.1.0.1", "ssh", model.Permit, model.DecisionAllow, true},
		{"denied as expected", "10.9.0.1", "10.1.0.1", "ssh", model.Deny, model.DecisionDeny, true},
		{"unexpectedly denied", "10.9.0.1", "10.1.0.1", "ssh", model.Permit, model.DecisionDeny, false},
		{"partial fails both ways", "10.0.0.0/22", "10.1.0.1", "ssh", model.Deny, model.DecisionPartial, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := &model.FlowCheck{
				Source:      tt.src,
				Destination: tt.dst,
				Src:         ipset.MustParse(tt.src),
				Dst:         ipset.MustParse(tt.dst),
				Application: tt.app,
				Expect:      tt.expect,
			}
			result := e.Evaluate(check)
			if result.Decision != tt.decision || result.Passed != tt.passed {
				t.Fatalf("got decision %s passed=%v (%s), want %s passed=%v", result.Decision, result.Passed, result.Reason, tt.decision, tt.passed)
			}
		})
	}

	skipped := e.Evaluate(&model.FlowCheck{Src: ipset.MustParse("::1"), Dst: ipset.Any(), Application: "ssh", Expect: model.Permit})
	if skipped.Decision != model.DecisionSkip {
		t.Fatalf("expected IPv6-only source to be skipped, got %s", skipped.Decision)
	}
	if got := e.Evaluate(&model.FlowCheck{Src: ipset.Any(), Dst: ipset.Any(), Application: "ssh"}).FlowCount; got != ^uint64(0) {
		t.Fatalf("expected saturated flow count, got %d", got)
	}
}
