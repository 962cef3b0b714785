package model

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"static-flow-verifier/internal/ipset"
)

// Rule is a canonical permit-only flow record. Name is provenance only.
type Rule struct {
	Src  ipset.PrefixSet
	Dst  ipset.PrefixSet
	App  string
	Name string
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s -> %s (%s)", r.App, r.Src, r.Dst, r.Name)
}

// RuleSet groups rules by application. OtherApp holds the catch-all.
type RuleSet map[string][]Rule

// RulesFor returns the rules for app, falling back to the catch-all when
// app has no entry of its own.
func (rs RuleSet) RulesFor(app string) []Rule {
	if rules, ok := rs[app]; ok {
		return rules
	}
	return rs[OtherApp]
}

func (rs RuleSet) Add(rules ...Rule) {
	for _, r := range rules {
		rs[r.App] = append(rs[r.App], r)
	}
}

func (rs RuleSet) Apps() []string {
	return slices.Sorted(maps.Keys(rs))
}

func (rs RuleSet) Len() int {
	n := 0
	for _, rules := range rs {
		n += len(rules)
	}
	return n
}

func (rs RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(rs))
	for app, rules := range rs {
		out[app] = slices.Clone(rules)
	}
	return out
}

const unmanagedPrefix = "unmanaged-"

// CombineNames joins two provenance names: the sorted, deduplicated union
// of their "+"-separated parts, without unmanaged-space bookkeeping names.
func CombineNames(a, b string) string {
	seen := make(map[string]struct{})
	for _, part := range strings.Split(a+"+"+b, "+") {
		if part == "" || strings.HasPrefix(part, unmanagedPrefix) {
			continue
		}
		seen[part] = struct{}{}
	}
	return strings.Join(slices.Sorted(maps.Keys(seen)), "+")
}
