package query

import (
	"maps"
	"slices"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

type DiffOp string

const (
	Removed DiffOp = "-"
	Added   DiffOp = "+"
)

type DiffEntry struct {
	Op  DiffOp
	App string
	Src ipset.PrefixSet
	Dst ipset.PrefixSet
}

// Diff reports, per application, the flows permitted by only one side.
// Applications missing on one side are compared against its catch-all.
func Diff(left, right model.RuleSet) []DiffEntry {
	apps := make(map[string]struct{})
	for app := range left {
		apps[app] = struct{}{}
	}
	for app := range right {
		apps[app] = struct{}{}
	}

	var out []DiffEntry
	for _, app := range slices.Sorted(maps.Keys(apps)) {
		l, r := flows(left.RulesFor(app)), flows(right.RulesFor(app))
		for _, p := range l.Subtract(r).Pairs() {
			out = append(out, DiffEntry{Op: Removed, App: app, Src: p.Src, Dst: p.Dst})
		}
		for _, p := range r.Subtract(l).Pairs() {
			out = append(out, DiffEntry{Op: Added, App: app, Src: p.Src, Dst: p.Dst})
		}
	}
	return out
}

func flows(rules []model.Rule) ipset.PairSet {
	pairs := make([]ipset.Pair, len(rules))
	for i, r := range rules {
		pairs[i] = ipset.Pair{Src: r.Src, Dst: r.Dst}
	}
	return ipset.NewPairSet(pairs...)
}
